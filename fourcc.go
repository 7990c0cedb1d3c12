package whep

import (
	"errors"
	"fmt"
)

// FourCC is the four-character code a native receiver attaches to a raw
// frame. The first character occupies the least significant byte.
type FourCC uint32

// FourCC values reported by NDI receivers.
const (
	FourCCUYVY FourCC = 'U' | 'Y'<<8 | 'V'<<16 | 'Y'<<24
	FourCCUYVA FourCC = 'U' | 'Y'<<8 | 'V'<<16 | 'A'<<24
	FourCCYUY2 FourCC = 'Y' | 'U'<<8 | 'Y'<<16 | '2'<<24
	FourCCBGRA FourCC = 'B' | 'G'<<8 | 'R'<<16 | 'A'<<24
	FourCCBGRX FourCC = 'B' | 'G'<<8 | 'R'<<16 | 'X'<<24
	FourCCRGBA FourCC = 'R' | 'G'<<8 | 'B'<<16 | 'A'<<24
	FourCCRGBX FourCC = 'R' | 'G'<<8 | 'B'<<16 | 'X'<<24
)

func (f FourCC) String() string {
	b := [4]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(f))
		}
	}
	return string(b[:])
}

// RawFrame is an immutable capture result: a Go-owned copy of the native
// buffer together with the geometry needed to interpret it. Nothing in a
// RawFrame refers to foreign memory.
type RawFrame struct {
	fourCC    FourCC
	width     int
	height    int
	stride    int
	data      []byte
	timestamp int64
}

// NewRawFrame wraps data as a raw frame. The frame takes ownership of data;
// callers must not modify it afterwards.
func NewRawFrame(fourCC FourCC, width, height, stride int, data []byte, timestamp int64) RawFrame {
	return RawFrame{
		fourCC:    fourCC,
		width:     width,
		height:    height,
		stride:    stride,
		data:      data,
		timestamp: timestamp,
	}
}

func (r RawFrame) FourCC() FourCC   { return r.fourCC }
func (r RawFrame) Width() int       { return r.width }
func (r RawFrame) Height() int      { return r.height }
func (r RawFrame) Stride() int      { return r.stride }
func (r RawFrame) Len() int         { return len(r.data) }
func (r RawFrame) Timestamp() int64 { return r.timestamp }

// ErrCaptureDecode matches every CaptureDecodeError.
var ErrCaptureDecode = errors.New("capture decode error")

// CaptureDecodeError reports a raw frame that cannot be converted. The
// bridge logs and skips such frames.
type CaptureDecodeError struct {
	FourCC FourCC
	Width  int
	Height int
	Stride int
	Len    int
	Reason string
}

func (e *CaptureDecodeError) Error() string {
	return fmt.Sprintf("decode %s %dx%d stride=%d len=%d: %s",
		e.FourCC, e.Width, e.Height, e.Stride, e.Len, e.Reason)
}

func (e *CaptureDecodeError) Is(target error) bool {
	return target == ErrCaptureDecode
}

func decodeError(r RawFrame, format string, args ...any) error {
	return &CaptureDecodeError{
		FourCC: r.fourCC,
		Width:  r.width,
		Height: r.height,
		Stride: r.stride,
		Len:    len(r.data),
		Reason: fmt.Sprintf(format, args...),
	}
}
