// Core frame types shared by the capture, conversion and encode stages.
package whep

import (
	"fmt"
	"strings"
)

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420   PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatBGRA32                    // Packed BGRA, 4 bytes per pixel
	PixelFormatRGBA32                    // Packed RGBA, 4 bytes per pixel
	PixelFormatBGR24                     // Packed BGR, 3 bytes per pixel
	PixelFormatRGB24                     // Packed RGB, 3 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatBGRA32:
		return "BGRA32"
	case PixelFormatRGBA32:
		return "RGBA32"
	case PixelFormatBGR24:
		return "BGR24"
	case PixelFormatRGB24:
		return "RGB24"
	default:
		return "Unknown"
	}
}

// ParsePixelFormat maps a configuration string to a PixelFormat.
// Accepted names are case-insensitive: i420, bgra, rgba, bgr24/bgr, rgb24/rgb.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "i420", "yuv420p", "yuv":
		return PixelFormatI420, nil
	case "bgra", "bgra32", "bgrx":
		return PixelFormatBGRA32, nil
	case "rgba", "rgba32", "rgbx":
		return PixelFormatRGBA32, nil
	case "bgr", "bgr24":
		return PixelFormatBGR24, nil
	case "rgb", "rgb24":
		return PixelFormatRGB24, nil
	default:
		return 0, fmt.Errorf("unknown pixel format %q", s)
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatBGRA32, PixelFormatRGBA32, PixelFormatBGR24, PixelFormatRGB24:
		return 1 // Packed
	default:
		return 0
	}
}

// BytesPerPixel returns the packed pixel size, or 0 for planar formats.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatBGRA32, PixelFormatRGBA32:
		return 4
	case PixelFormatBGR24, PixelFormatRGB24:
		return 3
	default:
		return 0
	}
}

// IsPacked reports whether the format stores all channels in one plane.
func (p PixelFormat) IsPacked() bool {
	return p.BytesPerPixel() > 0
}

// VideoFrame is a normalized raw video frame.
//
// Every plane is owned by the frame and tightly packed: Stride[i] equals the
// row width of plane i and len(Data[i]) == Stride[i]*rows. Frames delivered
// by a CaptureBridge may be shared between subscribers and must be treated
// as read-only.
type VideoFrame struct {
	Data      [][]byte    // Plane data (1 plane packed, 3 planes I420)
	Stride    []int       // Stride for each plane in bytes
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Format    PixelFormat // Pixel format
	Timestamp int64       // Capture timestamp in nanoseconds
	Duration  int64       // Frame duration in nanoseconds (optional)
}

// NewVideoFrame allocates a zeroed, tightly packed frame.
func NewVideoFrame(format PixelFormat, width, height int) *VideoFrame {
	f := &VideoFrame{Width: width, Height: height, Format: format}
	if format == PixelFormatI420 {
		cw, ch := ChromaSize(width, height)
		f.Data = [][]byte{
			make([]byte, width*height),
			make([]byte, cw*ch),
			make([]byte, cw*ch),
		}
		f.Stride = []int{width, cw, cw}
		return f
	}
	bpp := format.BytesPerPixel()
	f.Data = [][]byte{make([]byte, width*height*bpp)}
	f.Stride = []int{width * bpp}
	return f
}

// Validate checks that the plane layout matches format, width and height
// exactly.
func (f *VideoFrame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame dimensions %dx%d", f.Width, f.Height)
	}
	if len(f.Data) != f.Format.PlaneCount() || len(f.Stride) != len(f.Data) {
		return fmt.Errorf("%s frame has %d planes", f.Format, len(f.Data))
	}
	if f.Format == PixelFormatI420 {
		cw, ch := ChromaSize(f.Width, f.Height)
		want := [3][2]int{{f.Width, f.Height}, {cw, ch}, {cw, ch}}
		for i, w := range want {
			if f.Stride[i] != w[0] || len(f.Data[i]) != w[0]*w[1] {
				return fmt.Errorf("I420 plane %d: stride %d len %d, want %dx%d",
					i, f.Stride[i], len(f.Data[i]), w[0], w[1])
			}
		}
		return nil
	}
	row := f.Width * f.Format.BytesPerPixel()
	if f.Stride[0] != row || len(f.Data[0]) != row*f.Height {
		return fmt.Errorf("%s plane: stride %d len %d, want %dx%d",
			f.Format, f.Stride[0], len(f.Data[0]), row, f.Height)
	}
	return nil
}

// Clone creates a deep copy of the video frame.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:      make([][]byte, len(f.Data)),
		Stride:    make([]int, len(f.Stride)),
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Timestamp: f.Timestamp,
		Duration:  f.Duration,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// ChromaSize returns the dimensions of an I420 chroma plane.
func ChromaSize(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	cw, ch := ChromaSize(width, height)
	return width*height + 2*cw*ch
}

// FrameType indicates whether an encoded frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // I-frame, can be decoded independently
	FrameTypeDelta             // P-frame, requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// EncodedFrame holds encoded video data.
type EncodedFrame struct {
	Data      []byte    // Encoded bitstream data
	FrameType FrameType // Key or delta frame
	Duration  int64     // Frame duration in nanoseconds
}

// IsKeyframe returns true if this is a keyframe.
func (f *EncodedFrame) IsKeyframe() bool {
	return f.FrameType == FrameTypeKey
}
