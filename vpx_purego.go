//go:build (darwin || linux) && !novpx

// VP8/VP9 encoding through libmedia_vpx, a primitive-only wrapper around
// libvpx loaded at runtime with purego so the server builds without cgo.
//
// The library is looked up via MEDIA_VPX_LIB_PATH, MEDIA_SDK_LIB_PATH,
// next to the executable, build/ under the module root and finally the
// system loader paths.

package whep

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
)

// libmedia_vpx codec ids, frame types and status codes.
const (
	vpxCodecVP8 int32 = 0
	vpxCodecVP9 int32 = 1

	vpxFrameKey int32 = 0
	vpxOK       int32 = 0
)

// vpxAPI holds the resolved libmedia_vpx entry points.
type vpxAPI struct {
	create        func(codec, width, height, fps, bitrateKbps, threads int32) uint64
	encode        func(enc uint64, y, u, v uintptr, yStride, uvStride, forceKey int32, out uintptr, outCap int32, frameType, pts uintptr) int32
	maxOutputSize func(enc uint64) int32
	setBitrate    func(enc uint64, bitrateKbps int32) int32
	destroy       func(enc uint64)
	lastError     func() uintptr
	available     func(codec int32) int32
}

var (
	vpxLoadOnce sync.Once
	vpx         vpxAPI
	vpxLoadErr  error
)

func init() {
	registerVideoEncoder(VideoCodecVP8, IsVP8Available, func(c VideoEncoderConfig) (VideoEncoder, error) {
		return NewVP8Encoder(c)
	})
	registerVideoEncoder(VideoCodecVP9, IsVP9Available, func(c VideoEncoderConfig) (VideoEncoder, error) {
		return NewVP9Encoder(c)
	})
}

func loadVPX() error {
	vpxLoadOnce.Do(func() {
		handle, _, err := dlopenFirst(vpxLibPaths())
		if err != nil {
			vpxLoadErr = fmt.Errorf("load libmedia_vpx: %w", err)
			return
		}
		for sym, fn := range map[string]any{
			"media_vpx_encoder_create":          &vpx.create,
			"media_vpx_encoder_encode":          &vpx.encode,
			"media_vpx_encoder_max_output_size": &vpx.maxOutputSize,
			"media_vpx_encoder_set_bitrate":     &vpx.setBitrate,
			"media_vpx_encoder_destroy":         &vpx.destroy,
			"media_vpx_get_error":               &vpx.lastError,
			"media_vpx_codec_available":         &vpx.available,
		} {
			purego.RegisterLibFunc(fn, handle, sym)
		}
	})
	return vpxLoadErr
}

func vpxLibPaths() []string {
	name := "libmedia_vpx.so"
	dirs := []string{"/usr/local/lib", "/usr/lib"}
	if runtime.GOOS == "darwin" {
		name = "libmedia_vpx.dylib"
		dirs = []string{"/usr/local/lib", "/opt/homebrew/lib"}
	}
	return libSearch{
		FileEnv:    "MEDIA_VPX_LIB_PATH",
		DirEnvs:    []string{"MEDIA_SDK_LIB_PATH"},
		Names:      []string{name},
		SystemDirs: dirs,
	}.candidates()
}

func vpxError() string {
	if msg := goStringFromPtr(vpx.lastError()); msg != "" {
		return msg
	}
	return "unknown error"
}

// IsVPXAvailable reports whether libmedia_vpx could be loaded.
func IsVPXAvailable() bool { return loadVPX() == nil }

// IsVP8Available reports whether the loaded library can encode VP8.
func IsVP8Available() bool { return IsVPXAvailable() && vpx.available(vpxCodecVP8) != 0 }

// IsVP9Available reports whether the loaded library can encode VP9.
func IsVP9Available() bool { return IsVPXAvailable() && vpx.available(vpxCodecVP9) != 0 }

// VPXEncoder is a VideoEncoder backed by libmedia_vpx.
type VPXEncoder struct {
	mu     sync.Mutex
	config VideoEncoderConfig
	handle uint64
	out    []byte

	forceKey atomic.Bool

	statsMu sync.Mutex
	stats   EncoderStats
}

// NewVP8Encoder creates a VP8 encoder; config.Codec is ignored.
func NewVP8Encoder(config VideoEncoderConfig) (*VPXEncoder, error) {
	config.Codec = VideoCodecVP8
	return newVPXEncoder(config, vpxCodecVP8)
}

// NewVP9Encoder creates a VP9 encoder; config.Codec is ignored.
func NewVP9Encoder(config VideoEncoderConfig) (*VPXEncoder, error) {
	config.Codec = VideoCodecVP9
	return newVPXEncoder(config, vpxCodecVP9)
}

func newVPXEncoder(config VideoEncoderConfig, codec int32) (*VPXEncoder, error) {
	if err := loadVPX(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCodecNotSupported, config.Codec, err)
	}
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("invalid encoder size %dx%d", config.Width, config.Height)
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	threads := config.Threads
	if threads <= 0 {
		threads = min(runtime.NumCPU(), 4)
	}
	kbps := config.BitrateBps / 1000
	if kbps <= 0 {
		kbps = 1000
	}

	handle := vpx.create(codec, int32(config.Width), int32(config.Height), int32(config.FPS), int32(kbps), int32(threads))
	if handle == 0 {
		return nil, fmt.Errorf("create %s encoder: %s", config.Codec, vpxError())
	}
	size := int(vpx.maxOutputSize(handle))
	if size <= 0 {
		size = I420Size(config.Width, config.Height)
	}

	e := &VPXEncoder{config: config, handle: handle, out: make([]byte, size)}
	e.forceKey.Store(true)
	return e, nil
}

// Encode implements VideoEncoder. frame must be I420 at the configured
// size; the returned data is reused by the next call.
func (e *VPXEncoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	if frame.Format != PixelFormatI420 {
		return nil, fmt.Errorf("encoder needs I420, got %s", frame.Format)
	}
	if frame.Width != e.config.Width || frame.Height != e.config.Height {
		return nil, fmt.Errorf("frame %dx%d does not match encoder %dx%d",
			frame.Width, frame.Height, e.config.Width, e.config.Height)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return nil, ErrEncoderClosed
	}

	var force int32
	if e.forceKey.Swap(false) {
		force = 1
	}
	var frameType int32
	var pts int64
	n := vpx.encode(e.handle,
		uintptr(unsafe.Pointer(&frame.Data[0][0])),
		uintptr(unsafe.Pointer(&frame.Data[1][0])),
		uintptr(unsafe.Pointer(&frame.Data[2][0])),
		int32(frame.Stride[0]), int32(frame.Stride[1]),
		force,
		uintptr(unsafe.Pointer(&e.out[0])), int32(len(e.out)),
		uintptr(unsafe.Pointer(&frameType)), uintptr(unsafe.Pointer(&pts)),
	)
	runtime.KeepAlive(frame)
	switch {
	case n < 0:
		return nil, fmt.Errorf("%s encode: %s", e.config.Codec, vpxError())
	case n == 0:
		return nil, nil
	}

	kind := FrameTypeDelta
	if frameType == vpxFrameKey {
		kind = FrameTypeKey
	}
	e.statsMu.Lock()
	e.stats.FramesEncoded++
	e.stats.BytesEncoded += uint64(n)
	if kind == FrameTypeKey {
		e.stats.KeyframesEncoded++
	}
	e.statsMu.Unlock()

	return &EncodedFrame{Data: e.out[:n], FrameType: kind, Duration: frame.Duration}, nil
}

// RequestKeyframe implements VideoEncoder.
func (e *VPXEncoder) RequestKeyframe() { e.forceKey.Store(true) }

// SetBitrate implements VideoEncoder.
func (e *VPXEncoder) SetBitrate(bitrateBps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return ErrEncoderClosed
	}
	if vpx.setBitrate(e.handle, int32(bitrateBps/1000)) != vpxOK {
		return fmt.Errorf("%s set bitrate: %s", e.config.Codec, vpxError())
	}
	e.config.BitrateBps = bitrateBps
	return nil
}

// Config implements VideoEncoder.
func (e *VPXEncoder) Config() VideoEncoderConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Stats implements VideoEncoder.
func (e *VPXEncoder) Stats() EncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Close releases the native encoder. It is safe to call more than once.
func (e *VPXEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		vpx.destroy(e.handle)
		e.handle = 0
	}
	return nil
}
