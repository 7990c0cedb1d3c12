package whep

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Encoder errors
var (
	ErrCodecNotSupported = errors.New("codec not supported by encoder")
	ErrEncoderClosed     = errors.New("encoder closed")
)

// VideoEncoderConfig configures a video encoder.
type VideoEncoderConfig struct {
	Codec      VideoCodec // Codec type (VP8, VP9)
	Width      int        // Frame width
	Height     int        // Frame height
	FPS        int        // Target framerate
	BitrateBps int        // Target bitrate in bits per second
	Threads    int        // Encoder threads (0 = auto)
}

// DefaultVideoEncoderConfig returns a default encoder configuration.
func DefaultVideoEncoderConfig(codec VideoCodec, width, height int) VideoEncoderConfig {
	return VideoEncoderConfig{
		Codec:      codec,
		Width:      width,
		Height:     height,
		FPS:        30,
		BitrateBps: 1500000, // 1.5 Mbps
	}
}

// EncoderStats provides encoding metrics.
type EncoderStats struct {
	FramesEncoded    uint64 // Total frames encoded
	KeyframesEncoded uint64 // Total keyframes encoded
	BytesEncoded     uint64 // Total bytes of encoded data
}

// VideoEncoder encodes raw I420 frames to a compressed bitstream.
type VideoEncoder interface {
	io.Closer

	// Encode encodes a video frame.
	// Returns nil if the encoder is buffering and no output is ready.
	// The returned EncodedFrame data is valid until the next Encode() call.
	Encode(frame *VideoFrame) (*EncodedFrame, error)

	// RequestKeyframe forces the next frame to be a keyframe.
	RequestKeyframe()

	// SetBitrate updates the target bitrate dynamically.
	SetBitrate(bitrateBps int) error

	// Config returns the encoder configuration.
	Config() VideoEncoderConfig

	// Stats returns encoding statistics.
	Stats() EncoderStats
}

// EncoderFactory creates encoders for the codecs it supports.
type EncoderFactory interface {
	Supports(codec VideoCodec) bool
	NewEncoder(config VideoEncoderConfig) (VideoEncoder, error)
}

// --- Registry ---

type videoEncoderFactory struct {
	available func() bool
	create    func(VideoEncoderConfig) (VideoEncoder, error)
}

type encoderRegistry struct {
	mu      sync.RWMutex
	factory map[VideoCodec]videoEncoderFactory
}

var globalEncoderRegistry = &encoderRegistry{
	factory: make(map[VideoCodec]videoEncoderFactory),
}

// registerVideoEncoder registers an encoder implementation for a codec.
func registerVideoEncoder(codec VideoCodec, available func() bool, create func(VideoEncoderConfig) (VideoEncoder, error)) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.factory[codec] = videoEncoderFactory{available: available, create: create}
}

// NewVideoEncoder creates an encoder from the registered implementations.
func NewVideoEncoder(config VideoEncoderConfig) (VideoEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	f, ok := globalEncoderRegistry.factory[config.Codec]
	globalEncoderRegistry.mu.RUnlock()

	if !ok || !f.available() {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, config.Codec)
	}
	return f.create(config)
}

// IsVideoEncoderAvailable reports whether an encoder for codec can be created.
func IsVideoEncoderAvailable(codec VideoCodec) bool {
	globalEncoderRegistry.mu.RLock()
	f, ok := globalEncoderRegistry.factory[codec]
	globalEncoderRegistry.mu.RUnlock()
	return ok && f.available()
}

// RegisteredEncoders is the EncoderFactory backed by the package registry.
type RegisteredEncoders struct{}

// Supports implements EncoderFactory.
func (RegisteredEncoders) Supports(codec VideoCodec) bool {
	return IsVideoEncoderAvailable(codec)
}

// NewEncoder implements EncoderFactory.
func (RegisteredEncoders) NewEncoder(config VideoEncoderConfig) (VideoEncoder, error) {
	return NewVideoEncoder(config)
}
