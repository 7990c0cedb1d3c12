package whep

import (
	"context"
	"errors"
	"io"

	"github.com/pion/logging"
)

// ErrSourceClosed is returned by ReadFrame after Close.
var ErrSourceClosed = errors.New("source closed")

// SourceType identifies the kind of video source.
type SourceType int

const (
	SourceTypeUnknown     SourceType = iota
	SourceTypeNDI                    // NDI network source
	SourceTypeTestPattern            // Synthetic test pattern generator
)

func (s SourceType) String() string {
	switch s {
	case SourceTypeNDI:
		return "NDI"
	case SourceTypeTestPattern:
		return "TestPattern"
	default:
		return "Unknown"
	}
}

// SourceConfig describes a source's nominal output.
type SourceConfig struct {
	Width      int         // Frame width in pixels (0 if not yet known)
	Height     int         // Frame height in pixels (0 if not yet known)
	FPS        int         // Frames per second (0 if driven by the sender)
	Format     PixelFormat // Pixel format
	SourceType SourceType  // Type of source
}

// VideoSource produces raw video frames.
type VideoSource interface {
	io.Closer

	// Start begins capture/generation.
	Start(ctx context.Context) error

	// Stop halts capture/generation.
	Stop() error

	// ReadFrame reads the next frame (blocking). Returned frames must be
	// treated as read-only; they may be shared with other consumers.
	ReadFrame(ctx context.Context) (*VideoFrame, error)

	// Config returns the source configuration.
	Config() SourceConfig

	// Type reports the variant currently producing frames.
	Type() SourceType
}

// SourceFactory builds the VideoSource for a selection.
type SourceFactory struct {
	Pool          *BridgePool
	Synthetic     TestPatternConfig
	Fallback      bool // Switch to synthetic when NDI cannot be opened
	QueueCapacity int
	LoggerFactory logging.LoggerFactory
}

// Open returns an NDISource for a non-empty selection when a pool is
// configured, and a TestPatternSource otherwise.
func (f *SourceFactory) Open(sel Selection) VideoSource {
	if sel.IsZero() || f.Pool == nil {
		return NewTestPatternSource(f.Synthetic)
	}
	return NewNDISource(NDISourceConfig{
		Pool:          f.Pool,
		Selection:     sel,
		QueueCapacity: f.QueueCapacity,
		Fallback:      f.Fallback,
		Synthetic:     f.Synthetic,
		LoggerFactory: f.LoggerFactory,
	})
}
