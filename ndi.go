package whep

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NDI errors.
var (
	ErrRuntimeUnavailable   = errors.New("ndi runtime unavailable")
	ErrDiscoveryUnavailable = errors.New("ndi discovery unavailable")
	ErrSourceNotFound       = errors.New("ndi source not found")
	ErrReceiverClosed       = errors.New("ndi receiver closed")
)

// SourceNotFoundError is returned when no source matches a selection. It
// carries the names that were visible at the time.
type SourceNotFoundError struct {
	Query     string
	Available []string
}

func (e *SourceNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("ndi source %q not found (no sources visible)", e.Query)
	}
	return fmt.Sprintf("ndi source %q not found (available: %s)", e.Query, strings.Join(e.Available, ", "))
}

func (e *SourceNotFoundError) Is(target error) bool {
	return target == ErrSourceNotFound
}

// SourceDescriptor identifies a discovered source.
type SourceDescriptor struct {
	Name     string    // Unique source name, e.g. "HOST (Camera 1)"
	URL      string    // Connection endpoint (ip:port); may be empty
	LastSeen time.Time // When discovery last reported the source
}

// RecvColorFormat selects the pixel layout the native receiver delivers.
type RecvColorFormat int32

const (
	RecvColorFastest  RecvColorFormat = 0
	RecvColorUYVYBGRA RecvColorFormat = 1 // UYVY, BGRA when alpha is present
	RecvColorBGRXBGRA RecvColorFormat = 2
	RecvColorRGBXRGBA RecvColorFormat = 3
	RecvColorBest     RecvColorFormat = 4
)

func (c RecvColorFormat) String() string {
	switch c {
	case RecvColorFastest:
		return "FASTEST"
	case RecvColorUYVYBGRA:
		return "UYVY"
	case RecvColorBGRXBGRA:
		return "BGRX/BGRA"
	case RecvColorRGBXRGBA:
		return "RGBX/RGBA"
	case RecvColorBest:
		return "BEST"
	default:
		return fmt.Sprintf("RecvColorFormat(%d)", int32(c))
	}
}

// ParseRecvColorFormat parses the NDI_RECV_COLOR aliases. An empty string
// selects UYVY.
func ParseRecvColorFormat(s string) (RecvColorFormat, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "UYVY", "UYVY_BGRA":
		return RecvColorUYVYBGRA, nil
	case "FAST", "FASTEST":
		return RecvColorFastest, nil
	case "BEST":
		return RecvColorBest, nil
	case "BGRA", "BGRX", "BGRX_BGRA":
		return RecvColorBGRXBGRA, nil
	case "RGBA", "RGBX", "RGBX_RGBA":
		return RecvColorRGBXRGBA, nil
	default:
		return 0, fmt.Errorf("unknown receive color format %q", s)
	}
}

// ReceiverOptions configures a native receiver.
type ReceiverOptions struct {
	ColorFormat RecvColorFormat
	Name        string // Receiver name shown to senders
}

// Finder is a persistent discovery handle.
type Finder interface {
	// Wait blocks up to timeout for the source list to change and reports
	// whether it did.
	Wait(timeout time.Duration) bool

	// Sources returns the currently known sources.
	Sources() []SourceDescriptor

	Close() error
}

// Receiver is a native video receiver. Capture must only be called from
// one goroutine.
type Receiver interface {
	// Capture blocks up to timeout for a video frame. ok is false when no
	// video frame arrived in time.
	Capture(timeout time.Duration) (frame RawFrame, ok bool, err error)

	Close() error
}

// Runtime creates finders and receivers. The NDI SDK binding implements
// it; tests substitute fakes.
type Runtime interface {
	NewFinder() (Finder, error)
	NewReceiver(src SourceDescriptor, opts ReceiverOptions) (Receiver, error)
}

func sourceNames(srcs []SourceDescriptor) []string {
	names := make([]string, 0, len(srcs))
	for _, s := range srcs {
		names = append(names, s.Name)
	}
	return names
}
