package whep

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/logging"
)

// NDISourceConfig configures an NDISource.
type NDISourceConfig struct {
	Pool          *BridgePool
	Selection     Selection
	QueueCapacity int

	// Fallback switches to a TestPatternSource when the runtime is missing
	// or the selection matches nothing.
	Fallback  bool
	Synthetic TestPatternConfig

	LoggerFactory logging.LoggerFactory
}

// NDISource reads frames from a shared capture bridge. The subscription
// is opened lazily on the first Start or ReadFrame.
type NDISource struct {
	cfg NDISourceConfig
	log logging.LeveledLogger

	mu       sync.Mutex
	sub      *BridgeSubscription
	fallback *TestPatternSource
	closed   bool
	last     *VideoFrame
}

// NewNDISource creates an unopened NDI source.
func NewNDISource(cfg NDISourceConfig) *NDISource {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &NDISource{cfg: cfg, log: cfg.LoggerFactory.NewLogger("ndi-source")}
}

// Start opens the bridge subscription, or the synthetic fallback.
func (s *NDISource) Start(ctx context.Context) error {
	_, _, err := s.open(ctx)
	return err
}

func (s *NDISource) open(ctx context.Context) (*BridgeSubscription, *TestPatternSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrSourceClosed
	}
	if s.sub != nil || s.fallback != nil {
		return s.sub, s.fallback, nil
	}

	sub, err := s.cfg.Pool.Acquire(ctx, s.cfg.Selection, s.cfg.QueueCapacity)
	if err == nil {
		s.sub = sub
		s.log.Infof("reading from %q", sub.Source().Name)
		return sub, nil, nil
	}
	if !s.cfg.Fallback || !(errors.Is(err, ErrSourceNotFound) || errors.Is(err, ErrRuntimeUnavailable)) {
		return nil, nil, err
	}

	s.log.Warnf("NDI source %s unavailable, using synthetic video: %v", s.cfg.Selection, err)
	s.fallback = NewTestPatternSource(s.cfg.Synthetic)
	if err := s.fallback.Start(ctx); err != nil {
		return nil, nil, err
	}
	return nil, s.fallback, nil
}

// ReadFrame blocks until the bridge delivers a frame.
func (s *NDISource) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	sub, fb, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	if fb != nil {
		return fb.ReadFrame(ctx)
	}
	f, err := sub.Recv(ctx)
	if errors.Is(err, ErrQueueClosed) {
		return nil, ErrSourceClosed
	}
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.last = f
	s.mu.Unlock()
	return f, nil
}

// Stop releases the bridge subscription. A later Start reopens it.
func (s *NDISource) Stop() error {
	s.mu.Lock()
	sub, fb := s.sub, s.fallback
	s.sub, s.fallback = nil, nil
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	if fb != nil {
		fb.Close()
	}
	return nil
}

// Close stops the source permanently.
func (s *NDISource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

// Config reports the dimensions of the last frame received.
func (s *NDISource) Config() SourceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		return s.fallback.Config()
	}
	cfg := SourceConfig{Format: PixelFormatI420, SourceType: SourceTypeNDI}
	if s.last != nil {
		cfg.Width, cfg.Height, cfg.Format = s.last.Width, s.last.Height, s.last.Format
	}
	return cfg
}

// Type reports SourceTypeTestPattern once the source has fallen back.
func (s *NDISource) Type() SourceType {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		return SourceTypeTestPattern
	}
	return SourceTypeNDI
}

// Selection returns the selection this source was built for.
func (s *NDISource) Selection() Selection { return s.cfg.Selection }
