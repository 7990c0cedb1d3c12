package whep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

// PipelineState represents the state of a media pipeline.
type PipelineState int

const (
	PipelineStateIdle    PipelineState = iota // Not started
	PipelineStateRunning                      // Processing media
	PipelineStateStopped                      // Stopped
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateIdle:
		return "idle"
	case PipelineStateRunning:
		return "running"
	case PipelineStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FrameWriter receives encoded frames. *LocalTrack implements it.
type FrameWriter interface {
	WriteFrame(data []byte, duration time.Duration) error
}

const (
	defaultFrameDuration = time.Second / 30
	sourceErrorBackoff   = 10 * time.Millisecond
	// fpsSlack lets frames arriving slightly early through the fps limit.
	fpsSlack = 2 * time.Millisecond
)

// VideoPipelineStats provides pipeline statistics.
type VideoPipelineStats struct {
	FramesCaptured uint64
	FramesEncoded  uint64
	FramesDropped  uint64 // Skipped by the fps limit or failed to encode
	KeyframesSent  uint64
	BytesSent      uint64
	EncodeTimeUs   uint64
	Errors         uint64
	Width, Height  int // Current encode size
}

// VideoPipelineConfig configures a video encode pipeline.
type VideoPipelineConfig struct {
	Source   VideoSource    // Raw frame source
	Writer   FrameWriter    // Output, usually the session's LocalTrack
	Codec    VideoCodec     // Codec negotiated for Writer
	Encoders EncoderFactory // Encoder constructor (default RegisteredEncoders)

	BitrateBps  int     // Target bitrate (0 = encoder default)
	MaxFPS      int     // Frames arriving faster than this are skipped (0 = no limit)
	ScaleDownBy float64 // Divide the source resolution by this factor (<= 1 = none)

	OnError       func(error) // Error callback
	LoggerFactory logging.LoggerFactory
}

// VideoEncodePipeline handles: VideoSource -> I420 -> scale -> Encoder -> FrameWriter.
// The encoder is created lazily from the first frame and recreated when the
// source resolution changes.
type VideoEncodePipeline struct {
	cfg VideoPipelineConfig
	log logging.LeveledLogger

	encoder VideoEncoder

	mu     sync.Mutex // guards lifecycle transitions
	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats   VideoPipelineStats
	statsMu sync.Mutex

	keyframeRequested atomic.Bool
	lastSent          time.Time
	lastTimestamp     int64
}

// NewVideoEncodePipeline creates a new video encoding pipeline.
func NewVideoEncodePipeline(config VideoPipelineConfig) (*VideoEncodePipeline, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if config.Writer == nil {
		return nil, fmt.Errorf("writer is required")
	}
	if config.Encoders == nil {
		config.Encoders = RegisteredEncoders{}
	}
	if !config.Encoders.Supports(config.Codec) {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, config.Codec)
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	p := &VideoEncodePipeline{
		cfg: config,
		log: config.LoggerFactory.NewLogger("whep-pump"),
	}
	p.state.Store(int32(PipelineStateIdle))
	return p, nil
}

// Start starts the source and the encode loop. Stop may run concurrently
// and cancels a source that is still starting.
func (p *VideoEncodePipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if st := p.State(); st != PipelineStateIdle {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already %s", st)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.state.Store(int32(PipelineStateRunning))
	p.wg.Add(1)
	p.mu.Unlock()

	if err := p.cfg.Source.Start(loopCtx); err != nil {
		p.wg.Done()
		p.Stop()
		return fmt.Errorf("failed to start source: %w", err)
	}
	go p.processLoop(loopCtx)
	return nil
}

// Stop stops the loop and waits for it to exit. The source is left to its
// owner.
func (p *VideoEncodePipeline) Stop() error {
	p.mu.Lock()
	prev := p.State()
	p.state.Store(int32(PipelineStateStopped))
	cancel := p.cancel
	p.mu.Unlock()

	if prev != PipelineStateRunning {
		return nil
	}
	cancel()
	p.wg.Wait()
	return nil
}

// Close stops the pipeline and releases the encoder.
func (p *VideoEncodePipeline) Close() error {
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.encoder != nil {
		err := p.encoder.Close()
		p.encoder = nil
		return err
	}
	return nil
}

// RequestKeyframe requests a keyframe from the encoder.
func (p *VideoEncodePipeline) RequestKeyframe() {
	p.keyframeRequested.Store(true)
}

// State returns the current pipeline state.
func (p *VideoEncodePipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

// Stats returns pipeline statistics.
func (p *VideoEncodePipeline) Stats() VideoPipelineStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *VideoEncodePipeline) processLoop(ctx context.Context) {
	defer p.wg.Done()

	var minInterval time.Duration
	if p.cfg.MaxFPS > 0 {
		minInterval = time.Second / time.Duration(p.cfg.MaxFPS)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := p.cfg.Source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return
			}
			p.handleError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(sourceErrorBackoff):
			}
			continue
		}
		if frame == nil {
			continue
		}
		p.count(func(s *VideoPipelineStats) { s.FramesCaptured++ })

		if minInterval > 0 && !p.lastSent.IsZero() && time.Since(p.lastSent) < minInterval-fpsSlack {
			p.count(func(s *VideoPipelineStats) { s.FramesDropped++ })
			continue
		}

		done, err := p.encodeAndWrite(frame)
		if err != nil {
			p.handleError(err)
		}
		if done {
			return
		}
	}
}

// encodeAndWrite pushes one frame through the encoder. done reports that
// the loop must exit.
func (p *VideoEncodePipeline) encodeAndWrite(frame *VideoFrame) (done bool, err error) {
	if frame.Format != PixelFormatI420 {
		if frame, err = ConvertFrame(frame, PixelFormatI420); err != nil {
			return false, err
		}
	}
	if p.cfg.ScaleDownBy > 1 {
		w, h := ScaledSize(frame.Width, frame.Height, p.cfg.ScaleDownBy)
		frame = ScaleFrame(frame, w, h)
	}

	if err := p.ensureEncoder(frame.Width, frame.Height); err != nil {
		if errors.Is(err, ErrCodecNotSupported) {
			p.log.Errorf("no %s encoder, pump stops sending: %v", p.cfg.Codec, err)
			return true, nil
		}
		return false, err
	}

	if p.keyframeRequested.Swap(false) {
		p.encoder.RequestKeyframe()
	}

	encodeStart := time.Now()
	encoded, err := p.encoder.Encode(frame)
	encodeTime := time.Since(encodeStart)
	if err != nil {
		p.count(func(s *VideoPipelineStats) { s.FramesDropped++ })
		return false, err
	}
	if encoded == nil || len(encoded.Data) == 0 {
		return false, nil // Encoder buffering
	}

	if err := p.cfg.Writer.WriteFrame(encoded.Data, p.frameDuration(frame)); err != nil {
		if errors.Is(err, ErrTrackClosed) {
			return true, nil
		}
		return false, err
	}
	p.lastSent = time.Now()

	p.count(func(s *VideoPipelineStats) {
		s.FramesEncoded++
		s.BytesSent += uint64(len(encoded.Data))
		s.EncodeTimeUs += uint64(encodeTime.Microseconds())
		if encoded.IsKeyframe() {
			s.KeyframesSent++
		}
	})
	return false, nil
}

// ensureEncoder creates the encoder on the first frame and recreates it
// when the frame size changes.
func (p *VideoEncodePipeline) ensureEncoder(width, height int) error {
	if p.encoder != nil {
		c := p.encoder.Config()
		if c.Width == width && c.Height == height {
			return nil
		}
		p.log.Infof("source resolution %dx%d -> %dx%d, recreating %s encoder",
			c.Width, c.Height, width, height, p.cfg.Codec)
		p.encoder.Close()
		p.encoder = nil
	}

	cfg := DefaultVideoEncoderConfig(p.cfg.Codec, width, height)
	if p.cfg.BitrateBps > 0 {
		cfg.BitrateBps = p.cfg.BitrateBps
	}
	if fps := p.cfg.Source.Config().FPS; fps > 0 {
		cfg.FPS = fps
	}
	if p.cfg.MaxFPS > 0 && (cfg.FPS == 0 || cfg.FPS > p.cfg.MaxFPS) {
		cfg.FPS = p.cfg.MaxFPS
	}

	enc, err := p.cfg.Encoders.NewEncoder(cfg)
	if err != nil {
		return err
	}
	p.encoder = enc
	p.count(func(s *VideoPipelineStats) { s.Width, s.Height = width, height })
	p.log.Debugf("%s encoder %dx%d@%d %dbps", p.cfg.Codec, width, height, cfg.FPS, cfg.BitrateBps)
	return nil
}

// frameDuration returns the RTP timestamp advance for frame.
func (p *VideoEncodePipeline) frameDuration(frame *VideoFrame) time.Duration {
	defer func() { p.lastTimestamp = frame.Timestamp }()
	if frame.Duration > 0 {
		return time.Duration(frame.Duration)
	}
	if p.lastTimestamp > 0 && frame.Timestamp > p.lastTimestamp {
		if d := time.Duration(frame.Timestamp - p.lastTimestamp); d < time.Second {
			return d
		}
	}
	return defaultFrameDuration
}

func (p *VideoEncodePipeline) count(fn func(*VideoPipelineStats)) {
	p.statsMu.Lock()
	fn(&p.stats)
	p.statsMu.Unlock()
}

func (p *VideoEncodePipeline) handleError(err error) {
	p.count(func(s *VideoPipelineStats) { s.Errors++ })
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
		return
	}
	p.log.Warnf("pump: %v", err)
}
