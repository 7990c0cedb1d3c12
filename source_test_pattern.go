package whep

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternGradient  PatternType = iota // Moving RGB gradient
	PatternColorBars                    // SMPTE color bars
	PatternMovingBox                    // Box circling the frame center
)

func (p PatternType) String() string {
	switch p {
	case PatternGradient:
		return "gradient"
	case PatternColorBars:
		return "bars"
	case PatternMovingBox:
		return "box"
	default:
		return "unknown"
	}
}

// ParsePatternType parses a pattern name. Empty selects the gradient.
func ParsePatternType(s string) (PatternType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gradient":
		return PatternGradient, nil
	case "bars", "colorbars":
		return PatternColorBars, nil
	case "box", "movingbox":
		return PatternMovingBox, nil
	}
	return PatternGradient, fmt.Errorf("unknown pattern %q", s)
}

// TestPatternConfig configures a test pattern source.
type TestPatternConfig struct {
	Width   int         // Frame width (default: 1280)
	Height  int         // Frame height (default: 720)
	FPS     int         // Frames per second (default: 30)
	Pattern PatternType // Pattern type (default: Gradient)
}

// DefaultTestPatternConfig returns a default test pattern configuration.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{
		Width:   1280,
		Height:  720,
		FPS:     30,
		Pattern: PatternGradient,
	}
}

// maxPatternLag resets the pacing clock when the reader falls further
// behind than this.
const maxPatternLag = time.Second

// sinSteps is the resolution of the blue channel lookup table.
const sinSteps = 1024

// TestPatternSource generates synthetic I420 frames. Pacing is pull-based:
// ReadFrame sleeps until the next frame is due, so no goroutine runs in the
// background.
type TestPatternSource struct {
	config        TestPatternConfig
	frameDuration time.Duration

	mu      sync.Mutex
	running bool
	closed  bool
	start   time.Time
	seq     uint64
	rgb     []byte // RGB24 scratch, reused across frames
	sinLUT  [sinSteps]uint8
}

// NewTestPatternSource creates a new test pattern video source.
func NewTestPatternSource(config TestPatternConfig) *TestPatternSource {
	def := DefaultTestPatternConfig()
	if config.Width <= 0 {
		config.Width = def.Width
	}
	if config.Height <= 0 {
		config.Height = def.Height
	}
	if config.FPS <= 0 {
		config.FPS = def.FPS
	}
	s := &TestPatternSource{
		config:        config,
		frameDuration: time.Second / time.Duration(config.FPS),
		rgb:           make([]byte, config.Width*config.Height*3),
	}
	for i := range s.sinLUT {
		v := 0.5 + 0.5*math.Sin(2*math.Pi*float64(i)/sinSteps)
		s.sinLUT[i] = uint8(v*255 + 0.5)
	}
	return s
}

// Start resets the pacing clock.
func (s *TestPatternSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSourceClosed
	}
	if s.running {
		return fmt.Errorf("source already running")
	}
	s.startLocked()
	return nil
}

func (s *TestPatternSource) startLocked() {
	s.running = true
	s.start = time.Now()
	s.seq = 0
}

// Stop halts generation. A later ReadFrame or Start restarts the clock.
func (s *TestPatternSource) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Close closes the source.
func (s *TestPatternSource) Close() error {
	s.mu.Lock()
	s.running = false
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ReadFrame waits until the next frame is due and returns it. The source
// starts lazily on the first call.
func (s *TestPatternSource) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSourceClosed
	}
	if !s.running {
		s.startLocked()
	}
	due := s.start.Add(time.Duration(s.seq) * s.frameDuration)
	if lag := time.Since(due); lag > maxPatternLag {
		s.start = time.Now().Add(-time.Duration(s.seq) * s.frameDuration)
		due = time.Now()
	}
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	if wait := time.Until(due); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return s.Frame(seq), nil
}

// Frame renders frame number seq without pacing.
func (s *TestPatternSource) Frame(seq uint64) *VideoFrame {
	w, h := s.config.Width, s.config.Height
	t := float64(seq) / float64(s.config.FPS)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.config.Pattern {
	case PatternColorBars:
		s.renderColorBars()
	case PatternMovingBox:
		s.renderMovingBox(seq)
	default:
		s.renderGradient(t)
	}

	frame := NewVideoFrame(PixelFormatI420, w, h)
	packedToI420(plane{data: s.rgb, stride: w * 3}, w, h, layoutRGB, frame)
	frame.Timestamp = int64(seq) * s.frameDuration.Nanoseconds()
	frame.Duration = s.frameDuration.Nanoseconds()
	return frame
}

// renderGradient draws red along x, green along y and blue as a sine of
// x+y, all shifted by a phase advancing a quarter cycle per second.
func (s *TestPatternSource) renderGradient(t float64) {
	w, h := s.config.Width, s.config.Height
	phase := math.Mod(t*0.25, 1)
	xn := make([]float64, w)
	rx := make([]uint8, w)
	for x := range xn {
		xn[x] = norm(x, w)
		rx[x] = unitByte(frac(xn[x] + phase))
	}

	parallelRows(h, w*h, func(lo, hi int) {
		for y := lo; y < hi; y++ {
			yn := norm(y, h)
			g := unitByte(frac(yn + phase))
			base := yn + phase
			row := s.rgb[y*w*3 : (y+1)*w*3]
			for x := 0; x < w; x++ {
				p := row[x*3 : x*3+3 : x*3+3]
				p[0] = rx[x]
				p[1] = g
				p[2] = s.sinLUT[int(frac(xn[x]+base)*sinSteps)%sinSteps]
			}
		}
	})
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [8][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (s *TestPatternSource) renderColorBars() {
	w, h := s.config.Width, s.config.Height
	row := s.rgb[:w*3]
	for x := 0; x < w; x++ {
		bar := min(x*8/w, 7)
		copy(row[x*3:x*3+3], colorBarsRGB[bar][:])
	}
	for y := 1; y < h; y++ {
		copy(s.rgb[y*w*3:(y+1)*w*3], row)
	}
}

func (s *TestPatternSource) renderMovingBox(seq uint64) {
	w, h := s.config.Width, s.config.Height
	for i := range s.rgb {
		s.rgb[i] = 16
	}

	boxSize := max(min(w, h)/7, 2)
	radius := float64(min(w, h)) / 4
	angle := float64(seq) * 0.05 // Radians per frame
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	x0, x1 := max(boxX, 0), min(boxX+boxSize, w)
	for y := max(boxY, 0); y < min(boxY+boxSize, h); y++ {
		row := s.rgb[y*w*3 : (y+1)*w*3]
		for x := x0; x < x1; x++ {
			row[x*3], row[x*3+1], row[x*3+2] = 235, 235, 235
		}
	}
}

// Config returns the source configuration.
func (s *TestPatternSource) Config() SourceConfig {
	return SourceConfig{
		Width:      s.config.Width,
		Height:     s.config.Height,
		FPS:        s.config.FPS,
		Format:     PixelFormatI420,
		SourceType: SourceTypeTestPattern,
	}
}

// Type returns SourceTypeTestPattern.
func (s *TestPatternSource) Type() SourceType { return SourceTypeTestPattern }

func norm(i, n int) float64 {
	if n <= 1 {
		return 0
	}
	return float64(i) / float64(n-1)
}

func frac(v float64) float64 { return v - math.Floor(v) }

func unitByte(v float64) uint8 { return uint8(v*255 + 0.5) }
