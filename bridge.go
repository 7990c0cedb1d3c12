package whep

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

// Bridge defaults.
const (
	DefaultCaptureTimeout   = time.Second
	DefaultStopTimeout      = 2 * time.Second
	DefaultExactAttempts    = 10
	DefaultExactInterval    = 500 * time.Millisecond
	DefaultSubstringTimeout = 2 * time.Second

	captureErrorBackoff = 50 * time.Millisecond
	decodeLogInterval   = 5 * time.Second
)

// Selection names the source a bridge should receive from. Fields are
// tried in priority order: URL, Exact, then Name as a substring query.
type Selection struct {
	Name  string `json:"name,omitempty"`  // Case-insensitive substring query
	Exact string `json:"exact,omitempty"` // Exact source name
	URL   string `json:"url,omitempty"`   // Direct endpoint
}

// IsZero reports whether no source is selected.
func (s Selection) IsZero() bool {
	return s.Name == "" && s.Exact == "" && s.URL == ""
}

// Key identifies the underlying source for bridge sharing.
func (s Selection) Key() string {
	switch {
	case s.URL != "":
		return "url:" + s.URL
	case s.Exact != "":
		return "exact:" + s.Exact
	default:
		return "name:" + strings.ToLower(s.Name)
	}
}

func (s Selection) String() string {
	var parts []string
	if s.Name != "" {
		parts = append(parts, fmt.Sprintf("name=%q", s.Name))
	}
	if s.Exact != "" {
		parts = append(parts, fmt.Sprintf("exact=%q", s.Exact))
	}
	if s.URL != "" {
		parts = append(parts, "url="+s.URL)
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

func (s Selection) query() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Exact != "" {
		return s.Exact
	}
	return s.URL
}

// BridgeConfig configures a CaptureBridge.
type BridgeConfig struct {
	Converter    ConverterConfig
	OutputWidth  int // Resample to this size when both are > 0
	OutputHeight int

	ColorFormat  RecvColorFormat
	ReceiverName string

	CaptureTimeout   time.Duration // Per-capture wait (default 1s)
	StopTimeout      time.Duration // Bounded wait in Stop (default 2s)
	ExactAttempts    int           // Exact-name discovery polls (default 10)
	ExactInterval    time.Duration // Wait per exact-name poll (default 500ms)
	SubstringTimeout time.Duration // Single discovery wait for substring match (default 2s)
	QueueCapacity    int           // Default consumer queue capacity (1..2)

	// Cache, when set, is consulted before polling discovery.
	Cache *SourceDiscoveryCache

	LoggerFactory logging.LoggerFactory
}

func (c *BridgeConfig) applyDefaults() {
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = DefaultCaptureTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.ExactAttempts <= 0 {
		c.ExactAttempts = DefaultExactAttempts
	}
	if c.ExactInterval <= 0 {
		c.ExactInterval = DefaultExactInterval
	}
	if c.SubstringTimeout <= 0 {
		c.SubstringTimeout = DefaultSubstringTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// BridgeStats reports bridge counters.
type BridgeStats struct {
	Source        string `json:"source"`
	URL           string `json:"url,omitempty"`
	Running       bool   `json:"running"`
	Captured      uint64 `json:"captured"`
	Delivered     uint64 `json:"delivered"`
	DecodeErrors  uint64 `json:"decode_errors"`
	CaptureErrors uint64 `json:"capture_errors"`
	Dropped       uint64 `json:"dropped"`
	Subscribers   int    `json:"subscribers"`
}

// CaptureBridge owns one native receiver and runs the blocking capture
// loop on a dedicated goroutine. Frames reach consumers only through
// FrameQueues.
type CaptureBridge struct {
	log    logging.LeveledLogger
	cfg    BridgeConfig
	source SourceDescriptor
	rx     Receiver
	conv   *PixelConverter

	subsMu sync.Mutex
	subs   map[*FrameQueue]struct{}
	queue  *FrameQueue // created by the first Recv

	stopCh    chan struct{}
	done      chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once

	captured      atomic.Uint64
	delivered     atomic.Uint64
	decodeErrors  atomic.Uint64
	captureErrors atomic.Uint64
	dropped       atomic.Uint64

	lastDecodeLog time.Time
}

// NewCaptureBridge selects a source and opens a receiver for it. Selection
// order: direct URL, exact name (cache, then repeated discovery polls),
// then substring match with one longer discovery wait. When nothing
// matches it returns a *SourceNotFoundError listing visible sources.
func NewCaptureBridge(ctx context.Context, rt Runtime, sel Selection, cfg BridgeConfig) (*CaptureBridge, error) {
	if rt == nil {
		return nil, ErrRuntimeUnavailable
	}
	cfg.applyDefaults()
	log := cfg.LoggerFactory.NewLogger("ndi-bridge")

	src, err := selectSource(ctx, rt, sel, cfg, log)
	if err != nil {
		return nil, err
	}

	rx, err := rt.NewReceiver(src, ReceiverOptions{ColorFormat: cfg.ColorFormat, Name: cfg.ReceiverName})
	if err != nil {
		return nil, fmt.Errorf("open receiver for %q: %w", src.Name, err)
	}
	log.Infof("receiver opened for %q url=%s color=%s", src.Name, src.URL, cfg.ColorFormat)

	b := &CaptureBridge{
		log:    log,
		cfg:    cfg,
		source: src,
		rx:     rx,
		conv:   NewPixelConverter(cfg.Converter),
		subs:   make(map[*FrameQueue]struct{}),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	return b, nil
}

func selectSource(ctx context.Context, rt Runtime, sel Selection, cfg BridgeConfig, log logging.LeveledLogger) (SourceDescriptor, error) {
	if sel.URL != "" {
		name := sel.Exact
		if name == "" {
			name = sel.Name
		}
		return SourceDescriptor{Name: name, URL: sel.URL, LastSeen: time.Now()}, nil
	}
	if sel.IsZero() {
		return SourceDescriptor{}, &SourceNotFoundError{Query: ""}
	}

	var (
		finder    Finder
		finderErr error
		seen      []SourceDescriptor
	)
	openFinder := func() Finder {
		if finder == nil && finderErr == nil {
			finder, finderErr = rt.NewFinder()
			if finderErr != nil {
				log.Warnf("discovery unavailable during selection: %v", finderErr)
			}
		}
		return finder
	}
	defer func() {
		if finder != nil {
			finder.Close()
		}
	}()

	if sel.Exact != "" {
		if cfg.Cache != nil {
			if url, ok := cfg.Cache.ResolveExact(sel.Exact); ok {
				return SourceDescriptor{Name: sel.Exact, URL: url, LastSeen: time.Now()}, nil
			}
		}
		if f := openFinder(); f != nil {
			for i := 0; i < cfg.ExactAttempts; i++ {
				if err := ctx.Err(); err != nil {
					return SourceDescriptor{}, err
				}
				f.Wait(cfg.ExactInterval)
				seen = f.Sources()
				for _, s := range seen {
					if s.Name == sel.Exact {
						log.Debugf("exact source %q resolved after %d poll(s)", s.Name, i+1)
						return s, nil
					}
				}
			}
		}
		log.Warnf("exact source %q not resolved after %d polls, trying substring", sel.Exact, cfg.ExactAttempts)
	}

	query := sel.query()
	if cfg.Cache != nil {
		if s, ok := cfg.Cache.ResolveSubstring(query); ok {
			return s, nil
		}
	}
	if f := openFinder(); f != nil {
		seen = pollSources(ctx, f, cfg.SubstringTimeout)
		if s, ok := matchSubstring(seen, query); ok {
			return s, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return SourceDescriptor{}, err
	}

	available := sourceNames(seen)
	if len(available) == 0 && cfg.Cache != nil {
		available = cfg.Cache.Names()
	}
	return SourceDescriptor{}, &SourceNotFoundError{Query: query, Available: available}
}

// Source returns the descriptor the receiver was opened for.
func (b *CaptureBridge) Source() SourceDescriptor { return b.source }

// Start spawns the capture goroutine. Subsequent calls are no-ops.
func (b *CaptureBridge) Start() {
	b.startOnce.Do(func() {
		select {
		case <-b.stopCh:
			return
		default:
		}
		b.started.Store(true)
		go b.loop()
	})
}

func (b *CaptureBridge) loop() {
	defer close(b.done)
	// Native receivers are thread-affine.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	b.log.Debugf("capture loop started for %q", b.source.Name)
	defer b.log.Debugf("capture loop exited for %q", b.source.Name)

	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		raw, ok, err := b.rx.Capture(b.cfg.CaptureTimeout)
		if err != nil {
			if n := b.captureErrors.Add(1); n == 1 || n%100 == 0 {
				b.log.Warnf("capture error on %q (%d total): %v", b.source.Name, n, err)
			}
			select {
			case <-b.stopCh:
				return
			case <-time.After(captureErrorBackoff):
			}
			continue
		}
		if !ok {
			continue
		}
		b.captured.Add(1)

		frame, err := b.process(raw)
		if err != nil {
			b.decodeErrors.Add(1)
			b.logDecodeError(err)
			continue
		}
		b.deliver(frame)
	}
}

// process converts a raw capture and applies the optional resample.
func (b *CaptureBridge) process(raw RawFrame) (*VideoFrame, error) {
	frame, err := b.conv.Convert(raw)
	if err != nil {
		return nil, err
	}
	if b.cfg.OutputWidth > 0 && b.cfg.OutputHeight > 0 {
		frame = ScaleFrame(frame, b.cfg.OutputWidth, b.cfg.OutputHeight)
	}
	return frame, nil
}

func (b *CaptureBridge) logDecodeError(err error) {
	now := time.Now()
	if now.Sub(b.lastDecodeLog) < decodeLogInterval {
		return
	}
	b.lastDecodeLog = now
	b.log.Warnf("skipping frame from %q (%d decode errors): %v", b.source.Name, b.decodeErrors.Load(), err)
}

func (b *CaptureBridge) deliver(f *VideoFrame) {
	b.subsMu.Lock()
	for q := range b.subs {
		if q.Push(f) {
			b.dropped.Add(1)
		}
	}
	b.subsMu.Unlock()
	b.delivered.Add(1)
}

// Recv waits for the next frame on the bridge's own queue. The queue is
// registered on the first call, so frames captured before then are only
// delivered to Subscribe queues.
func (b *CaptureBridge) Recv(ctx context.Context) (*VideoFrame, error) {
	return b.ownQueue().Recv(ctx)
}

func (b *CaptureBridge) ownQueue() *FrameQueue {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	if b.queue == nil {
		b.queue = NewFrameQueue(b.cfg.QueueCapacity)
		select {
		case <-b.stopCh:
			b.queue.Close()
		default:
			b.subs[b.queue] = struct{}{}
		}
	}
	return b.queue
}

// Subscribe registers an additional consumer queue.
func (b *CaptureBridge) Subscribe(capacity int) *FrameQueue {
	q := NewFrameQueue(capacity)
	b.subsMu.Lock()
	select {
	case <-b.stopCh:
		q.Close()
	default:
		b.subs[q] = struct{}{}
	}
	b.subsMu.Unlock()
	return q
}

// Unsubscribe removes and closes a queue returned by Subscribe.
func (b *CaptureBridge) Unsubscribe(q *FrameQueue) {
	b.subsMu.Lock()
	delete(b.subs, q)
	b.subsMu.Unlock()
	q.Close()
}

// Subscribers returns the number of registered queues, excluding the
// bridge's own.
func (b *CaptureBridge) Subscribers() int {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	n := len(b.subs)
	if _, ok := b.subs[b.queue]; ok {
		n--
	}
	return n
}

// Stop asks the capture goroutine to exit, waits up to StopTimeout, then
// releases the receiver. If the goroutine is still inside a native capture
// when the wait expires the receiver is released anyway: a stuck native
// call must not hang shutdown. Stop is idempotent.
func (b *CaptureBridge) Stop() {
	b.stopOnce.Do(func() {
		b.subsMu.Lock()
		close(b.stopCh)
		b.subsMu.Unlock()

		if b.started.Load() {
			t := time.NewTimer(b.cfg.StopTimeout)
			select {
			case <-b.done:
			case <-t.C:
				b.log.Warnf("capture goroutine for %q still running after %s, releasing receiver anyway",
					b.source.Name, b.cfg.StopTimeout)
			}
			t.Stop()
		}

		if err := b.rx.Close(); err != nil {
			b.log.Warnf("receiver close for %q: %v", b.source.Name, err)
		}

		b.subsMu.Lock()
		for q := range b.subs {
			q.Close()
		}
		b.subsMu.Unlock()
		b.log.Infof("bridge for %q stopped", b.source.Name)
	})
}

// Stats returns a snapshot of bridge counters.
func (b *CaptureBridge) Stats() BridgeStats {
	running := b.started.Load()
	select {
	case <-b.stopCh:
		running = false
	default:
	}
	return BridgeStats{
		Source:        b.source.Name,
		URL:           b.source.URL,
		Running:       running,
		Captured:      b.captured.Load(),
		Delivered:     b.delivered.Load(),
		DecodeErrors:  b.decodeErrors.Load(),
		CaptureErrors: b.captureErrors.Load(),
		Dropped:       b.dropped.Load(),
		Subscribers:   b.Subscribers(),
	}
}
