package whep

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

const (
	// MinDiscoveryInterval is the refresh interval floor.
	MinDiscoveryInterval = 100 * time.Millisecond
	// DefaultDiscoveryInterval is used when no interval is configured.
	DefaultDiscoveryInterval = time.Second

	maxDiscoveryWait   = 1500 * time.Millisecond
	discoveryPollSlice = 500 * time.Millisecond
)

// FinderOpener opens a persistent discovery handle.
type FinderOpener func() (Finder, error)

// discoverySnapshot is published as a whole; its fields are never mutated
// after publication.
type discoverySnapshot struct {
	sources []SourceDescriptor
	urls    map[string]string
	updated time.Time
}

var emptySnapshot = &discoverySnapshot{urls: map[string]string{}}

// SourceDetail is a name and connection endpoint pair.
type SourceDetail struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SourceDiscoveryCache keeps a periodically refreshed list of visible
// sources. Readers never block on discovery and always see a source list
// and endpoint map taken from the same refresh.
type SourceDiscoveryCache struct {
	log      logging.LeveledLogger
	open     FinderOpener
	interval time.Duration

	snap        atomic.Pointer[discoverySnapshot]
	unavailable atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSourceDiscoveryCache creates a stopped cache. Intervals below
// MinDiscoveryInterval are raised to it; zero selects the default.
func NewSourceDiscoveryCache(open FinderOpener, interval time.Duration, loggerFactory logging.LoggerFactory) *SourceDiscoveryCache {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	if interval == 0 {
		interval = DefaultDiscoveryInterval
	}
	c := &SourceDiscoveryCache{
		log:      loggerFactory.NewLogger("ndi-discovery"),
		open:     open,
		interval: max(interval, MinDiscoveryInterval),
	}
	c.snap.Store(emptySnapshot)
	return c
}

// Interval returns the effective refresh interval.
func (c *SourceDiscoveryCache) Interval() time.Duration { return c.interval }

// Start begins background refresh. Calling Start on a running cache is a
// no-op.
func (c *SourceDiscoveryCache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Stop halts refresh and releases the finder. The last snapshot remains
// readable.
func (c *SourceDiscoveryCache) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *SourceDiscoveryCache) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if c.open == nil {
		c.markUnavailable(ErrDiscoveryUnavailable)
		return
	}
	finder, err := c.open()
	if err != nil {
		c.markUnavailable(err)
		return
	}
	defer finder.Close()
	c.log.Infof("discovery started (refresh=%s)", c.interval)

	wait := min(c.interval, maxDiscoveryWait)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	prev := -1
	for {
		n := c.refresh(finder, wait)
		if n != prev {
			c.log.Debugf("%d source(s) cached", n)
			prev = n
		}
		select {
		case <-ctx.Done():
			c.log.Info("discovery stopped")
			return
		case <-ticker.C:
		}
	}
}

func (c *SourceDiscoveryCache) markUnavailable(err error) {
	if c.unavailable.CompareAndSwap(false, true) {
		c.log.Warnf("discovery unavailable, source list stays empty: %v", err)
	}
}

// refresh polls the finder once and publishes a new snapshot. Panics from
// the finder are treated as a failed cycle.
func (c *SourceDiscoveryCache) refresh(f Finder, wait time.Duration) (n int) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Debugf("discovery cycle failed: %v", r)
			n = len(c.snap.Load().sources)
		}
	}()
	f.Wait(wait)
	c.publish(f.Sources())
	return len(c.snap.Load().sources)
}

func (c *SourceDiscoveryCache) publish(srcs []SourceDescriptor) {
	snap := &discoverySnapshot{
		sources: make([]SourceDescriptor, 0, len(srcs)),
		urls:    make(map[string]string, len(srcs)),
		updated: time.Now(),
	}
	for _, s := range srcs {
		if s.Name == "" {
			continue
		}
		if _, dup := snap.urls[s.Name]; dup {
			continue
		}
		snap.sources = append(snap.sources, s)
		snap.urls[s.Name] = s.URL
	}
	c.snap.Store(snap)
}

// Unavailable reports whether discovery could not be initialized.
func (c *SourceDiscoveryCache) Unavailable() bool { return c.unavailable.Load() }

// Updated returns the time of the last refresh, or zero.
func (c *SourceDiscoveryCache) Updated() time.Time { return c.snap.Load().updated }

// Names returns the cached source names in discovery order.
func (c *SourceDiscoveryCache) Names() []string {
	return sourceNames(c.snap.Load().sources)
}

// Sources returns a copy of the cached descriptors.
func (c *SourceDiscoveryCache) Sources() []SourceDescriptor {
	s := c.snap.Load().sources
	out := make([]SourceDescriptor, len(s))
	copy(out, s)
	return out
}

// Details returns name and endpoint pairs from one snapshot.
func (c *SourceDiscoveryCache) Details() []SourceDetail {
	snap := c.snap.Load()
	out := make([]SourceDetail, 0, len(snap.sources))
	for _, s := range snap.sources {
		out = append(out, SourceDetail{Name: s.Name, URL: snap.urls[s.Name]})
	}
	return out
}

// ResolveExact returns the endpoint of the source named exactly name.
func (c *SourceDiscoveryCache) ResolveExact(name string) (string, bool) {
	url, ok := c.snap.Load().urls[name]
	return url, ok
}

// ResolveSubstring returns the first cached source whose name contains
// query, ignoring case.
func (c *SourceDiscoveryCache) ResolveSubstring(query string) (SourceDescriptor, bool) {
	return matchSubstring(c.snap.Load().sources, query)
}

// Discover runs a one-shot discovery with its own finder, bounded by
// timeout. It is used when the cache is empty.
func (c *SourceDiscoveryCache) Discover(ctx context.Context, timeout time.Duration) ([]SourceDescriptor, error) {
	if c.open == nil {
		return nil, ErrDiscoveryUnavailable
	}
	f, err := c.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return pollSources(ctx, f, timeout), nil
}

// pollSources waits on f in short slices until timeout, returning early once
// sources are visible and the list stopped changing.
func pollSources(ctx context.Context, f Finder, timeout time.Duration) []SourceDescriptor {
	deadline := time.Now().Add(timeout)
	var srcs []SourceDescriptor
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return f.Sources()
		}
		changed := f.Wait(min(remaining, discoveryPollSlice))
		srcs = f.Sources()
		if len(srcs) > 0 && !changed {
			return srcs
		}
	}
}

func matchSubstring(srcs []SourceDescriptor, query string) (SourceDescriptor, bool) {
	q := strings.ToLower(query)
	for _, s := range srcs {
		if strings.Contains(strings.ToLower(s.Name), q) {
			return s, true
		}
	}
	return SourceDescriptor{}, false
}
