package whep

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/pion/logging"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("bridge pool closed")

// BridgeOpener opens a capture bridge for a selection. The default opener
// is NewCaptureBridge bound to a runtime and config.
type BridgeOpener func(ctx context.Context, sel Selection) (*CaptureBridge, error)

type poolEntry struct {
	key    string
	bridge *CaptureBridge
	err    error
	ready  chan struct{}
	refs   int
}

// BridgePool shares one CaptureBridge per source between sessions. Each
// session receives its own queue, and the bridge stops when the last
// subscriber leaves.
type BridgePool struct {
	log  logging.LeveledLogger
	open BridgeOpener

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

// NewBridgePool creates a pool that opens bridges with open.
func NewBridgePool(open BridgeOpener, loggerFactory logging.LoggerFactory) *BridgePool {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &BridgePool{
		log:     loggerFactory.NewLogger("ndi-pool"),
		open:    open,
		entries: make(map[string]*poolEntry),
	}
}

// RuntimeOpener returns a BridgeOpener that opens bridges on rt with cfg.
func RuntimeOpener(rt Runtime, cfg BridgeConfig) BridgeOpener {
	return func(ctx context.Context, sel Selection) (*CaptureBridge, error) {
		return NewCaptureBridge(ctx, rt, sel, cfg)
	}
}

// BridgeSubscription is one consumer's view of a shared bridge.
type BridgeSubscription struct {
	pool   *BridgePool
	entry  *poolEntry
	queue  *FrameQueue
	once   sync.Once
	source SourceDescriptor
}

// Recv waits for the next frame delivered to this subscription.
func (s *BridgeSubscription) Recv(ctx context.Context) (*VideoFrame, error) {
	return s.queue.Recv(ctx)
}

// Source returns the source the bridge is receiving from.
func (s *BridgeSubscription) Source() SourceDescriptor { return s.source }

// Dropped returns frames evicted from this subscription's queue.
func (s *BridgeSubscription) Dropped() uint64 { return s.queue.Dropped() }

// Close releases the subscription. The bridge stops when it was the last.
func (s *BridgeSubscription) Close() error {
	s.once.Do(func() { s.pool.release(s.entry, s.queue) })
	return nil
}

// Acquire subscribes to the bridge for sel, opening it when needed.
// Concurrent acquires of the same source wait for a single open.
func (p *BridgePool) Acquire(ctx context.Context, sel Selection, capacity int) (*BridgeSubscription, error) {
	key := sel.Key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	e, ok := p.entries[key]
	if !ok {
		e = &poolEntry{key: key, ready: make(chan struct{})}
		p.entries[key] = e
	}
	e.refs++
	p.mu.Unlock()

	if !ok {
		e.bridge, e.err = p.open(ctx, sel)
		if e.err == nil {
			e.bridge.Start()
			p.log.Infof("bridge opened for %s (%q)", key, e.bridge.Source().Name)
		}
		close(e.ready)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		go func() {
			<-e.ready
			p.release(e, nil)
		}()
		return nil, ctx.Err()
	}
	if e.err != nil {
		p.release(e, nil)
		return nil, e.err
	}

	q := e.bridge.Subscribe(capacity)
	return &BridgeSubscription{pool: p, entry: e, queue: q, source: e.bridge.Source()}, nil
}

func (p *BridgePool) release(e *poolEntry, q *FrameQueue) {
	p.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last && p.entries[e.key] == e {
		delete(p.entries, e.key)
	}
	p.mu.Unlock()

	if e.bridge == nil {
		return
	}
	if q != nil {
		e.bridge.Unsubscribe(q)
	}
	if last {
		p.log.Infof("last subscriber left %s, stopping bridge", e.key)
		e.bridge.Stop()
	}
}

// Bridges returns stats for every open bridge, sorted by source name.
func (p *BridgePool) Bridges() []BridgeStats {
	p.mu.Lock()
	var out []BridgeStats
	for _, e := range p.entries {
		select {
		case <-e.ready:
			if e.bridge != nil {
				out = append(out, e.bridge.Stats())
			}
		default:
		}
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Close stops every bridge. Outstanding subscriptions see closed queues.
func (p *BridgePool) Close() error {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.bridge != nil {
			e.bridge.Stop()
		}
	}
	return nil
}
