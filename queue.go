package whep

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueClosed is returned by Recv once the queue is closed and drained.
var ErrQueueClosed = errors.New("frame queue closed")

// FrameQueue is a bounded, lossy hand-off between one producer and one
// consumer. Push never blocks: when the queue is full the oldest unread
// frame is evicted, so a slow consumer always sees the most recent frames.
type FrameQueue struct {
	mu       sync.Mutex
	items    []*VideoFrame
	capacity int
	closed   bool

	notify chan struct{}
	done   chan struct{}

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// NewFrameQueue creates a queue holding up to capacity frames. Capacity is
// clamped to [1, 2].
func NewFrameQueue(capacity int) *FrameQueue {
	capacity = min(max(capacity, 1), 2)
	return &FrameQueue{
		items:    make([]*VideoFrame, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push enqueues f, evicting the oldest frame if full. It reports whether a
// frame was evicted. Pushing to a closed queue is a no-op.
func (q *FrameQueue) Push(f *VideoFrame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	evicted := false
	if len(q.items) == q.capacity {
		copy(q.items, q.items[1:])
		q.items[len(q.items)-1] = nil
		q.items = q.items[:len(q.items)-1]
		evicted = true
	}
	q.items = append(q.items, f)
	q.mu.Unlock()

	q.pushed.Add(1)
	if evicted {
		q.dropped.Add(1)
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// TryRecv pops the oldest frame without waiting.
func (q *FrameQueue) TryRecv() (*VideoFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *FrameQueue) popLocked() (*VideoFrame, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	f := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return f, true
}

// Recv waits for the next frame. It returns ErrQueueClosed after Close once
// buffered frames are drained, or the context error.
func (q *FrameQueue) Recv(ctx context.Context) (*VideoFrame, error) {
	for {
		q.mu.Lock()
		f, ok := q.popLocked()
		closed := q.closed
		q.mu.Unlock()
		if ok {
			return f, nil
		}
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-q.done:
		}
	}
}

// Close wakes any waiting consumer. Further pushes are discarded.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the number of buffered frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int { return q.capacity }

// Pushed returns the number of frames accepted by Push.
func (q *FrameQueue) Pushed() uint64 { return q.pushed.Load() }

// Dropped returns the number of frames evicted before being read.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }
