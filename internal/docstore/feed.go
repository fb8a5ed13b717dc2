package docstore

import "sync"

// Feed delivers snapshots to a single subscriber. Push never blocks: a snapshot
// the subscriber has not read yet is replaced by the newer one, which is safe
// because every snapshot is a complete result set.
type Feed[T any] struct {
	mu     sync.Mutex
	ch     chan Snapshot[T]
	closed bool
}

// NewFeed creates an open feed.
func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{ch: make(chan Snapshot[T], 1)}
}

// C returns the receive side of the feed. It is closed by Close.
func (f *Feed[T]) C() <-chan Snapshot[T] {
	return f.ch
}

// Push offers a snapshot, dropping any unread one. It reports false once closed.
func (f *Feed[T]) Push(s Snapshot[T]) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	select {
	case f.ch <- s:
		return true
	default:
	}
	// Buffer is full; discard the stale snapshot. Only Push sends, and we hold
	// mu, so the second send always has room.
	select {
	case <-f.ch:
	default:
	}
	f.ch <- s
	return true
}

// Close closes the channel. Later pushes are ignored.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	close(f.ch)
}
