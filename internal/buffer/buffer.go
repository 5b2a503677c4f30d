// Package buffer models an owned byte payload flowing from the (opaque,
// out-of-scope) network layer into a PartitionWriter. It exists purely
// to make the buffer-release law of spec.md §8 property 6 — "every
// writeData call releases its input buffer exactly once" — observable
// and testable without depending on a real network buffer allocator.
package buffer

import "sync/atomic"

// Buffer is an owned byte payload. Exactly one of these must happen for
// every buffer handed to a writer: the writer consumes it and releases
// it, or the caller releases it on a failure path that never reached the
// writer. Double release and leaked buffers are both bugs.
type Buffer interface {
	Bytes() []byte
	Release()
}

// Pool is a leak-tracking allocator: Get increments an outstanding
// counter, the first Release of each buffer decrements it. Tests assert
// Outstanding() == 0 after exercising a code path to catch leaks; a
// double release is absorbed by Release and does not show in the count.
type Pool struct {
	outstanding atomic.Int64
}

// NewPool returns an empty leak-tracking pool.
func NewPool() *Pool {
	return &Pool{}
}

// Get wraps data as a Buffer owned by this pool.
func (p *Pool) Get(data []byte) *Pooled {
	p.outstanding.Add(1)
	return &Pooled{data: data, pool: p}
}

// Outstanding returns the number of buffers obtained from Get that have
// not yet been released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Pooled is the Pool-backed Buffer implementation.
type Pooled struct {
	data     []byte
	pool     *Pool
	released atomic.Bool
}

func (b *Pooled) Bytes() []byte {
	return b.data
}

// Release is idempotent: a second call is a no-op rather than a double
// decrement, so accidental double-release doesn't corrupt the pool's
// count — but the first call is the only one that counts as "the"
// release for the buffer-release law.
func (b *Pooled) Release() {
	if b.released.CompareAndSwap(false, true) {
		b.pool.outstanding.Add(-1)
	}
}
