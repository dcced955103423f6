package tracker

import (
	"sync"
	"sync/atomic"

	"github.com/pthm-cable/driftline/particle"
)

// Queue is the FIFO of particles waiting to be integrated. Every operation
// takes a single mutex, so the two children of a break are pushed
// atomically by PushBatch.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []*particle.Particle
	inFlight int
	closed   bool
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends one particle.
func (q *Queue) Push(p *particle.Particle) { q.PushBatch(p) }

// PushBatch appends all particles under one lock.
func (q *Queue) PushBatch(ps ...*particle.Particle) {
	q.mu.Lock()
	q.items = append(q.items, ps...)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Pop removes the oldest particle without blocking.
func (q *Queue) Pop() (*particle.Particle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (*particle.Particle, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p, true
}

// Len returns the number of queued particles.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Acquire blocks until a particle is available and marks it in flight. It
// returns false once the queue is closed, or once it is empty with nothing
// in flight. Every acquired particle must be released with Done.
func (q *Queue) Acquire() (*particle.Particle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, false
		}
		if p, ok := q.popLocked(); ok {
			q.inFlight++
			return p, true
		}
		if q.inFlight == 0 {
			return nil, false
		}
		q.cond.Wait()
	}
}

// Done releases a particle returned by Acquire.
func (q *Queue) Done() {
	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Close wakes every waiter; Acquire returns false afterwards.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Drain removes and returns everything still queued.
func (q *Queue) Drain() []*particle.Particle {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// IDAllocator hands out particle ids start, start+stride, start+2*stride...
// It is safe for concurrent use.
type IDAllocator struct {
	next   atomic.Int64
	stride int64
}

// NewIDAllocator returns an allocator. A stride below 1 is treated as 1.
func NewIDAllocator(start, stride int64) *IDAllocator {
	a := &IDAllocator{stride: max(stride, 1)}
	a.next.Store(start)
	return a
}

// NextID implements model.IDSource.
func (a *IDAllocator) NextID() int64 {
	return a.next.Add(a.stride) - a.stride
}
