// Package handoff moves frames off media runtime threads.
//
// The runtime delivers frames on its own streaming threads, which must never
// block. Queue is a bounded lock-free queue safe for many producers and
// consumers; Pump pairs it with a wake-up signal and a single draining
// goroutine.
package handoff

import (
	"errors"
	"runtime"
	"sync/atomic"
)

// ErrInvalidCapacity is returned for capacities that are not a power of two >= 2.
var ErrInvalidCapacity = errors.New("handoff: capacity must be a power of two and >= 2")

const cacheLine = 64

// cell holds one queued item. turn tells producers and consumers whose move
// it is: a producer may fill the cell at position p when turn == p, and a
// consumer may empty it when turn == p+1.
type cell[T any] struct {
	turn atomic.Uint64
	item T
}

// Queue is a bounded lock-free queue. Enqueue and Dequeue never block; they
// report full and empty instead.
type Queue[T any] struct {
	cells []cell[T]
	mask  uint64

	_     [cacheLine - 8]byte
	write atomic.Uint64 // next position to fill
	_     [cacheLine - 8]byte
	read  atomic.Uint64 // next position to empty
	_     [cacheLine - 8]byte
}

// NewQueue creates a queue holding up to capacity items.
func NewQueue[T any](capacity uint64) (*Queue[T], error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, ErrInvalidCapacity
	}
	q := &Queue[T]{cells: make([]cell[T], capacity), mask: capacity - 1}
	for i := range q.cells {
		q.cells[i].turn.Store(uint64(i))
	}
	return q, nil
}

// Enqueue adds item, returning false if the queue is full.
func (q *Queue[T]) Enqueue(item T) bool {
	for {
		pos := q.write.Load()
		c := &q.cells[pos&q.mask]
		turn := c.turn.Load()

		if turn == pos {
			if q.write.CompareAndSwap(pos, pos+1) {
				c.item = item
				c.turn.Store(pos + 1)
				return true
			}
			continue
		}
		if turn < pos {
			// The consumer has not emptied this cell since the last lap
			return false
		}
		runtime.Gosched()
	}
}

// Dequeue removes the oldest item, returning false if the queue is empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	var zero T
	for {
		pos := q.read.Load()
		c := &q.cells[pos&q.mask]
		turn := c.turn.Load()

		if turn == pos+1 {
			if q.read.CompareAndSwap(pos, pos+1) {
				item := c.item
				c.item = zero
				c.turn.Store(pos + uint64(len(q.cells)))
				return item, true
			}
			continue
		}
		if turn < pos+1 {
			return zero, false
		}
		runtime.Gosched()
	}
}

// Len is the number of queued items. Under concurrent use it is a snapshot.
func (q *Queue[T]) Len() uint64 {
	r := q.read.Load()
	w := q.write.Load()
	if w < r {
		return 0
	}
	return w - r
}

// Capacity returns the queue size.
func (q *Queue[T]) Capacity() uint64 {
	return uint64(len(q.cells))
}
