// Package arena provides fixed-capacity storage for GPU frame handles.
//
// An Arena never grows: all slots are allocated once at creation and a
// matching amount of GPU memory is reserved from a shared Budget. Storing into
// an occupied slot releases the previous occupant.
package arena

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/e7canasta/loopgrid/internal/media"
)

var (
	// ErrAllocationFailure indicates the GPU memory budget cannot hold the arena.
	ErrAllocationFailure = errors.New("arena: gpu memory budget exhausted")
	// ErrInvalidCapacity indicates a non-positive slot count.
	ErrInvalidCapacity = errors.New("arena: capacity must be at least 1")
	// ErrSlotOutOfRange indicates a slot index outside [0, capacity).
	ErrSlotOutOfRange = errors.New("arena: slot out of range")
)

// Budget accounts GPU memory reserved by arenas.
// A zero limit means unlimited.
type Budget struct {
	limit    int64
	reserved atomic.Int64
}

// NewBudget creates a budget allowing up to limit bytes (0 = unlimited).
func NewBudget(limit int64) *Budget {
	return &Budget{limit: limit}
}

// Reserve claims n bytes or fails with ErrAllocationFailure.
func (b *Budget) Reserve(n int64) error {
	if b == nil {
		return nil
	}
	for {
		cur := b.reserved.Load()
		if b.limit > 0 && cur+n > b.limit {
			return fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrAllocationFailure, n, cur, b.limit)
		}
		if b.reserved.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

// Return gives back n bytes previously reserved.
func (b *Budget) Return(n int64) {
	if b == nil {
		return
	}
	b.reserved.Add(-n)
}

// Reserved returns bytes currently in use.
func (b *Budget) Reserved() int64 {
	if b == nil {
		return 0
	}
	return b.reserved.Load()
}

// Limit returns the configured limit (0 = unlimited).
func (b *Budget) Limit() int64 {
	if b == nil {
		return 0
	}
	return b.limit
}

// Arena holds up to capacity frames.
type Arena struct {
	slots    []media.Frame
	used     []bool
	budget   *Budget
	reserved int64
}

// New allocates an arena of capacity slots for frames of frameBytes each.
func New(capacity int, frameBytes int64, budget *Budget) (*Arena, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	reserve := int64(capacity) * frameBytes
	if err := budget.Reserve(reserve); err != nil {
		return nil, err
	}
	return &Arena{
		slots:    make([]media.Frame, capacity),
		used:     make([]bool, capacity),
		budget:   budget,
		reserved: reserve,
	}, nil
}

// Capacity returns the number of slots.
func (a *Arena) Capacity() int {
	return len(a.slots)
}

// Store places frame in slot i, releasing any frame already there.
// The arena takes ownership of the frame's handle reference.
func (a *Arena) Store(i int, frame media.Frame) error {
	if i < 0 || i >= len(a.slots) {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, i)
	}
	if a.used[i] {
		a.slots[i].Release()
	}
	a.slots[i] = frame
	a.used[i] = true
	return nil
}

// Load returns the frame in slot i. The returned frame shares the arena's
// reference; callers that keep it beyond the arena's lifetime must Retain it.
func (a *Arena) Load(i int) (media.Frame, bool) {
	if i < 0 || i >= len(a.slots) || !a.used[i] {
		return media.Frame{}, false
	}
	return a.slots[i], true
}

// ReleaseAll releases every stored handle and returns the reservation.
// Subsequent calls are no-ops.
func (a *Arena) ReleaseAll() {
	for i := range a.slots {
		if a.used[i] {
			a.slots[i].Release()
			a.slots[i] = media.Frame{}
			a.used[i] = false
		}
	}
	if a.reserved > 0 {
		a.budget.Return(a.reserved)
		a.reserved = 0
	}
}
