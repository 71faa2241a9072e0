// Package ringbuffer implements the fixed-capacity, overwrite-on-overflow
// clip store used by a recording session.
//
// Frames stay GPU-resident: the buffer holds handles in an arena and never
// touches pixel data. Writing into a full buffer evicts the oldest frame.
// Logical reads are ordered oldest to newest regardless of where the write
// cursor has wrapped to.
//
// A buffer has a single writer (its recording session). Once Freeze is
// called it becomes read-only and may be shared with playback.
package ringbuffer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/loopgrid/internal/arena"
	"github.com/e7canasta/loopgrid/internal/media"
)

// DefaultFrameInterval is used when no nominal interval is supplied (30 fps).
const DefaultFrameInterval = 33333 * time.Microsecond

var (
	// ErrInvalidCapacity is returned by New when capacity < 1.
	ErrInvalidCapacity = errors.New("ringbuffer: capacity must be at least 1")
	// ErrFormatMismatch is returned by Write when the frame format differs
	// from the format the buffer was created with. The frame is dropped.
	ErrFormatMismatch = errors.New("ringbuffer: frame format mismatch")
	// ErrFrozen is returned by Write after Freeze.
	ErrFrozen = errors.New("ringbuffer: buffer is frozen")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ringbuffer: buffer is closed")
	// ErrIndexOutOfRange is returned by Read for indices outside [0, Len).
	ErrIndexOutOfRange = errors.New("ringbuffer: index out of range")
	// ErrAllocationFailure is re-exported from arena for callers that only
	// import ringbuffer.
	ErrAllocationFailure = arena.ErrAllocationFailure
)

// Stats is a snapshot of buffer diagnostics.
type Stats struct {
	Capacity     int
	Count        int
	Overflows    uint64 // writes that evicted an older frame
	TotalWritten uint64 // accepted writes
	Rejected     uint64 // writes dropped for format mismatch
	Frozen       bool
}

// Buffer is a GPU-resident ring of frames.
type Buffer struct {
	mu         sync.Mutex
	slots      *arena.Arena
	format     media.Format
	interval   time.Duration
	writePos   int
	validCount int
	frozen     bool
	closed     bool

	overflows    atomic.Uint64
	totalWritten atomic.Uint64
	rejected     atomic.Uint64

	closeOnce sync.Once
}

// New creates a buffer holding up to capacity frames of the given format.
// interval is the nominal frame interval used by Duration; values <= 0 fall
// back to DefaultFrameInterval. budget may be nil for unlimited memory.
func New(capacity int, format media.Format, interval time.Duration, budget *arena.Budget) (*Buffer, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	if interval <= 0 {
		interval = DefaultFrameInterval
	}

	slots, err := arena.New(capacity, format.Bytes(), budget)
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: allocate %d slots: %w", capacity, err)
	}

	return &Buffer{
		slots:    slots,
		format:   format,
		interval: interval,
	}, nil
}

// Write stores frame at the write cursor, overwriting the oldest frame when
// the buffer is full. On success the buffer owns the frame's handle
// reference; on error the caller keeps it.
func (b *Buffer) Write(frame media.Frame) error {
	if frame.Format != b.format {
		b.rejected.Add(1)
		return fmt.Errorf("%w: got %s, want %s", ErrFormatMismatch, frame.Format, b.format)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.frozen {
		return ErrFrozen
	}

	capacity := b.slots.Capacity()
	if b.validCount == capacity {
		b.overflows.Add(1)
	}
	// Store releases the overwritten occupant
	if err := b.slots.Store(b.writePos, frame); err != nil {
		return err
	}

	b.writePos = (b.writePos + 1) % capacity
	if b.validCount < capacity {
		b.validCount++
	}
	b.totalWritten.Add(1)
	return nil
}

// Read returns the frame at logical index i, where 0 is the oldest retained
// frame and Len()-1 the newest. The frame shares the buffer's reference.
func (b *Buffer) Read(i int) (media.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return media.Frame{}, ErrClosed
	}
	if i < 0 || i >= b.validCount {
		return media.Frame{}, fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, i, b.validCount)
	}

	capacity := b.slots.Capacity()
	physical := i
	if b.validCount == capacity {
		// Full: oldest frame sits at the write cursor
		physical = (b.writePos + i) % capacity
	}

	frame, ok := b.slots.Load(physical)
	if !ok {
		return media.Frame{}, fmt.Errorf("%w: slot %d empty", ErrIndexOutOfRange, physical)
	}
	return frame, nil
}

// Latest returns the most recently written frame.
func (b *Buffer) Latest() (media.Frame, bool) {
	n := b.Len()
	if n == 0 {
		return media.Frame{}, false
	}
	f, err := b.Read(n - 1)
	return f, err == nil
}

// Len returns the number of valid frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.validCount
}

// Capacity returns the fixed slot count.
func (b *Buffer) Capacity() int {
	return b.slots.Capacity()
}

// Format returns the frame format the buffer accepts.
func (b *Buffer) Format() media.Format {
	return b.format
}

// Interval returns the nominal frame interval.
func (b *Buffer) Interval() time.Duration {
	return b.interval
}

// Duration returns the playback length of the stored frames.
func (b *Buffer) Duration() time.Duration {
	return time.Duration(b.Len()) * b.interval
}

// Freeze makes the buffer read-only. Idempotent.
func (b *Buffer) Freeze() {
	b.mu.Lock()
	b.frozen = true
	b.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (b *Buffer) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}

// Close releases every stored handle and the arena's memory reservation.
// It runs exactly once; later calls are no-ops.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.slots.ReleaseAll()
		b.closed = true
		b.frozen = true
		b.validCount = 0
		b.writePos = 0
	})
}

// Stats returns diagnostic counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	count, frozen := b.validCount, b.frozen
	b.mu.Unlock()

	return Stats{
		Capacity:     b.slots.Capacity(),
		Count:        count,
		Overflows:    b.overflows.Load(),
		TotalWritten: b.totalWritten.Load(),
		Rejected:     b.rejected.Load(),
		Frozen:       frozen,
	}
}
