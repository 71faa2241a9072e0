package handoff

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// PumpStats counts frames through a pump.
type PumpStats struct {
	Offered   uint64 `json:"offered" msgpack:"offered"`
	Delivered uint64 `json:"delivered" msgpack:"delivered"`
	Dropped   uint64 `json:"dropped" msgpack:"dropped"`
	// Depth is the current backlog and HighWater the deepest it has been.
	// A high-water mark near Capacity means the consumer is falling behind.
	Depth     uint64 `json:"depth" msgpack:"depth"`
	HighWater uint64 `json:"high_water" msgpack:"high_water"`
	Capacity  uint64 `json:"capacity" msgpack:"capacity"`
}

// Pump drains a Queue on a single goroutine, calling deliver for each item.
// Offer never blocks: when the queue is full the offered item is handed to
// discard and counted as dropped.
type Pump[T any] struct {
	queue   *Queue[T]
	wake    chan struct{}
	deliver func(T)
	discard func(T)

	offered   atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	highWater atomic.Uint64
}

// NewPump creates a pump. discard may be nil.
func NewPump[T any](capacity uint64, deliver, discard func(T)) (*Pump[T], error) {
	q, err := NewQueue[T](capacity)
	if err != nil {
		return nil, err
	}
	if discard == nil {
		discard = func(T) {}
	}
	return &Pump[T]{
		queue:   q,
		wake:    make(chan struct{}, 1),
		deliver: deliver,
		discard: discard,
	}, nil
}

// Offer enqueues v for delivery. Safe from any goroutine, including
// runtime streaming threads.
func (p *Pump[T]) Offer(v T) bool {
	p.offered.Add(1)
	if !p.queue.Enqueue(v) {
		p.dropped.Add(1)
		p.discard(v)
		return false
	}
	p.markDepth(p.queue.Len())
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// Run drains the queue until ctx is cancelled, then discards what remains.
func (p *Pump[T]) Run(ctx context.Context) {
	slog.Debug("handoff: pump started", "capacity", p.queue.Capacity())
	defer slog.Debug("handoff: pump stopped", "delivered", p.delivered.Load(), "dropped", p.dropped.Load())

	for {
		select {
		case <-ctx.Done():
			p.drain(p.discard)
			return
		case <-p.wake:
			p.drain(func(v T) {
				p.deliver(v)
				p.delivered.Add(1)
			})
		}
	}
}

func (p *Pump[T]) drain(fn func(T)) {
	for {
		v, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		fn(v)
	}
}

func (p *Pump[T]) markDepth(depth uint64) {
	for {
		hw := p.highWater.Load()
		if depth <= hw || p.highWater.CompareAndSwap(hw, depth) {
			return
		}
	}
}

// Stats returns pump counters.
func (p *Pump[T]) Stats() PumpStats {
	return PumpStats{
		Offered:   p.offered.Load(),
		Delivered: p.delivered.Load(),
		Dropped:   p.dropped.Load(),
		Depth:     p.queue.Len(),
		HighWater: p.highWater.Load(),
		Capacity:  p.queue.Capacity(),
	}
}
