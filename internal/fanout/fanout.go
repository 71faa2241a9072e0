// Package fanout delivers each live frame to every active recording sink.
//
// Delivery is synchronous: Publish hands a retained reference to each sink
// in turn. Sinks are expected to be O(1) (a ring buffer write) so the
// publisher never waits on anything slower than a slot store.
//
// The bus also keeps the most recent frame so that a recording which stops
// before any frame arrived can still capture one.
package fanout

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/loopgrid/internal/media"
)

var (
	ErrBusClosed          = errors.New("fanout: bus is closed")
	ErrSubscriberExists   = errors.New("fanout: subscriber already exists")
	ErrSubscriberNotFound = errors.New("fanout: subscriber not found")
	ErrNilSink            = errors.New("fanout: nil sink provided")
)

// Sink receives live frames. Accept takes ownership of the frame's reference
// on success; on error the bus releases it.
type Sink interface {
	Accept(frame media.Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frame media.Frame) error

func (f SinkFunc) Accept(frame media.Frame) error { return f(frame) }

// SubscriberStats tracks delivery for one sink.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	id    string
	sink  Sink
	stats SubscriberStats
}

// Bus fans frames out to subscribed sinks.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished atomic.Uint64
	closed         bool

	latestMu sync.Mutex
	latest   media.Frame
	hasFrame bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers sink under id.
func (b *Bus) Subscribe(id string, sink Sink) error {
	if sink == nil {
		return ErrNilSink
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = &subscriber{id: id, sink: sink}
	return nil
}

// Unsubscribe removes a sink. After it returns the sink receives no further
// frames.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// Publish delivers frame to every sink. The caller keeps its own reference.
func (b *Bus) Publish(frame media.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.setLatest(frame)
	b.totalPublished.Add(1)

	for _, sub := range b.subscribers {
		ref := frame.Retain()
		if err := sub.sink.Accept(ref); err != nil {
			ref.Release()
			atomic.AddUint64(&sub.stats.Dropped, 1)
			slog.Debug("fanout: sink rejected frame",
				"subscriber", sub.id,
				"seq", frame.Seq,
				"error", err,
			)
			continue
		}
		atomic.AddUint64(&sub.stats.Sent, 1)
	}
}

func (b *Bus) setLatest(frame media.Frame) {
	next := frame.Retain()

	b.latestMu.Lock()
	prev, had := b.latest, b.hasFrame
	b.latest, b.hasFrame = next, true
	b.latestMu.Unlock()

	if had {
		prev.Release()
	}
}

// Latest returns a retained copy of the most recently published frame.
// The caller owns the returned reference.
func (b *Bus) Latest() (media.Frame, bool) {
	b.latestMu.Lock()
	defer b.latestMu.Unlock()

	if !b.hasFrame {
		return media.Frame{}, false
	}
	return b.latest.Retain(), true
}

// Stats returns delivery statistics for a subscriber.
func (b *Bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, nil
}

// Published returns the number of frames published since creation.
func (b *Bus) Published() uint64 {
	return b.totalPublished.Load()
}

// Subscribers returns the number of registered sinks.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close drops all subscribers and releases the held latest frame.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.subscribers = nil
	b.mu.Unlock()

	b.latestMu.Lock()
	if b.hasFrame {
		b.latest.Release()
		b.latest, b.hasFrame = media.Frame{}, false
	}
	b.latestMu.Unlock()
}
