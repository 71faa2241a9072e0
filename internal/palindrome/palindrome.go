// Package palindrome drives forward/backward looping playback over a frozen
// clip.
//
// For a clip of N frames the emitted index sequence is
//
//	0, 1, ..., N-1, N-2, ..., 1, 0, 1, ...
//
// with period 2(N-1). The endpoints are emitted once per sweep, never
// repeated. A single-frame clip emits 0 forever.
package palindrome

import (
	"errors"
	"fmt"
	"sync"

	"github.com/e7canasta/loopgrid/internal/media"
)

// ErrEmptySequence is returned by New when the source holds no frames.
var ErrEmptySequence = errors.New("palindrome: source has no frames")

// Direction of travel through the clip.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Source is a read-only, fixed-length frame store (a frozen ring buffer).
type Source interface {
	Len() int
	Read(i int) (media.Frame, error)
}

// Step returns the index and direction that follow (index, dir) in a clip of
// n frames. It is the whole transition table.
func Step(index int, dir Direction, n int) (int, Direction) {
	if n <= 1 {
		return 0, Forward
	}
	switch dir {
	case Forward:
		if index >= n-1 {
			return n - 2, Reverse
		}
		return index + 1, Forward
	default:
		if index <= 0 {
			return 1, Forward
		}
		return index - 1, Reverse
	}
}

// Period returns the length of one full sweep for n frames.
func Period(n int) int {
	if n <= 1 {
		return 1
	}
	return 2 * (n - 1)
}

// Sequencer yields frames from a Source in palindrome order.
type Sequencer struct {
	mu      sync.Mutex
	source  Source
	n       int
	index   int
	dir     Direction
	started bool
	emitted uint64
}

// New creates a sequencer positioned at frame 0, moving forward.
// The source length is captured once; the source must not change afterwards.
func New(source Source) (*Sequencer, error) {
	if source == nil {
		return nil, ErrEmptySequence
	}
	n := source.Len()
	if n == 0 {
		return nil, ErrEmptySequence
	}
	return &Sequencer{source: source, n: n, dir: Forward}, nil
}

// NextIndex advances the cursor and returns the index to emit. The first call
// returns 0 without advancing.
func (s *Sequencer) NextIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.started = true
	} else {
		s.index, s.dir = Step(s.index, s.dir, s.n)
	}
	s.emitted++
	return s.index
}

// Next advances and returns the frame at the new position. The frame shares
// the source's handle reference.
func (s *Sequencer) Next() (media.Frame, error) {
	i := s.NextIndex()
	f, err := s.source.Read(i)
	if err != nil {
		return media.Frame{}, fmt.Errorf("palindrome: read frame %d: %w", i, err)
	}
	return f, nil
}

// Index returns the current position.
func (s *Sequencer) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Direction returns the current direction of travel.
func (s *Sequencer) Direction() Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Len returns the clip length N.
func (s *Sequencer) Len() int {
	return s.n
}

// Emitted returns how many frames have been produced.
func (s *Sequencer) Emitted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}
