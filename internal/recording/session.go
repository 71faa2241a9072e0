// Package recording implements the per-key capture state machines.
//
// Each of the nine keys owns one Session that is either Idle or Recording.
// Key-down allocates a fresh ring buffer and subscribes the session to live
// frames; key-up freezes the buffer and hands it off as a Complete event.
// Sessions share no mutable state, so any number may record at once.
package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/loopgrid/internal/media"
	"github.com/e7canasta/loopgrid/internal/ringbuffer"
)

var (
	// ErrEmptyRecording means a session stopped with no frame to keep.
	ErrEmptyRecording = errors.New("recording: no frames captured")
	// ErrNotRecording is returned by Stop on an idle session.
	ErrNotRecording = errors.New("recording: session is not recording")
	// ErrInvalidKey is returned for keys outside 1..9.
	ErrInvalidKey = errors.New("recording: key must be in 1..9")
)

// State of a session.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

// Complete is emitted when a session stops with at least one frame.
// The receiver owns Buffer and must Close it when done.
type Complete struct {
	Key       int
	ClipID    uuid.UUID
	Buffer    *ringbuffer.Buffer
	StartedAt time.Time
	StoppedAt time.Time
}

// Session is the capture state machine for one key.
type Session struct {
	key int

	mu        sync.Mutex
	state     State
	buffer    *ringbuffer.Buffer
	clipID    uuid.UUID
	startedAt time.Time

	mismatches atomic.Uint64
}

func newSession(key int) *Session {
	return &Session{key: key}
}

// Key returns the key this session is bound to.
func (s *Session) Key() int { return s.key }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// start moves Idle -> Recording with buf. Returns false if already recording,
// in which case buf is not used.
func (s *Session) start(buf *ringbuffer.Buffer, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Recording {
		return false
	}
	s.state = Recording
	s.buffer = buf
	s.clipID = uuid.New()
	s.startedAt = now
	return true
}

// Accept writes a live frame into the session's buffer. It implements
// fanout.Sink.
func (s *Session) Accept(frame media.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Recording {
		return ErrNotRecording
	}

	err := s.buffer.Write(frame)
	if errors.Is(err, ringbuffer.ErrFormatMismatch) {
		n := s.mismatches.Add(1)
		if n == 1 {
			slog.Warn("recording: dropping frame with unexpected format",
				"key", s.key,
				"clip_id", s.clipID,
				"error", err,
			)
		}
	}
	return err
}

// stop moves Recording -> Idle. latest supplies a fallback frame (retained)
// for presses shorter than one frame interval.
func (s *Session) stop(now time.Time, latest func() (media.Frame, bool)) (Complete, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Recording {
		return Complete{}, ErrNotRecording
	}

	buf := s.buffer
	if buf.Len() == 0 && latest != nil {
		if f, ok := latest(); ok {
			if err := buf.Write(f); err != nil {
				f.Release()
				slog.Debug("recording: fallback frame rejected", "key", s.key, "error", err)
			}
		}
	}

	complete := Complete{
		Key:       s.key,
		ClipID:    s.clipID,
		Buffer:    buf,
		StartedAt: s.startedAt,
		StoppedAt: now,
	}
	s.reset()

	if buf.Len() == 0 {
		buf.Close()
		return Complete{}, fmt.Errorf("%w: key %d", ErrEmptyRecording, complete.Key)
	}

	buf.Freeze()
	return complete, nil
}

// abort drops the in-progress recording without emitting anything.
func (s *Session) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Recording {
		return
	}
	s.buffer.Close()
	s.reset()
}

func (s *Session) reset() {
	s.state = Idle
	s.buffer = nil
	s.clipID = uuid.Nil
	s.startedAt = time.Time{}
}

// SessionStatus is a point-in-time view of a session.
type SessionStatus struct {
	Key        int
	State      State
	ClipID     string
	Frames     int
	Overflows  uint64
	Mismatches uint64
	Elapsed    time.Duration
}

func (s *Session) status(now time.Time) SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SessionStatus{Key: s.key, State: s.state, Mismatches: s.mismatches.Load()}
	if s.state == Recording {
		stats := s.buffer.Stats()
		st.ClipID = s.clipID.String()
		st.Frames = stats.Count
		st.Overflows = stats.Overflows
		st.Elapsed = now.Sub(s.startedAt)
	}
	return st
}
