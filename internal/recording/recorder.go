package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/loopgrid/internal/fanout"
	"github.com/e7canasta/loopgrid/internal/media"
	"github.com/e7canasta/loopgrid/internal/ringbuffer"
)

// Keys is the number of recording keys.
const Keys = 9

// BufferFactory allocates a clip buffer for a new recording.
type BufferFactory func() (*ringbuffer.Buffer, error)

// LiveFrames is the subset of the live fan-out a recorder needs.
type LiveFrames interface {
	Subscribe(id string, sink fanout.Sink) error
	Unsubscribe(id string) error
	Latest() (media.Frame, bool)
}

// Recorder owns the nine key sessions.
type Recorder struct {
	sessions  [Keys]*Session
	live      LiveFrames
	newBuffer BufferFactory
	now       func() time.Time
}

// NewRecorder creates a recorder wired to live frames.
func NewRecorder(live LiveFrames, newBuffer BufferFactory) (*Recorder, error) {
	if live == nil {
		return nil, fmt.Errorf("recording: live frame source is required")
	}
	if newBuffer == nil {
		return nil, fmt.Errorf("recording: buffer factory is required")
	}

	r := &Recorder{live: live, newBuffer: newBuffer, now: time.Now}
	for i := range r.sessions {
		r.sessions[i] = newSession(i + 1)
	}
	return r, nil
}

func subscriberID(key int) string {
	return fmt.Sprintf("key-%d", key)
}

func (r *Recorder) session(key int) (*Session, error) {
	if key < 1 || key > Keys {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKey, key)
	}
	return r.sessions[key-1], nil
}

// KeyDown starts recording on key. Pressing a key that is already recording
// is a no-op.
func (r *Recorder) KeyDown(key int) error {
	s, err := r.session(key)
	if err != nil {
		return err
	}
	if s.State() == Recording {
		slog.Debug("recording: key already recording", "key", key)
		return nil
	}

	buf, err := r.newBuffer()
	if err != nil {
		return fmt.Errorf("recording: allocate buffer for key %d: %w", key, err)
	}

	if !s.start(buf, r.now()) {
		buf.Close()
		return nil
	}

	if err := r.live.Subscribe(subscriberID(key), s); err != nil {
		s.abort()
		return fmt.Errorf("recording: subscribe key %d: %w", key, err)
	}

	slog.Info("recording: started",
		"key", key,
		"capacity", buf.Capacity(),
	)
	return nil
}

// KeyUp stops recording on key and returns the frozen clip.
// A key that is not recording yields ErrNotRecording.
func (r *Recorder) KeyUp(key int) (Complete, error) {
	s, err := r.session(key)
	if err != nil {
		return Complete{}, err
	}
	if s.State() != Recording {
		return Complete{}, ErrNotRecording
	}

	// No frame may land after the freeze
	if err := r.live.Unsubscribe(subscriberID(key)); err != nil && !errors.Is(err, fanout.ErrSubscriberNotFound) {
		slog.Warn("recording: unsubscribe failed", "key", key, "error", err)
	}

	complete, err := s.stop(r.now(), r.live.Latest)
	if err != nil {
		if errors.Is(err, ErrEmptyRecording) {
			slog.Warn("recording: stopped with no frames", "key", key)
		}
		return Complete{}, err
	}

	slog.Info("recording: completed",
		"key", key,
		"clip_id", complete.ClipID,
		"frames", complete.Buffer.Len(),
		"overflows", complete.Buffer.Stats().Overflows,
		"held", complete.StoppedAt.Sub(complete.StartedAt),
	)
	return complete, nil
}

// Active returns the keys currently recording.
func (r *Recorder) Active() []int {
	var keys []int
	for _, s := range r.sessions {
		if s.State() == Recording {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// Status returns a view of every session.
func (r *Recorder) Status() []SessionStatus {
	now := r.now()
	out := make([]SessionStatus, 0, Keys)
	for _, s := range r.sessions {
		out = append(out, s.status(now))
	}
	return out
}

// Close aborts every in-progress recording and releases its buffer.
func (r *Recorder) Close() {
	for _, s := range r.sessions {
		if s.State() != Recording {
			continue
		}
		_ = r.live.Unsubscribe(subscriberID(s.key))
		s.abort()
		slog.Info("recording: aborted on shutdown", "key", s.key)
	}
}
