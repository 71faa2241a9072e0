package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRuntime struct {
	mu        sync.Mutex
	state     State
	failSteps map[State]int // remaining failures when stepping into a state
	calls     []State
	messages  chan *Message
	restarts  int
	restartOK int // restart succeeds once restarts > restartOK
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{failSteps: map[State]int{}, messages: make(chan *Message, 16)}
}

func (f *fakeRuntime) SetState(s State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	if f.failSteps[s] > 0 {
		f.failSteps[s]--
		return errors.New("state change failure")
	}
	f.state = s
	return nil
}

func (f *fakeRuntime) CurrentState() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeRuntime) Pop(timeout time.Duration) *Message {
	select {
	case m := <-f.messages:
		return m
	case <-time.After(timeout):
		return nil
	}
}

func (f *fakeRuntime) RestartSource(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	if f.restarts > f.restartOK {
		return nil
	}
	return errors.New("device busy")
}

func (f *fakeRuntime) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

func fastConfig(maxRetries int) Config {
	return Config{
		Reconnect: ReconnectConfig{
			MaxRetries:    maxRetries,
			RetryDelay:    time.Millisecond,
			MaxRetryDelay: 4 * time.Millisecond,
		},
		PollInterval: 5 * time.Millisecond,
	}
}

func TestPath(t *testing.T) {
	tests := []struct {
		from, to State
		want     []State
	}{
		{StateNull, StatePlaying, []State{StateReady, StatePaused, StatePlaying}},
		{StatePlaying, StateNull, []State{StatePaused, StateReady, StateNull}},
		{StatePlaying, StatePaused, []State{StatePaused}},
		{StatePaused, StatePlaying, []State{StatePlaying}},
		{StateReady, StateReady, nil},
	}
	for _, tt := range tests {
		got := Path(tt.from, tt.to)
		if len(got) != len(tt.want) {
			t.Errorf("Path(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Path(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
				break
			}
		}
	}
}

func TestSetState_WalksIntermediateStates(t *testing.T) {
	rt := newFakeRuntime()
	c, _ := NewController(rt, fastConfig(1))

	if err := c.SetState(StatePlaying); err != nil {
		t.Fatal(err)
	}
	if c.State() != StatePlaying {
		t.Errorf("State() = %s", c.State())
	}
	want := []State{StateReady, StatePaused, StatePlaying}
	if len(rt.calls) != 3 || rt.calls[0] != want[0] || rt.calls[2] != want[2] {
		t.Errorf("calls = %v, want %v", rt.calls, want)
	}

	if err := c.SetState(State(42)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("invalid target error = %v", err)
	}

	if err := c.Shutdown(); err != nil || rt.CurrentState() != StateNull {
		t.Errorf("Shutdown = %v, state %s", err, rt.CurrentState())
	}
}

func TestSetState_Recovery(t *testing.T) {
	tests := []struct {
		name         string
		failSteps    map[State]int
		wantRecovery Recovery
		wantLanded   State
	}{
		{
			name:         "revert",
			failSteps:    map[State]int{StatePlaying: 1},
			wantRecovery: RecoveryRevert,
			wantLanded:   StatePaused,
		},
		{
			name:         "force ready",
			failSteps:    map[State]int{StatePlaying: 1, StatePaused: 1},
			wantRecovery: RecoveryForceReady,
			wantLanded:   StateReady,
		},
		{
			name:         "reset",
			failSteps:    map[State]int{StatePlaying: 1, StatePaused: 1, StateReady: 1},
			wantRecovery: RecoveryReset,
			wantLanded:   StateNull,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newFakeRuntime()
			rt.state = StatePaused
			for s, n := range tt.failSteps {
				rt.failSteps[s] = n
			}
			c, _ := NewController(rt, fastConfig(1))

			err := c.SetState(StatePlaying)
			var serr *StateError
			if !errors.As(err, &serr) {
				t.Fatalf("error = %v, want *StateError", err)
			}
			if serr.Recovery != tt.wantRecovery || serr.Landed != tt.wantLanded {
				t.Errorf("recovery = %s landed %s, want %s / %s",
					serr.Recovery, serr.Landed, tt.wantRecovery, tt.wantLanded)
			}
			if serr.From != StatePaused || serr.To != StatePlaying {
				t.Errorf("transition = %s -> %s", serr.From, serr.To)
			}
			if c.State() != tt.wantLanded {
				t.Errorf("State() = %s, want %s", c.State(), tt.wantLanded)
			}
			if c.Stats().FailedTransition != 1 {
				t.Errorf("failed transitions = %d", c.Stats().FailedTransition)
			}
		})
	}
}

func TestStateError_Message(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  *StateError
		want string
	}{
		{
			name: "graph",
			err:  &StateError{From: StatePaused, To: StatePlaying, Target: StatePlaying, Recovery: RecoveryRevert, Landed: StatePaused, Err: cause},
			want: "pipeline: transition paused -> playing (target playing) failed, recovery revert left graph paused: boom",
		},
		{
			name: "cell",
			err:  &StateError{Cell: 3, From: StateNull, To: StatePlaying, Target: StatePlaying, Recovery: RecoveryReset, Landed: StateNull, Err: cause},
			want: "pipeline: cell 3 transition null -> playing failed, recovery reset left branch null: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if !errors.Is(tt.err, cause) {
				t.Error("cause not wrapped")
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg, debug string
		want       ErrorCategory
	}{
		{"Could not open device '/dev/video0' for reading", "", ErrCategoryDevice},
		{"Error reading from device", "v4l2src0: No such device", ErrCategoryDevice},
		{"Failed to allocate a buffer", "gstbufferpool.c", ErrCategoryAllocation},
		{"Internal data stream error.", "streaming stopped, reason not-negotiated", ErrCategoryStream},
		{"something odd", "", ErrCategoryUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.msg, tt.debug); got != tt.want {
			t.Errorf("Classify(%q, %q) = %s, want %s", tt.msg, tt.debug, got, tt.want)
		}
	}
}

func TestReconnectConfig_Backoff(t *testing.T) {
	cfg := DefaultReconnectConfig()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := cfg.backoff(i + 1); got != w {
			t.Errorf("retry %d backoff = %v, want %v", i+1, got, w)
		}
	}
	if got := cfg.backoff(200); got != cfg.MaxRetryDelay {
		t.Errorf("overflowed backoff = %v, want cap", got)
	}
}

func TestRecoverSource(t *testing.T) {
	cfg := fastConfig(3).Reconnect

	t.Run("succeeds after failures", func(t *testing.T) {
		var state ReconnectState
		calls := 0
		err := RecoverSource(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("busy")
			}
			return nil
		}, nil, cfg, &state)
		if err != nil {
			t.Fatal(err)
		}
		if state.Reconnects.Load() != 2 || state.CurrentRetries != 0 {
			t.Errorf("reconnects = %d retries = %d", state.Reconnects.Load(), state.CurrentRetries)
		}
	})

	t.Run("exhausts retries", func(t *testing.T) {
		var state ReconnectState
		err := RecoverSource(context.Background(), func(ctx context.Context) error {
			return errors.New("gone")
		}, nil, cfg, &state)
		if !errors.Is(err, ErrDeviceDisconnect) {
			t.Fatalf("error = %v, want ErrDeviceDisconnect", err)
		}
		if state.Reconnects.Load() != 4 {
			t.Errorf("reconnects = %d, want 4", state.Reconnects.Load())
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		var state ReconnectState
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := RecoverSource(ctx, func(ctx context.Context) error { return nil }, nil, cfg, &state)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("arrival cuts backoff short", func(t *testing.T) {
		slow := ReconnectConfig{MaxRetries: 3, RetryDelay: time.Hour, MaxRetryDelay: time.Hour}
		devices := make(chan bool, 2)
		devices <- true  // removal keeps waiting
		devices <- false // arrival retries now

		var state ReconnectState
		calls := 0
		start := time.Now()
		err := RecoverSource(context.Background(), func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return errors.New("no such device")
			}
			return nil
		}, devices, slow, &state)
		if err != nil {
			t.Fatal(err)
		}
		if calls != 2 {
			t.Errorf("restarts = %d, want 2", calls)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("recovery took %v, arrival should skip the hour-long wait", elapsed)
		}
		t.Logf("✅ restored %v after device arrival", time.Since(start))
	})
}

func runController(t *testing.T, c *Controller) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitNotification(t *testing.T, c *Controller) Notification {
	t.Helper()
	select {
	case n := <-c.Notifications():
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notification")
		return Notification{}
	}
}

func TestRun_CellFault(t *testing.T) {
	rt := newFakeRuntime()
	c, _ := NewController(rt, fastConfig(1))
	runController(t, c)

	rt.messages <- &Message{Kind: MessageError, Scope: ScopeCell, Cell: 4, ID: 12, Source: "playback-4-12-src", Text: "Internal data stream error."}

	n := waitNotification(t, c)
	if n.Kind != NotifyCellFault || n.Cell != 4 || n.ID != 12 {
		t.Errorf("notification = %+v, want cell fault on 4", n)
	}
	if rt.restarts != 0 {
		t.Error("cell fault must not restart the capture source")
	}
}

func TestRun_DeviceErrorReconnects(t *testing.T) {
	rt := newFakeRuntime()
	rt.restartOK = 1 // first restart fails, second succeeds
	c, _ := NewController(rt, fastConfig(3))
	runController(t, c)

	rt.messages <- &Message{Kind: MessageError, Scope: ScopeCapture, Source: "capture", Text: "Could not read from resource.", Debug: "v4l2src: No such device"}

	n := waitNotification(t, c)
	if n.Kind != NotifyReconnected {
		t.Fatalf("notification = %+v, want reconnected", n)
	}
	stats := c.Stats()
	if stats.Reconnects != 1 || stats.DeviceErrors != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRun_DeviceArrivalEndsBackoff(t *testing.T) {
	rt := newFakeRuntime()
	rt.restartOK = 1 // device gone on the first restart
	cfg := fastConfig(3)
	cfg.Reconnect.RetryDelay = time.Hour
	cfg.Reconnect.MaxRetryDelay = time.Hour
	c, _ := NewController(rt, cfg)
	runController(t, c)

	c.DeviceEvent(true)
	deadline := time.Now().Add(2 * time.Second)
	for rt.restartCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c.DeviceEvent(false)

	n := waitNotification(t, c)
	if n.Kind != NotifyReconnected {
		t.Fatalf("notification = %+v, want reconnected", n)
	}
	if got := rt.restartCount(); got != 2 {
		t.Errorf("restarts = %d, want 2", got)
	}
	t.Logf("✅ capture restored on device arrival")
}

func TestRun_DeviceLossExhaustedIsFatal(t *testing.T) {
	rt := newFakeRuntime()
	rt.restartOK = 100
	c, _ := NewController(rt, fastConfig(2))
	_, done := runController(t, c)

	c.DeviceEvent(true)

	n := waitNotification(t, c)
	if n.Kind != NotifyFatal || !errors.Is(n.Err, ErrDeviceDisconnect) {
		t.Errorf("notification = %+v, want fatal device disconnect", n)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrDeviceDisconnect) {
			t.Errorf("Run error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after fatal error")
	}
}

func TestRun_AllocationFailureIsFatal(t *testing.T) {
	rt := newFakeRuntime()
	c, _ := NewController(rt, fastConfig(1))
	_, done := runController(t, c)

	rt.messages <- &Message{Kind: MessageError, Scope: ScopeGraph, Source: "compositor", Text: "Failed to allocate memory", Debug: "out of memory"}

	n := waitNotification(t, c)
	if n.Kind != NotifyFatal || !errors.Is(n.Err, ErrAllocationFailure) {
		t.Errorf("notification = %+v", n)
	}
	if err := <-done; !errors.Is(err, ErrAllocationFailure) {
		t.Errorf("Run error = %v", err)
	}
}

func TestRun_StateChangedTracked(t *testing.T) {
	rt := newFakeRuntime()
	c, _ := NewController(rt, fastConfig(1))
	cancel, done := runController(t, c)

	rt.messages <- &Message{Kind: MessageStateChanged, Scope: ScopeGraph, Old: StatePaused, New: StatePlaying}
	rt.messages <- &Message{Kind: MessageError, Scope: ScopeGraph, Source: "queue", Text: "odd"}

	n := waitNotification(t, c)
	if n.Kind != NotifyWarning || n.Category != ErrCategoryUnknown {
		t.Errorf("notification = %+v, want unknown warning", n)
	}
	if c.State() != StatePlaying {
		t.Errorf("State() = %s, want playing", c.State())
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run after cancel = %v", err)
	}
}
