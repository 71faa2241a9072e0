package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/e7canasta/loopgrid/internal/arena"
	"github.com/e7canasta/loopgrid/internal/config"
	"github.com/e7canasta/loopgrid/internal/grid"
	"github.com/e7canasta/loopgrid/internal/media"
	"github.com/e7canasta/loopgrid/internal/pipeline"
	"github.com/e7canasta/loopgrid/internal/recording"
	"github.com/e7canasta/loopgrid/internal/ringbuffer"
)

type fakeAttachment struct {
	cell int
	id   uint64
}

func (a fakeAttachment) Cell() int  { return a.cell }
func (a fakeAttachment) ID() uint64 { return a.id }

type fakeMedia struct {
	mu       sync.Mutex
	state    pipeline.State
	attached map[int]bool
	ids      uint64
	closed   bool
	messages chan *pipeline.Message
	onFrame  func(media.Frame)
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{attached: map[int]bool{}, messages: make(chan *pipeline.Message, 8)}
}

func (f *fakeMedia) factory(cfg *config.Config, onFrame func(media.Frame)) (Media, error) {
	f.onFrame = onFrame
	return f, nil
}

func (f *fakeMedia) SetState(s pipeline.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
	return nil
}

func (f *fakeMedia) CurrentState() pipeline.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeMedia) Pop(timeout time.Duration) *pipeline.Message {
	select {
	case m := <-f.messages:
		return m
	case <-time.After(timeout):
		return nil
	}
}

func (f *fakeMedia) RestartSource(ctx context.Context) error { return nil }

func (f *fakeMedia) Attach(ctx context.Context, p grid.Placement, src grid.PlaybackSource) (grid.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[p.Cell] = true
	f.ids++
	return fakeAttachment{cell: p.Cell, id: f.ids}, nil
}

func (f *fakeMedia) Detach(ctx context.Context, a grid.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, a.Cell())
	return nil
}

func (f *fakeMedia) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeMedia) attachedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attached)
}

const testConfig = `
instance_id: test
capture:
  source_element: videotestsrc
  width: 64
  height: 36
  format: BGRA
  fps: 30
  handoff_frames: 64
recording:
  max_frames: 4
recovery:
  max_retries: 1
  retry_delay_ms: 1
  max_retry_delay_ms: 1
`

func newTestApp(t *testing.T) (*App, *fakeMedia) {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	fm := newFakeMedia()
	a, err := New(cfg, fm.factory)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a, fm
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startApp(t *testing.T, a *App) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()
	eventually(t, "graph playing", func() bool {
		return a.controller.State() == pipeline.StatePlaying
	})
	return cancel, errc
}

func stopApp(t *testing.T, a *App, cancel context.CancelFunc, errc <-chan error) error {
	t.Helper()
	cancel()
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	return <-errc
}

func pushFrames(a *App, fm *fakeMedia, n int, handles *[]*media.CountingHandle) {
	for i := 0; i < n; i++ {
		h := media.NewCountingHandle(uint64(len(*handles)))
		*handles = append(*handles, h)
		fm.onFrame(media.Frame{Handle: h, Format: a.format, Seq: uint64(len(*handles))})
	}
}

func TestApp_RecordPlaceAndShutdown(t *testing.T) {
	a, fm := newTestApp(t)
	cancel, errc := startApp(t, a)

	var handles []*media.CountingHandle

	if err := a.Press(1, true); err != nil {
		t.Fatalf("Press() error = %v", err)
	}
	eventually(t, "key 1 recording", func() bool { return len(a.recorder.Active()) == 1 })

	pushFrames(a, fm, 6, &handles)
	eventually(t, "frames delivered", func() bool {
		s := a.pump.Stats()
		return s.Delivered+s.Dropped == 6
	})

	if err := a.Press(1, false); err != nil {
		t.Fatalf("Press() error = %v", err)
	}
	eventually(t, "clip placed", func() bool { return a.grid.Snapshot().Placed == 1 })

	snap := a.grid.Snapshot()
	if snap.Cells[1].Occupant != grid.OccupantPlayback || snap.Cells[1].Key != 1 {
		t.Errorf("cell 1 = %+v", snap.Cells[1])
	}
	if fm.attachedCount() != 1 {
		t.Errorf("attached = %d, want 1", fm.attachedCount())
	}
	if got := testutil.ToFloat64(a.metrics.RecordingsCompleted); got != 1 {
		t.Errorf("recordings completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.metrics.OccupiedCells); got != 1 {
		t.Errorf("occupied cells = %v, want 1", got)
	}

	if err := stopApp(t, a, cancel, errc); err != nil {
		t.Errorf("Run() error = %v", err)
	}

	if fm.attachedCount() != 0 {
		t.Errorf("attached after shutdown = %d, want 0", fm.attachedCount())
	}
	if fm.CurrentState() != pipeline.StateNull {
		t.Errorf("graph state = %s, want null", fm.CurrentState())
	}
	for _, h := range handles {
		if h.Refs() != 0 {
			t.Fatalf("frame %d leaked %d references", h.ID, h.Refs())
		}
	}
	if a.budget.Reserved() != 0 {
		t.Errorf("budget reserved = %d after shutdown", a.budget.Reserved())
	}
	t.Logf("✅ %d frames recorded, placed and released", len(handles))
}

func TestApp_ShortPressWithoutFrames(t *testing.T) {
	a, _ := newTestApp(t)
	cancel, errc := startApp(t, a)

	_ = a.Press(2, true)
	_ = a.Press(2, false)
	eventually(t, "empty recording counted", func() bool {
		return testutil.ToFloat64(a.metrics.RecordingsEmpty) == 1
	})

	if a.grid.Snapshot().Placed != 0 {
		t.Error("empty recording must not take a cell")
	}
	if a.grid.Snapshot().Next != 1 {
		t.Errorf("next cell = %d, want 1", a.grid.Snapshot().Next)
	}
	_ = stopApp(t, a, cancel, errc)
}

func TestApp_CellFaultDegrades(t *testing.T) {
	a, fm := newTestApp(t)
	cancel, errc := startApp(t, a)

	var handles []*media.CountingHandle
	_ = a.Press(3, true)
	eventually(t, "key 3 recording", func() bool { return len(a.recorder.Active()) == 1 })
	pushFrames(a, fm, 2, &handles)
	eventually(t, "frames delivered", func() bool { return a.pump.Stats().Delivered == 2 })
	_ = a.Press(3, false)
	eventually(t, "clip placed", func() bool { return a.grid.Snapshot().Placed == 1 })

	fm.messages <- &pipeline.Message{
		Kind:   pipeline.MessageError,
		Scope:  pipeline.ScopeCell,
		Cell:   1,
		ID:     1,
		Source: "playback-1-1-src",
		Text:   "Internal data stream error.",
	}
	eventually(t, "cell degraded", func() bool { return a.grid.Snapshot().Degraded == 1 })

	if a.grid.Snapshot().Cells[1].Occupant != grid.OccupantEmpty {
		t.Errorf("cell 1 = %+v, want empty", a.grid.Snapshot().Cells[1])
	}
	if got := testutil.ToFloat64(a.metrics.PipelineErrors.WithLabelValues("stream")); got != 1 {
		t.Errorf("stream errors = %v, want 1", got)
	}
	if err := stopApp(t, a, cancel, errc); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	for _, h := range handles {
		if h.Refs() != 0 {
			t.Fatalf("frame %d leaked %d references", h.ID, h.Refs())
		}
	}
}

func TestApp_StaleCellFaultIgnored(t *testing.T) {
	a, fm := newTestApp(t)
	cancel, errc := startApp(t, a)

	var handles []*media.CountingHandle
	for k := 0; k < 10; k++ {
		key := k%recording.Keys + 1
		_ = a.Press(key, true)
		eventually(t, "recording", func() bool { return len(a.recorder.Active()) == 1 })
		pushFrames(a, fm, 1, &handles)
		eventually(t, "frame delivered", func() bool { return a.pump.Stats().Delivered == uint64(k+1) })
		_ = a.Press(key, false)
		eventually(t, "clip placed", func() bool { return a.grid.Snapshot().Placed == uint64(k+1) })
	}
	tenth := a.grid.Snapshot().Cells[1].ClipID

	// Late error from the branch that cell 1 held before the wrap
	fm.messages <- &pipeline.Message{
		Kind:   pipeline.MessageError,
		Scope:  pipeline.ScopeCell,
		Cell:   1,
		ID:     1,
		Source: "playback-1-1-src",
		Text:   "Internal data stream error.",
	}
	eventually(t, "fault counted", func() bool {
		return testutil.ToFloat64(a.metrics.PipelineErrors.WithLabelValues("stream")) == 1
	})

	snap := a.grid.Snapshot()
	if snap.Degraded != 0 {
		t.Errorf("degraded = %d, want 0", snap.Degraded)
	}
	if snap.Cells[1].Occupant != grid.OccupantPlayback || snap.Cells[1].ClipID != tenth {
		t.Errorf("cell 1 = %+v, want clip %s playing", snap.Cells[1], tenth)
	}
	if fm.attachedCount() != grid.Slots {
		t.Errorf("attached = %d, want %d", fm.attachedCount(), grid.Slots)
	}
	if err := stopApp(t, a, cancel, errc); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	t.Logf("✅ fault from evicted branch left cell 1 intact")
}

func TestApp_FatalAllocationStopsRun(t *testing.T) {
	a, fm := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()
	eventually(t, "graph playing", func() bool { return a.controller.State() == pipeline.StatePlaying })

	fm.messages <- &pipeline.Message{
		Kind:   pipeline.MessageError,
		Scope:  pipeline.ScopeGraph,
		Source: "grid-compositor",
		Text:   "Failed to allocate a buffer",
	}

	select {
	case err := <-errc:
		if !errors.Is(err, pipeline.ErrAllocationFailure) {
			t.Errorf("Run() error = %v, want ErrAllocationFailure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after fatal error")
	}

	sctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestApp_BudgetExhaustionStopsRun(t *testing.T) {
	a, _ := newTestApp(t)
	a.budget = arena.NewBudget(1)

	cancel, errc := startApp(t, a)
	defer cancel()

	if err := a.Press(1, true); err != nil {
		t.Fatalf("Press() error = %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ringbuffer.ErrAllocationFailure) {
			t.Errorf("Run() error = %v, want ErrAllocationFailure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() kept going after the ring buffer could not be allocated")
	}

	if got := testutil.ToFloat64(a.metrics.PipelineErrors.WithLabelValues("allocation")); got != 1 {
		t.Errorf("allocation errors = %v, want 1", got)
	}
	if len(a.recorder.Active()) != 0 {
		t.Errorf("active recordings = %v, want none", a.recorder.Active())
	}

	sctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if a.budget.Reserved() != 0 {
		t.Errorf("budget reserved = %d after shutdown", a.budget.Reserved())
	}
	t.Logf("✅ allocation failure at key down stops the service")
}

func TestApp_Press(t *testing.T) {
	a, _ := newTestApp(t)

	for _, key := range []int{0, 10, -1} {
		if err := a.Press(key, true); !errors.Is(err, recording.ErrInvalidKey) {
			t.Errorf("Press(%d) error = %v, want ErrInvalidKey", key, err)
		}
	}

	for i := 0; i < cap(a.input); i++ {
		if err := a.Press(1, i%2 == 0); err != nil {
			t.Fatalf("Press() #%d error = %v", i, err)
		}
	}
	if err := a.Press(1, true); !errors.Is(err, ErrInputFull) {
		t.Errorf("Press() on full queue = %v, want ErrInputFull", err)
	}
}

func TestApp_HealthEndpoints(t *testing.T) {
	a, _ := newTestApp(t)
	srv := httptest.NewServer(a.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status code before Run = %d, want 503", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Status != "unhealthy" || st.InstanceID != "test" || len(st.Recordings) != recording.Keys {
		t.Errorf("status = %+v", st)
	}
	if st.Grid == nil || st.Grid.Cells[0].Occupant != grid.OccupantLive {
		t.Errorf("grid = %+v", st.Grid)
	}

	mresp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", mresp.StatusCode)
	}
}
