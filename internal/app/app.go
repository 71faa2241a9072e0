// Package app wires the live graph, the recorder and the grid together and
// runs the single event loop that owns grid mutation.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/e7canasta/loopgrid/internal/arena"
	"github.com/e7canasta/loopgrid/internal/config"
	"github.com/e7canasta/loopgrid/internal/control"
	"github.com/e7canasta/loopgrid/internal/devicewatch"
	"github.com/e7canasta/loopgrid/internal/emitter"
	"github.com/e7canasta/loopgrid/internal/fanout"
	"github.com/e7canasta/loopgrid/internal/grid"
	"github.com/e7canasta/loopgrid/internal/handoff"
	"github.com/e7canasta/loopgrid/internal/media"
	"github.com/e7canasta/loopgrid/internal/metrics"
	"github.com/e7canasta/loopgrid/internal/pipeline"
	"github.com/e7canasta/loopgrid/internal/recording"
	"github.com/e7canasta/loopgrid/internal/ringbuffer"
	"github.com/e7canasta/loopgrid/internal/warmup"
)

// ErrInputFull is returned when the input queue cannot take another event.
var ErrInputFull = errors.New("app: input queue full")

// InputEvent is a key transition from any input source.
type InputEvent struct {
	Key  int
	Down bool
}

// Media is the running media graph: runtime for the controller and
// compositor for the grid.
type Media interface {
	pipeline.Runtime
	grid.Compositor
	Close()
}

// MediaFactory builds the media graph. onFrame receives every live frame and
// owns its reference.
type MediaFactory func(cfg *config.Config, onFrame func(media.Frame)) (Media, error)

// App is the loopgrid service.
type App struct {
	cfg     *config.Config
	format  media.Format
	metrics *metrics.Metrics

	live     *fanout.Bus
	pump     *handoff.Pump[media.Frame]
	monitor  *warmup.Monitor
	budget   *arena.Budget
	recorder *recording.Recorder
	grid     *grid.Grid

	media      Media
	controller *pipeline.Controller

	emitter *emitter.MQTTEmitter
	control *control.Handler
	watcher *devicewatch.Watcher
	server  *http.Server

	input chan InputEvent

	mu        sync.RWMutex
	started   time.Time
	isRunning bool
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	loopDone  chan struct{}
	pumpDone  chan struct{}
	stopPump  context.CancelFunc
}

// New builds every component. Nothing runs until Run.
func New(cfg *config.Config, newMedia MediaFactory) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if newMedia == nil {
		return nil, fmt.Errorf("app: media factory is required")
	}

	a := &App{
		cfg:     cfg,
		format:  formatOf(cfg),
		metrics: metrics.New(),
		live:    fanout.New(),
		monitor: warmup.NewMonitor(cfg.Capture.FPS * 2),
		budget:  arena.NewBudget(int64(cfg.Recording.MemoryBudgetMB) << 20),
		input:   make(chan InputEvent, 64),
	}

	pump, err := handoff.NewPump(uint64(cfg.Capture.HandoffFrames), a.deliver, a.discard)
	if err != nil {
		return nil, fmt.Errorf("app: handoff: %w", err)
	}
	a.pump = pump

	a.recorder, err = recording.NewRecorder(a.live, a.newBuffer)
	if err != nil {
		return nil, err
	}

	a.media, err = newMedia(cfg, a.onFrame)
	if err != nil {
		return nil, fmt.Errorf("app: media graph: %w", err)
	}

	a.grid, err = grid.New(grid.Config{
		Layout:        layoutOf(cfg),
		AttachRetries: cfg.Grid.AttachRetries,
	}, a.media)
	if err != nil {
		a.media.Close()
		return nil, err
	}

	a.controller, err = pipeline.NewController(a.media, pipeline.Config{
		Reconnect: pipeline.ReconnectConfig{
			MaxRetries:    cfg.Recovery.MaxRetries,
			RetryDelay:    time.Duration(cfg.Recovery.RetryDelayMS) * time.Millisecond,
			MaxRetryDelay: time.Duration(cfg.Recovery.MaxRetryDelayMS) * time.Millisecond,
		},
	})
	if err != nil {
		a.media.Close()
		return nil, err
	}

	if cfg.DeviceWatch.Enabled {
		a.watcher = devicewatch.New(cfg.Capture.Device, cfg.DeviceWatch.Subsystem, a.controller)
	}
	if cfg.MQTT.Enabled {
		a.emitter = emitter.NewMQTTEmitter(cfg)
	}

	slog.Info("app: components initialized",
		"instance_id", cfg.InstanceID,
		"format", a.format.String(),
		"max_frames", cfg.Recording.MaxFrames,
		"memory_budget_mb", cfg.Recording.MemoryBudgetMB,
	)
	return a, nil
}

// Input returns the channel hosts push key events into.
func (a *App) Input() chan<- InputEvent {
	return a.input
}

// Press queues a key event without blocking.
func (a *App) Press(key int, down bool) error {
	if key < 1 || key > recording.Keys {
		return fmt.Errorf("%w: %d", recording.ErrInvalidKey, key)
	}
	select {
	case a.input <- InputEvent{Key: key, Down: down}:
		return nil
	default:
		return ErrInputFull
	}
}

// Metrics exposes the Prometheus instruments.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Run starts the graph and blocks until ctx is cancelled, a shutdown command
// arrives, or the controller reports a fatal error.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.isRunning {
		a.mu.Unlock()
		return fmt.Errorf("app: already running")
	}
	a.isRunning = true
	a.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	a.cancelRun = cancel
	a.loopDone = make(chan struct{})
	a.mu.Unlock()
	defer cancel()
	defer close(a.loopDone)

	slog.Info("app: starting", "instance_id", a.cfg.InstanceID)

	pumpCtx, stopPump := context.WithCancel(context.Background())
	a.stopPump = stopPump
	a.pumpDone = make(chan struct{})
	go func() {
		defer close(a.pumpDone)
		a.pump.Run(pumpCtx)
	}()

	if err := a.controller.SetState(pipeline.StatePlaying); err != nil {
		return fmt.Errorf("app: start graph: %w", err)
	}

	fatal := make(chan error, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.controller.Run(ctx); err != nil {
			fatal <- err
		}
	}()

	if err := a.watcher.Start(ctx); err != nil {
		slog.Warn("app: device watch unavailable", "error", err)
	}

	if err := a.startMQTT(ctx); err != nil {
		return err
	}

	if err := a.StartHealthServer(); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logStats(ctx, 10*time.Second)
	}()

	slog.Info("app: running",
		"cells", grid.Cells,
		"keys", recording.Keys,
	)

	err := a.loop(ctx)
	select {
	case ferr := <-fatal:
		if err == nil {
			err = ferr
		}
	default:
	}
	slog.Info("app: run loop exiting", "error", err)
	return err
}

func (a *App) startMQTT(ctx context.Context) error {
	if a.emitter == nil {
		return nil
	}
	if err := a.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("app: connect mqtt: %w", err)
	}

	a.control = control.NewHandler(a.cfg, a.emitter.Client, control.CommandCallbacks{
		OnKey:       a.Press,
		OnGetStatus: a.statusMap,
		OnPause:     func() error { return a.controller.SetState(pipeline.StatePaused) },
		OnResume:    func() error { return a.controller.SetState(pipeline.StatePlaying) },
		OnShutdown:  a.shutdownViaControl,
	})
	if err := a.control.Start(ctx); err != nil {
		return fmt.Errorf("app: start control plane: %w", err)
	}

	interval := time.Duration(a.cfg.MQTT.HealthIntervalS) * time.Second
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.emitter.RunHealth(ctx, interval, func() interface{} { return a.Status() })
	}()
	return nil
}

func (a *App) shutdownViaControl() error {
	a.mu.RLock()
	cancel := a.cancelRun
	a.mu.RUnlock()
	if cancel == nil {
		return fmt.Errorf("app: not running")
	}
	slog.Info("app: shutdown requested via control plane")
	// let the response go out before the loop unwinds
	time.AfterFunc(100*time.Millisecond, cancel)
	return nil
}

// loop is the only goroutine that mutates the grid.
func (a *App) loop(ctx context.Context) error {
	notifications := a.controller.Notifications()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.input:
			if err := a.handleInput(ctx, ev); err != nil {
				return err
			}
		case n := <-notifications:
			if err := a.handleNotification(ctx, n); err != nil {
				return err
			}
		}
	}
}

// handleInput returns an error only when the service cannot continue.
func (a *App) handleInput(ctx context.Context, ev InputEvent) error {
	defer a.metrics.ActiveRecordings.Set(float64(len(a.recorder.Active())))

	if ev.Down {
		err := a.recorder.KeyDown(ev.Key)
		switch {
		case errors.Is(err, ringbuffer.ErrAllocationFailure):
			a.metrics.PipelineErrors.WithLabelValues(pipeline.ErrCategoryAllocation.String()).Inc()
			slog.Error("app: ring buffer allocation failed, shutting down", "key", ev.Key, "error", err)
			return err
		case err != nil:
			slog.Error("app: key down failed", "key", ev.Key, "error", err)
		}
		return nil
	}

	complete, err := a.recorder.KeyUp(ev.Key)
	switch {
	case errors.Is(err, recording.ErrEmptyRecording):
		a.metrics.RecordingsEmpty.Inc()
		return nil
	case errors.Is(err, recording.ErrNotRecording):
		slog.Debug("app: key up without recording", "key", ev.Key)
		return nil
	case err != nil:
		slog.Error("app: key up failed", "key", ev.Key, "error", err)
		return nil
	}

	st := complete.Buffer.Stats()
	a.metrics.RecordingsCompleted.Inc()
	a.metrics.RecordingOverflows.Add(float64(st.Overflows))
	a.metrics.FramesRejected.Add(float64(st.Rejected))

	a.place(ctx, complete)
	return nil
}

func (a *App) place(ctx context.Context, c recording.Complete) {
	before := a.grid.Snapshot()
	start := time.Now()

	cell, err := a.grid.Place(ctx, c)

	a.metrics.PlaceDuration.Observe(time.Since(start).Seconds())
	a.syncGridMetrics(before, a.grid.Snapshot())

	if err != nil {
		slog.Error("app: clip placement failed",
			"key", c.Key,
			"clip_id", c.ClipID,
			"cell", cell,
			"error", err)
		return
	}
	slog.Info("app: clip placed", "key", c.Key, "clip_id", c.ClipID, "cell", cell)
}

func (a *App) syncGridMetrics(before, after *grid.Snapshot) {
	a.metrics.Placements.Add(float64(after.Placed - before.Placed))
	a.metrics.Evictions.Add(float64(after.Evicted - before.Evicted))
	a.metrics.AttachFailures.Add(float64(after.Failed - before.Failed))
	a.metrics.OccupiedCells.Set(float64(after.Occupied()))
}

func (a *App) handleNotification(ctx context.Context, n pipeline.Notification) error {
	switch n.Kind {
	case pipeline.NotifyCellFault:
		a.metrics.PipelineErrors.WithLabelValues(n.Category.String()).Inc()
		before := a.grid.Snapshot()
		if a.grid.Degrade(ctx, n.Cell, n.ID) {
			slog.Warn("app: cell degraded", "cell", n.Cell, "attachment_id", n.ID, "error", n.Err)
		}
		a.syncGridMetrics(before, a.grid.Snapshot())
	case pipeline.NotifyWarning:
		a.metrics.PipelineErrors.WithLabelValues(n.Category.String()).Inc()
	case pipeline.NotifyReconnected:
		a.metrics.Reconnects.Inc()
		slog.Info("app: capture source reconnected")
	case pipeline.NotifyFatal:
		a.metrics.PipelineErrors.WithLabelValues(n.Category.String()).Inc()
		slog.Error("app: fatal pipeline error, shutting down", "category", n.Category.String(), "error", n.Err)
		return n.Err
	}
	return nil
}

// onFrame runs on a media streaming thread and must not block.
func (a *App) onFrame(f media.Frame) {
	a.metrics.FramesTapped.Inc()
	a.pump.Offer(f)
}

func (a *App) deliver(f media.Frame) {
	a.monitor.Observe()
	a.live.Publish(f)
	f.Release()
}

func (a *App) discard(f media.Frame) {
	a.metrics.FramesDropped.Inc()
	f.Release()
}

func (a *App) newBuffer() (*ringbuffer.Buffer, error) {
	fallback := time.Second / time.Duration(a.cfg.Capture.FPS)
	return ringbuffer.New(a.cfg.Recording.MaxFrames, a.format, a.monitor.Interval(fallback), a.budget)
}

func (a *App) logStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fps := a.monitor.Stats()
			a.metrics.CaptureFPS.Set(fps.FPSMean)
			ps := a.pump.Stats()
			snap := a.grid.Snapshot()
			slog.Info("app: stats",
				"fps_mean", fmt.Sprintf("%.2f", fps.FPSMean),
				"fps_stable", fps.Stable,
				"frames_delivered", ps.Delivered,
				"frames_dropped", ps.Dropped,
				"recording", len(a.recorder.Active()),
				"occupied_cells", snap.Occupied(),
				"next_cell", snap.Next,
				"budget_reserved_mb", a.budget.Reserved()>>20,
			)
		}
	}
}

// Shutdown tears components down in reverse dependency order: playback
// cells, recording sessions, graph, frame pump.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.isRunning {
		a.mu.Unlock()
		return nil
	}
	cancel := a.cancelRun
	loopDone := a.loopDone
	a.mu.Unlock()

	slog.Info("app: shutting down")
	cancel()
	select {
	case <-loopDone:
	case <-ctx.Done():
		return fmt.Errorf("app: run loop did not exit: %w", ctx.Err())
	}

	// 1. Playback cells
	a.grid.Close(ctx)

	// 2. Recording sessions
	a.recorder.Close()

	// 3. Graph Playing -> Ready -> Null
	if err := a.controller.Shutdown(); err != nil {
		slog.Error("app: graph shutdown failed", "error", err)
	}
	a.media.Close()

	// 4. Frame pump and live fan-out
	if a.stopPump != nil {
		a.stopPump()
		select {
		case <-a.pumpDone:
		case <-ctx.Done():
			slog.Warn("app: frame pump did not stop in time")
		}
	}
	a.live.Close()

	// Operator surfaces
	a.watcher.Stop()
	if a.control != nil {
		a.control.Stop()
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("app: health server shutdown failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("app: goroutines did not finish before shutdown timeout")
	}

	if a.emitter != nil {
		_ = a.emitter.Disconnect()
	}

	a.mu.Lock()
	uptime := time.Since(a.started)
	a.isRunning = false
	a.mu.Unlock()

	slog.Info("app: shutdown complete", "uptime", uptime)
	return nil
}
