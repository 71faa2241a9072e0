package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/e7canasta/loopgrid/internal/grid"
	"github.com/e7canasta/loopgrid/internal/handoff"
	"github.com/e7canasta/loopgrid/internal/pipeline"
	"github.com/e7canasta/loopgrid/internal/warmup"
)

// RecordingView is one key's recording state.
type RecordingView struct {
	Key        int     `json:"key" msgpack:"key"`
	State      string  `json:"state" msgpack:"state"`
	ClipID     string  `json:"clip_id,omitempty" msgpack:"clip_id,omitempty"`
	Frames     int     `json:"frames" msgpack:"frames"`
	Overflows  uint64  `json:"overflows" msgpack:"overflows"`
	Mismatches uint64  `json:"mismatches" msgpack:"mismatches"`
	ElapsedS   float64 `json:"elapsed_s" msgpack:"elapsed_s"`
}

// Status is the service health document served on /healthz and published
// on the MQTT health topic.
type Status struct {
	Status        string            `json:"status" msgpack:"status"` // "healthy", "degraded", "unhealthy"
	InstanceID    string            `json:"instance_id" msgpack:"instance_id"`
	UptimeSeconds int64             `json:"uptime_seconds" msgpack:"uptime_seconds"`
	Pipeline      pipeline.Stats    `json:"pipeline" msgpack:"pipeline"`
	Capture       warmup.Stats      `json:"capture" msgpack:"capture"`
	Handoff       handoff.PumpStats `json:"handoff" msgpack:"handoff"`
	Recordings    []RecordingView   `json:"recordings" msgpack:"recordings"`
	Grid          *grid.Snapshot    `json:"grid" msgpack:"grid"`
	BudgetMB      int64             `json:"budget_reserved_mb" msgpack:"budget_reserved_mb"`
	MQTTConnected bool              `json:"mqtt_connected" msgpack:"mqtt_connected"`
}

// Status collects a health document. Safe from any goroutine.
func (a *App) Status() Status {
	a.mu.RLock()
	running := a.isRunning
	started := a.started
	a.mu.RUnlock()

	st := Status{
		Status:     "healthy",
		InstanceID: a.cfg.InstanceID,
		Pipeline:   a.controller.Stats(),
		Capture:    a.monitor.Stats(),
		Handoff:    a.pump.Stats(),
		Grid:       a.grid.Snapshot(),
		BudgetMB:   a.budget.Reserved() >> 20,
	}
	if running {
		st.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	for _, s := range a.recorder.Status() {
		st.Recordings = append(st.Recordings, RecordingView{
			Key:        s.Key,
			State:      s.State.String(),
			ClipID:     s.ClipID,
			Frames:     s.Frames,
			Overflows:  s.Overflows,
			Mismatches: s.Mismatches,
			ElapsedS:   s.Elapsed.Seconds(),
		})
	}
	if a.emitter != nil {
		st.MQTTConnected = a.emitter.Stats().Connected
	}

	switch {
	case !running:
		st.Status = "unhealthy"
	case st.Pipeline.State != pipeline.StatePlaying.String():
		st.Status = "degraded"
	case a.emitter != nil && !st.MQTTConnected:
		st.Status = "degraded"
	}
	return st
}

// statusMap renders Status for the control plane response.
func (a *App) statusMap() map[string]interface{} {
	var out map[string]interface{}
	data, err := json.Marshal(a.Status())
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	return out
}

// HealthHandler serves /healthz.
func (a *App) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	st := a.Status()
	code := http.StatusOK
	if st.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(st); err != nil {
		slog.Debug("app: health response write failed", "error", err)
	}
}

// Routes returns the health mux.
func (a *App) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.HealthHandler)
	mux.Handle("/metrics", a.metrics.Handler())
	return mux
}

// StartHealthServer listens on health.listen. An empty address disables it.
func (a *App) StartHealthServer() error {
	addr := a.cfg.Health.Listen
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: health server listen %s: %w", addr, err)
	}

	a.server = &http.Server{
		Handler:      a.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("app: starting health server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/healthz", "/metrics"},
	)

	go func() {
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("app: health server failed", "error", err)
		}
	}()
	return nil
}
