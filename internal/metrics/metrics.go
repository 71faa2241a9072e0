// Package metrics holds the Prometheus instruments for loopgrid.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of loopgrid instruments registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	FramesTapped   prometheus.Counter
	FramesDropped  prometheus.Counter
	FramesRejected prometheus.Counter

	RecordingsCompleted prometheus.Counter
	RecordingsEmpty     prometheus.Counter
	RecordingOverflows  prometheus.Counter
	ActiveRecordings    prometheus.Gauge

	Placements     prometheus.Counter
	Evictions      prometheus.Counter
	AttachFailures prometheus.Counter
	OccupiedCells  prometheus.Gauge
	PlaceDuration  prometheus.Histogram

	PipelineErrors *prometheus.CounterVec
	Reconnects     prometheus.Counter
	CaptureFPS     prometheus.Gauge
}

// New registers every instrument on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FramesTapped: f.NewCounter(prometheus.CounterOpts{
			Name: "loopgrid_frames_tapped_total",
			Help: "Live frames received from the record tap",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "loopgrid_frames_dropped_total",
			Help: "Live frames dropped because the handoff queue was full",
		}),
		FramesRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "loopgrid_frames_rejected_total",
			Help: "Frames rejected by a recording buffer for format mismatch",
		}),

		RecordingsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "loopgrid_recordings_completed_total",
			Help: "Recordings frozen and handed to the grid",
		}),
		RecordingsEmpty: f.NewCounter(prometheus.CounterOpts{
			Name: "loopgrid_recordings_empty_total",
			Help: "Recordings discarded because no frame was captured",
		}),
		RecordingOverflows: f.NewCounter(prometheus.CounterOpts{
			Name: "loopgrid_recording_overflows_total",
			Help: "Frames overwritten in full recording buffers",
		}),
		ActiveRecordings: f.NewGauge(prometheus.GaugeOpts{
			Name: "loopgrid_recordings_active",
			Help: "Keys currently held down",
		}),

		Placements: f.NewCounter(prometheus.CounterOpts{
			Name: "loopgrid_grid_placements_total",
			Help: "Clips attached to a grid cell",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "loopgrid_grid_evictions_total",
			Help: "Clips removed from a grid cell",
		}),
		AttachFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "loopgrid_grid_attach_failures_total",
			Help: "Placements that failed to attach",
		}),
		OccupiedCells: f.NewGauge(prometheus.GaugeOpts{
			Name: "loopgrid_grid_occupied_cells",
			Help: "Playback cells currently showing a clip",
		}),
		PlaceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "loopgrid_grid_place_duration_seconds",
			Help:    "Time to evict and attach one clip",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		}),

		PipelineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loopgrid_pipeline_errors_total",
			Help: "Pipeline errors by category",
		}, []string{"category"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "loopgrid_pipeline_reconnects_total",
			Help: "Successful capture source reconnects",
		}),
		CaptureFPS: f.NewGauge(prometheus.GaugeOpts{
			Name: "loopgrid_capture_fps",
			Help: "Measured live capture frame rate",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
