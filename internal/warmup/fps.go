// Package warmup measures the live capture rate.
//
// The Monitor keeps a sliding window of frame arrival times. Its statistics
// feed the health report and, once the stream is stable, the nominal frame
// interval given to new clip buffers.
package warmup

import (
	"math"
	"sync"
	"time"
)

const (
	// A stream is stable when the FPS standard deviation stays under 15% of
	// the mean and mean jitter under 20% of the expected interval.
	fpsStabilityThreshold    = 0.15
	jitterStabilityThreshold = 0.20

	minStableFrames = 10
)

// Stats summarises frame arrival over a window.
type Stats struct {
	Frames       int           `json:"frames" msgpack:"frames"`
	Window       time.Duration `json:"window" msgpack:"window"`
	FPSMean      float64       `json:"fps_mean" msgpack:"fps_mean"`
	FPSStdDev    float64       `json:"fps_stddev" msgpack:"fps_stddev"`
	FPSMin       float64       `json:"fps_min" msgpack:"fps_min"`
	FPSMax       float64       `json:"fps_max" msgpack:"fps_max"`
	JitterMean   float64       `json:"jitter_mean_s" msgpack:"jitter_mean_s"`
	JitterStdDev float64       `json:"jitter_stddev_s" msgpack:"jitter_stddev_s"`
	JitterMax    float64       `json:"jitter_max_s" msgpack:"jitter_max_s"`
	Stable       bool          `json:"stable" msgpack:"stable"`
}

// Interval returns the mean frame interval, or 0 if unknown.
func (s Stats) Interval() time.Duration {
	if s.FPSMean <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / s.FPSMean)
}

// Calculate computes statistics from ordered arrival times spanning window.
func Calculate(times []time.Time, window time.Duration) Stats {
	st := Stats{Frames: len(times), Window: window}
	if len(times) == 0 || window <= 0 {
		return st
	}
	st.FPSMean = float64(len(times)) / window.Seconds()

	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		if d := times[i].Sub(times[i-1]).Seconds(); d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return st
	}

	instant := make([]float64, len(intervals))
	for i, d := range intervals {
		instant[i] = 1 / d
	}
	st.FPSMin, st.FPSMax = minMax(instant)
	st.FPSStdDev = stddevAround(instant, st.FPSMean)

	expected := 1 / st.FPSMean
	jitter := make([]float64, len(intervals))
	for i, d := range intervals {
		jitter[i] = math.Abs(d - expected)
	}
	st.JitterMean = mean(jitter)
	st.JitterStdDev = stddevAround(jitter, st.JitterMean)
	_, st.JitterMax = minMax(jitter)

	st.Stable = len(times) >= minStableFrames &&
		st.FPSStdDev < st.FPSMean*fpsStabilityThreshold &&
		st.JitterMean < expected*jitterStabilityThreshold
	return st
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddevAround(xs []float64, m float64) float64 {
	var sq float64
	for _, x := range xs {
		sq += (x - m) * (x - m)
	}
	return math.Sqrt(sq / float64(len(xs)))
}

func minMax(xs []float64) (lo, hi float64) {
	lo, hi = xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

// Monitor records arrival times in a fixed-size window.
type Monitor struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	full  bool
	now   func() time.Time
}

// NewMonitor keeps the last size arrivals.
func NewMonitor(size int) *Monitor {
	if size < 2 {
		size = 2
	}
	return &Monitor{times: make([]time.Time, size), now: time.Now}
}

// Observe records a frame arrival.
func (m *Monitor) Observe() {
	t := m.now()
	m.mu.Lock()
	m.times[m.next] = t
	m.next = (m.next + 1) % len(m.times)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
}

// Stats computes statistics over the current window.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	var ordered []time.Time
	if m.full {
		ordered = append(ordered, m.times[m.next:]...)
		ordered = append(ordered, m.times[:m.next]...)
	} else {
		ordered = append(ordered, m.times[:m.next]...)
	}
	m.mu.Unlock()

	if len(ordered) < 2 {
		return Stats{Frames: len(ordered)}
	}
	// n arrivals span n-1 intervals; extend by one mean interval so the
	// rate counts every frame
	span := ordered[len(ordered)-1].Sub(ordered[0])
	window := span + span/time.Duration(len(ordered)-1)
	return Calculate(ordered, window)
}

// Interval returns the measured frame interval when the stream is stable,
// otherwise fallback.
func (m *Monitor) Interval(fallback time.Duration) time.Duration {
	st := m.Stats()
	if !st.Stable {
		return fallback
	}
	return st.Interval()
}
