// Package metrics exposes Prometheus collectors for scan outcomes and hardware
// command latency on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bloom/internal/faults"
)

const namespace = "bloom"

// Recorder owns the collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry        *prometheus.Registry
	scans           *prometheus.CounterVec
	frames          prometheus.Counter
	scanDuration    prometheus.Histogram
	commandDuration *prometheus.HistogramVec
	commandFailures *prometheus.CounterVec
	activeScans     prometheus.Gauge
}

// New registers the scanner collectors plus the Go runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scan sessions by terminal outcome.",
		}, []string{"outcome"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Frames captured across all sessions, including sessions later discarded.",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time from session start to terminal state.",
			Buckets:   []float64{5, 15, 30, 60, 120, 240, 480},
		}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hardware_command_duration_seconds",
			Help:      "Round-trip time of hardware worker commands.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"command"}),
		commandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hardware_command_failures_total",
			Help:      "Failed hardware worker commands by failure kind.",
		}, []string{"command", "reason"}),
		activeScans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_scans",
			Help:      "1 while a scan session is running on this rig.",
		}),
	}
	r.registry.MustRegister(
		r.scans,
		r.frames,
		r.scanDuration,
		r.commandDuration,
		r.commandFailures,
		r.activeScans,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the underlying registry for tests and custom exporters.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveCommand records one hardware command round trip.
func (r *Recorder) ObserveCommand(command string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	r.commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
	if err != nil {
		r.commandFailures.WithLabelValues(command, string(faults.KindOf(err))).Inc()
	}
}

// FrameCaptured counts one captured frame.
func (r *Recorder) FrameCaptured() {
	if r == nil {
		return
	}
	r.frames.Inc()
}

// ScanStarted marks the rig busy.
func (r *Recorder) ScanStarted() {
	if r == nil {
		return
	}
	r.activeScans.Set(1)
}

// ScanFinished records a terminal outcome and clears the busy gauge.
func (r *Recorder) ScanFinished(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.activeScans.Set(0)
	r.scans.WithLabelValues(outcome).Inc()
	r.scanDuration.Observe(elapsed.Seconds())
}
