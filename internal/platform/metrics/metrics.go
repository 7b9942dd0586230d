// Package metrics records run and remote-call metrics on a private prometheus
// registry that can be written to a node_exporter textfile at the end of a
// run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Recorder holds the seeder's collectors.
type Recorder struct {
	registry        *prometheus.Registry
	Workflows       *prometheus.CounterVec
	InFlight        prometheus.Gauge
	RemoteRequests  *prometheus.CounterVec
	RemoteLatency   *prometheus.HistogramVec
	WorkflowLatency prometheus.Histogram
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		Workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker_seeder",
			Name:      "workflows_total",
			Help:      "Record workflows by mode and outcome.",
		}, []string{"mode", "outcome"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tracker_seeder",
			Name:      "workflows_in_flight",
			Help:      "Workflows currently holding a concurrency slot.",
		}),
		RemoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker_seeder",
			Name:      "remote_requests_total",
			Help:      "Platform API requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		RemoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tracker_seeder",
			Name:      "remote_request_duration_seconds",
			Help:      "Platform API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		WorkflowLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tracker_seeder",
			Name:      "workflow_duration_seconds",
			Help:      "Wall time of a single record workflow.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	r.registry.MustRegister(r.Workflows, r.InFlight, r.RemoteRequests, r.RemoteLatency, r.WorkflowLatency)
	return r
}

// ObserveRequest implements trackerapi.Observer.
func (r *Recorder) ObserveRequest(operation string, elapsed time.Duration, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	r.RemoteRequests.WithLabelValues(operation, outcome).Inc()
	r.RemoteLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// WorkflowStarted marks a workflow as holding a concurrency slot.
func (r *Recorder) WorkflowStarted() {
	r.InFlight.Inc()
}

// WorkflowFinished releases the slot and records the workflow outcome.
func (r *Recorder) WorkflowFinished(mode string, elapsed time.Duration, err error) {
	r.InFlight.Dec()
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	r.Workflows.WithLabelValues(mode, outcome).Inc()
	r.WorkflowLatency.Observe(elapsed.Seconds())
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// WriteTextfile writes all metrics to path in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
