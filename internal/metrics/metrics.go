// Package metrics times build and cluster steps and writes the result in the
// node-exporter textfile format when the process finishes.
package metrics

import (
	"strings"
	"time"

	"boxforge/internal/failure"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects step timings and operation outcomes. A nil Recorder
// records nothing.
type Recorder struct {
	registry     *prometheus.Registry
	stepDuration *prometheus.GaugeVec
	operations   *prometheus.CounterVec
	path         string
}

// NewRecorder returns a recorder that Flush writes to path. An empty path
// keeps the metrics in memory.
func NewRecorder(path string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stepDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "boxforge",
				Name:      "step_duration_seconds",
				Help:      "Duration of the last run of a build or cluster step in seconds",
			},
			[]string{"op", "step"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "boxforge",
				Name:      "operations_total",
				Help:      "Total number of operations by result",
			},
			[]string{"op", "result"},
		),
		path: path,
	}
	r.registry.MustRegister(r.stepDuration, r.operations)
	return r
}

// Time starts timing step of op; call the returned func when it ends.
func (r *Recorder) Time(op, step string) func() {
	if r == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		r.stepDuration.WithLabelValues(op, step).Set(time.Since(start).Seconds())
	}
}

// Done counts one finished op, labelled with the kind of err.
func (r *Recorder) Done(op string, err error) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(op, Result(err)).Inc()
}

// Result maps an operation error to a metric label value.
func Result(err error) string {
	if err == nil {
		return "success"
	}
	if kind := failure.KindOf(err); kind != "" {
		return strings.ReplaceAll(string(kind), " ", "_")
	}
	return "error"
}

// Flush writes every metric to the textfile, if one is configured.
func (r *Recorder) Flush() error {
	if r == nil || r.path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(r.path, r.registry)
}
