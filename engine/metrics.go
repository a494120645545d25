package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus-compatible instrumentation for one engine
// instance. All metrics are namespaced "workflow_engine_".
//
//   - inflight_steps (gauge): steps currently executing, label run_id.
//   - batch_size (histogram): number of steps dispatched per level batch.
//   - step_duration_ms (histogram): step wall-clock duration, labels
//     step_id, status.
//   - step_retries_total (counter): retry attempts, labels step_id, reason.
//   - steps_skipped_total (counter): fingerprint-hit skips, label step_id.
//   - runs_finalized_total (counter): terminal runs, label status.
type Metrics struct {
	inflightSteps *prometheus.GaugeVec
	batchSize     prometheus.Histogram
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	stepsSkipped  *prometheus.CounterVec
	runsFinalized *prometheus.CounterVec

	mu      sync.Mutex
	started map[string]time.Time // "run_id/step_id" -> start time, for duration bookkeeping
}

// NewMetrics registers every engine metric with registry and returns a
// ready-to-use Metrics. Pass prometheus.DefaultRegisterer for the global
// registry, or a fresh prometheus.NewRegistry() in tests.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		inflightSteps: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "workflow_engine",
			Name:      "inflight_steps",
			Help:      "Steps currently executing, by run.",
		}, []string{"run_id"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "workflow_engine",
			Name:      "batch_size",
			Help:      "Number of steps dispatched per level batch.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workflow_engine",
			Name:      "step_duration_ms",
			Help:      "Step wall-clock duration in milliseconds.",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"step_id", "status"}),
		stepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow_engine",
			Name:      "step_retries_total",
			Help:      "Cumulative retry attempts.",
		}, []string{"step_id", "reason"}),
		stepsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow_engine",
			Name:      "steps_skipped_total",
			Help:      "Steps skipped due to a fingerprint hit.",
		}, []string{"step_id"}),
		runsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow_engine",
			Name:      "runs_finalized_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		started: make(map[string]time.Time),
	}
}

// StepStarted records a step entering execution.
func (m *Metrics) StepStarted(runID, stepID string) {
	if m == nil {
		return
	}
	m.inflightSteps.WithLabelValues(runID).Inc()
	m.mu.Lock()
	m.started[runID+"/"+stepID] = time.Now()
	m.mu.Unlock()
}

// StepFinished records a step leaving execution with its terminal status.
func (m *Metrics) StepFinished(runID, stepID string, status StepStatus) {
	if m == nil {
		return
	}
	m.inflightSteps.WithLabelValues(runID).Dec()

	key := runID + "/" + stepID
	m.mu.Lock()
	start, ok := m.started[key]
	delete(m.started, key)
	m.mu.Unlock()
	if ok {
		m.stepDuration.WithLabelValues(stepID, string(status)).Observe(float64(time.Since(start).Milliseconds()))
	}
}

// StepRetried records one retry attempt.
func (m *Metrics) StepRetried(stepID string, reason ErrorCode) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(stepID, string(reason)).Inc()
}

// StepSkipped records a fingerprint-hit skip.
func (m *Metrics) StepSkipped(stepID string) {
	if m == nil {
		return
	}
	m.stepsSkipped.WithLabelValues(stepID).Inc()
}

// BatchDispatched records the size of a dispatched level batch.
func (m *Metrics) BatchDispatched(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}

// RunFinalized records a run reaching a terminal status.
func (m *Metrics) RunFinalized(status RunStatus) {
	if m == nil {
		return
	}
	m.runsFinalized.WithLabelValues(string(status)).Inc()
}
