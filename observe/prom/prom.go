// Package prom implements kernel.Instrument with real Prometheus metrics.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nursery-run/nursery/kernel"
)

// Metrics is a kernel.Instrument that exports scheduler activity as
// Prometheus collectors: task lifecycle counters plus histograms for task
// step duration and I/O wait duration.
type Metrics struct {
	tasksSpawned prometheus.Counter
	tasksExited  prometheus.Counter
	tasksActive  prometheus.Gauge

	runs prometheus.Counter

	taskStepSeconds prometheus.Histogram
	ioWaitSeconds   prometheus.Histogram

	stepStart   map[*kernel.Task]time.Time
	ioWaitStart time.Time
}

// New registers and returns a Metrics collector set on reg. Pass
// prometheus.DefaultRegisterer to use the global registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nursery",
			Name:      "tasks_spawned_total",
			Help:      "Total tasks spawned.",
		}),
		tasksExited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nursery",
			Name:      "tasks_exited_total",
			Help:      "Total tasks that have exited.",
		}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nursery",
			Name:      "tasks_active",
			Help:      "Tasks currently spawned but not yet exited.",
		}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nursery",
			Name:      "runs_total",
			Help:      "Total kernel.Run invocations instrumented.",
		}),
		taskStepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nursery",
			Name:      "task_step_seconds",
			Help:      "Wall time a single task step ran for before yielding.",
			Buckets:   prometheus.DefBuckets,
		}),
		ioWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nursery",
			Name:      "io_wait_seconds",
			Help:      "Time the run loop spent blocked in the readiness backend's Poll.",
			Buckets:   prometheus.DefBuckets,
		}),
		stepStart: make(map[*kernel.Task]time.Time),
	}
	reg.MustRegister(
		m.tasksSpawned, m.tasksExited, m.tasksActive, m.runs,
		m.taskStepSeconds, m.ioWaitSeconds,
	)
	return m
}

func (m *Metrics) BeforeRun() { m.runs.Inc() }
func (m *Metrics) AfterRun()  {}

func (m *Metrics) TaskSpawned(t *kernel.Task) {
	m.tasksSpawned.Inc()
	m.tasksActive.Inc()
}

func (m *Metrics) TaskScheduled(t *kernel.Task) {}

func (m *Metrics) BeforeTaskStep(t *kernel.Task) {
	m.stepStart[t] = time.Now()
}

func (m *Metrics) AfterTaskStep(t *kernel.Task) {
	if start, ok := m.stepStart[t]; ok {
		m.taskStepSeconds.Observe(time.Since(start).Seconds())
		delete(m.stepStart, t)
	}
}

func (m *Metrics) TaskExited(t *kernel.Task) {
	m.tasksExited.Inc()
	m.tasksActive.Dec()
}

func (m *Metrics) BeforeIOWait(timeout time.Duration) {
	m.ioWaitStart = time.Now()
}

func (m *Metrics) AfterIOWait(timeout time.Duration) {
	m.ioWaitSeconds.Observe(time.Since(m.ioWaitStart).Seconds())
}

var _ kernel.Instrument = (*Metrics)(nil)
