package transaction

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Metrics counts handler activity. One instance is shared by every handler a session factory creates; it is
// owned by whoever constructs it rather than by the package.
type Metrics struct {
	created     prometheus.Counter
	runs        *prometheus.CounterVec
	executes    *prometheus.CounterVec
	commits     prometheus.Counter
	rollbacks   prometheus.Counter
	scanRetries prometheus.Counter
}

// NewMetrics creates the handler counters and registers them on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tinytxn",
				Subsystem: "handler",
				Name:      "created_total",
				Help:      "Counter of transaction handlers created.",
			}),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tinytxn",
				Subsystem: "handler",
				Name:      "engine_runs_total",
				Help:      "Counter of engine execute calls by execution path.",
			}, []string{"path"}),
		executes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tinytxn",
				Subsystem: "handler",
				Name:      "executes_total",
				Help:      "Counter of non-empty execute calls by execution mode.",
			}, []string{"mode"}),
		commits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tinytxn",
				Subsystem: "handler",
				Name:      "commits_total",
				Help:      "Counter of explicit commits.",
			}),
		rollbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tinytxn",
				Subsystem: "handler",
				Name:      "rollbacks_total",
				Help:      "Counter of explicit rollbacks.",
			}),
		scanRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tinytxn",
				Subsystem: "handler",
				Name:      "scan_retries_total",
				Help:      "Counter of scans restarted after a fetch timeout.",
			}),
	}
	if reg != nil {
		reg.MustRegister(m.created, m.runs, m.executes, m.commits, m.rollbacks, m.scanRetries)
	}
	return m
}

func (m *Metrics) runAsync() {
	m.runs.WithLabelValues("async").Inc()
}

func (m *Metrics) runSync() {
	m.runs.WithLabelValues("sync").Inc()
}

func (m *Metrics) executed(mode ExecMode) {
	m.executes.WithLabelValues(mode.String()).Inc()
}

// IDGenerator hands out handler serial numbers.
type IDGenerator interface {
	NextID() uint64
}

// SerialGenerator is an IDGenerator counting up from 1.
type SerialGenerator struct {
	serial *atomic.Uint64
}

func NewSerialGenerator() *SerialGenerator {
	return &SerialGenerator{serial: atomic.NewUint64(0)}
}

func (g *SerialGenerator) NextID() uint64 {
	return g.serial.Inc()
}

func moniker(id uint64) string {
	return fmt.Sprintf("(%d)", id)
}
