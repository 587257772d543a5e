package main

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/montanaflynn/stats"
	"github.com/prometheus/client_golang/prometheus"
)

// opSummary is the latency report of one operation kind. Latencies are in milliseconds.
type opSummary struct {
	Op     string  `json:"op"`
	Count  int     `json:"count"`
	Errors int     `json:"errors"`
	OPS    float64 `json:"ops"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	Max    float64 `json:"max"`
}

type measurement struct {
	start   time.Time
	latency *prometheus.HistogramVec
	errs    *prometheus.CounterVec

	mu        sync.Mutex
	latencies map[string][]float64
	errors    map[string]int
	bytes     int64
}

func newMeasurement(reg prometheus.Registerer) *measurement {
	m := &measurement{
		start:     time.Now(),
		latencies: make(map[string][]float64),
		errors:    make(map[string]int),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tinytxn",
				Subsystem: "bench",
				Name:      "op_duration_seconds",
				Help:      "Bucketed histogram of benchmark operation latency.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 20),
			}, []string{"op"}),
		errs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tinytxn",
				Subsystem: "bench",
				Name:      "op_errors_total",
				Help:      "Counter of failed benchmark operations.",
			}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.latency, m.errs)
	}
	return m
}

func (m *measurement) measure(op string, start time.Time, err error, bytes int) {
	d := time.Since(start)
	m.latency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.errs.WithLabelValues(op).Inc()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[op] = append(m.latencies[op], float64(d)/float64(time.Millisecond))
	if err != nil {
		m.errors[op]++
	}
	m.bytes += int64(bytes)
}

// reset restarts the clock of the measurement. Recorded samples are kept.
func (m *measurement) reset() {
	m.mu.Lock()
	m.start = time.Now()
	m.mu.Unlock()
}

func (m *measurement) summary() []opSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := time.Since(m.start).Seconds()
	ops := make([]string, 0, len(m.latencies))
	for op := range m.latencies {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	summaries := make([]opSummary, 0, len(ops))
	for _, op := range ops {
		data := stats.Float64Data(m.latencies[op])
		s := opSummary{Op: op, Count: len(data), Errors: m.errors[op]}
		if elapsed > 0 {
			s.OPS = float64(len(data)) / elapsed
		}
		s.Avg, _ = data.Mean()
		s.P50, _ = data.Percentile(50)
		s.P95, _ = data.Percentile(95)
		s.P99, _ = data.Percentile(99)
		s.Max, _ = data.Max()
		summaries = append(summaries, s)
	}
	return summaries
}

func (m *measurement) output(w io.Writer) {
	m.mu.Lock()
	took := time.Since(m.start)
	m.mu.Unlock()
	for _, s := range m.summary() {
		fmt.Fprintf(w, "%-8s - Takes: %s, Count: %d, Errors: %d, OPS: %.1f, Avg(ms): %.3f, P50(ms): %.3f, P95(ms): %.3f, P99(ms): %.3f, Max(ms): %.3f\n",
			s.Op, units.HumanDuration(took), s.Count, s.Errors, s.OPS, s.Avg, s.P50, s.P95, s.P99, s.Max)
	}
	m.mu.Lock()
	written := m.bytes
	m.mu.Unlock()
	fmt.Fprintf(w, "Written: %s\n", units.HumanSize(float64(written)))
}
