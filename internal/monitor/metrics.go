package monitor

import (
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading-router/internal/audit"
	"trading-router/internal/gateway"
	"trading-router/internal/mode"
	"trading-router/pkg/exchanges/common"
)

// Metrics exposes router and execution telemetry in Prometheus format and
// keeps a small in-process latency window for the health endpoint.
//
//   - router_attempts_total{provider,op,result}
//   - router_latency_seconds{provider,op}
//   - execute_total{mode,op,outcome}
//   - execute_latency_seconds{mode}
//   - provider_health{provider}   1 healthy, 0 unhealthy, -1 unknown
//   - audit_write_failures_total
//   - ledger_faults_total
//   - security_events_total
//
// Each Metrics owns its registry so tests can build as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	attempts       *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	executions     *prometheus.CounterVec
	execLatency    *prometheus.HistogramVec
	providerHealth *prometheus.GaugeVec
	auditFailures  prometheus.Counter
	ledgerFaults   prometheus.Counter
	security       prometheus.Counter

	ExecuteLatency *LatencyHistogram
	RouterLatency  *LatencyHistogram

	executed uint64
	denied   uint64
	failed   uint64
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_attempts_total",
			Help: "Provider calls made by the router, by result",
		}, []string{"provider", "op", "result"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_latency_seconds",
			Help:    "Provider call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execute_total",
			Help: "Execution requests by mode and outcome",
		}, []string{"mode", "op", "outcome"}),
		execLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "execute_latency_seconds",
			Help:    "End to end execution latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		providerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "provider_health",
			Help: "Provider health: 1 healthy, 0 unhealthy, -1 unknown",
		}, []string{"provider"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit records that could not be written to the store",
		}),
		ledgerFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_faults_total",
			Help: "Virtual accounts latched by a reconciliation fault",
		}),
		security: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "security_events_total",
			Help: "Requests rejected for an invalid mode context",
		}),
		ExecuteLatency: NewLatencyHistogram(1000),
		RouterLatency:  NewLatencyHistogram(1000),
	}
	m.reg.MustRegister(
		m.attempts, m.attemptLatency, m.executions, m.execLatency,
		m.providerHealth, m.auditFailures, m.ledgerFaults, m.security,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveAttempt implements router.Observer.
func (m *Metrics) ObserveAttempt(provider string, op common.Operation, result string, latency time.Duration) {
	m.attempts.WithLabelValues(provider, string(op), result).Inc()
	if result == "throttled" {
		return
	}
	m.attemptLatency.WithLabelValues(provider, string(op)).Observe(latency.Seconds())
	m.RouterLatency.RecordDuration(latency)
}

// ObserveExecution implements execution.Observer.
func (m *Metrics) ObserveExecution(md mode.Mode, op common.Operation, outcome audit.Outcome, latency time.Duration) {
	label := string(md)
	if label == "" {
		label = "NONE"
	}
	m.executions.WithLabelValues(label, string(op), string(outcome)).Inc()
	m.execLatency.WithLabelValues(label).Observe(latency.Seconds())
	m.ExecuteLatency.RecordDuration(latency)
	switch outcome {
	case audit.OutcomeExecuted:
		atomic.AddUint64(&m.executed, 1)
	case audit.OutcomeDenied:
		atomic.AddUint64(&m.denied, 1)
	default:
		atomic.AddUint64(&m.failed, 1)
	}
}

// SetProviderHealth records the latest probe verdict for a provider.
func (m *Metrics) SetProviderHealth(provider string, status gateway.Status) {
	v := -1.0
	switch status {
	case gateway.StatusHealthy:
		v = 1
	case gateway.StatusUnhealthy:
		v = 0
	}
	m.providerHealth.WithLabelValues(provider).Set(v)
}

func (m *Metrics) IncAuditFailure() { m.auditFailures.Inc() }
func (m *Metrics) IncLedgerFault()  { m.ledgerFaults.Inc() }
func (m *Metrics) IncSecurity()     { m.security.Inc() }

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Snapshot is the health endpoint view of the process.
type Snapshot struct {
	ExecuteLatency LatencyStats `json:"execute_latency"`
	RouterLatency  LatencyStats `json:"router_latency"`
	Executed       uint64       `json:"executed"`
	Denied         uint64       `json:"denied"`
	Failed         uint64       `json:"failed"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	Timestamp      time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Snapshot{
		ExecuteLatency: m.ExecuteLatency.Stats(),
		RouterLatency:  m.RouterLatency.Stats(),
		Executed:       atomic.LoadUint64(&m.executed),
		Denied:         atomic.LoadUint64(&m.denied),
		Failed:         atomic.LoadUint64(&m.failed),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      mem.HeapAlloc,
		Timestamp:      time.Now(),
	}
}
