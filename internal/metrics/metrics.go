package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	BatchAdmission = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "batch_admission_total", Help: "Batch submission results."},
		[]string{"result"}, // accepted | insufficient_quota | no_sessions | error
	)

	// Dispatch engine
	BatchesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dispatch_batches_inflight", Help: "Batches currently being processed."},
	)
	BatchFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_batch_finalized_total", Help: "Batch terminal statuses."},
		[]string{"status"}, // completed | partially_completed | failed
	)
	ItemOutcome = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_item_outcome_total", Help: "Per-recipient terminal outcomes."},
		[]string{"outcome"}, // sent | transport_exhausted | allowance_expired | storage_error | shutdown
	)
	ItemAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_item_attempts",
			Help:    "Send attempts consumed per item.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)
	TransportSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "transport_send_total", Help: "Transport send outcomes."},
		[]string{"outcome"}, // ok | error
	)
	TransportSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transport_send_duration_seconds",
			Help:    "Transport send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	QuotaDecrement = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quota_decrement_total", Help: "Ledger decrement results."},
		[]string{"result"}, // ok | no_allowance | error
	)
	AllowancesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "allowances_expired_total", Help: "Allowances expired by the janitor."},
	)
)

// Register default + our collectors
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration, BatchAdmission,
		BatchesInFlight, BatchFinalized, ItemOutcome, ItemAttempts,
		TransportSendTotal, TransportSendDuration, QuotaDecrement, AllowancesExpired,
	)
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Add(float64(s.AcquireCount()))
			m.acquireLatency.Add(s.AcquireDuration().Seconds())
		}
	}
}
