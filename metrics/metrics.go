// Package metrics holds the Prometheus collectors shared by the gateway
// components. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dbgate"

// Metrics groups the gateway's collectors.
type Metrics struct {
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions *prometheus.CounterVec
	cacheEntries   prometheus.Gauge

	sessions     prometheus.Gauge
	authFailures prometheus.Counter

	swaps     *prometheus.CounterVec
	connected prometheus.Gauge

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered (for example after a config reload) are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Result cache lookups that returned a live entry.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Result cache lookups that found nothing or an expired entry.",
		}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Entries removed from the result cache, by reason.",
		}, []string{"reason"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Entries currently held by the result cache.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "live",
			Help: "Live sessions.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "auth_failures_total",
			Help: "Rejected authentication attempts.",
		}),
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "swaps_total",
			Help: "Connection replacements, by result.",
		}, []string{"result"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connection", Name: "connected",
			Help: "1 when a live connection is published.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "operations_total",
			Help: "Gateway operations, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "operation_duration_seconds",
			Help:    "Gateway operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	if reg == nil {
		return m
	}
	m.cacheHits = register(reg, m.cacheHits)
	m.cacheMisses = register(reg, m.cacheMisses)
	m.cacheEvictions = register(reg, m.cacheEvictions)
	m.cacheEntries = register(reg, m.cacheEntries)
	m.sessions = register(reg, m.sessions)
	m.authFailures = register(reg, m.authFailures)
	m.swaps = register(reg, m.swaps)
	m.connected = register(reg, m.connected)
	m.operations = register(reg, m.operations)
	m.operationDuration = register(reg, m.operationDuration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// CacheHit records a cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss records a cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// CacheEvicted records n entries removed for reason
// ("capacity", "expired", "invalidated").
func (m *Metrics) CacheEvicted(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.WithLabelValues(reason).Add(float64(n))
}

// CacheSize records the current number of cache entries.
func (m *Metrics) CacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

// Sessions records the current number of live sessions.
func (m *Metrics) Sessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

// AuthFailure records a rejected authentication attempt.
func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// Swap records a connection replacement attempt.
func (m *Metrics) Swap(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.swaps.WithLabelValues(result).Inc()
}

// Connected records whether a live connection is published.
func (m *Metrics) Connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// ObserveOperation records one gateway operation.
func (m *Metrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}
