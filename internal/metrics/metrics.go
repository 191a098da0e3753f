// Package metrics wires spec.md §4.8's Prometheus surface, reusing the
// teacher's registerWith/AlreadyRegisteredError-tolerant registration idiom
// (metrics.go) verbatim rather than reinventing it.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/upstreampool"
)

// Metrics holds every collector spec.md §4.8 names.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimitHits    *prometheus.CounterVec
	upstreamHealth   *prometheus.GaugeVec
}

// New builds an unregistered Metrics instance.
func New() *Metrics {
	return &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_requests_total",
			Help: "Total proxied requests by chain, layer, method, apiKeyHash and status.",
		}, []string{"chain", "layer", "method", "api_key_hash", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpc_request_duration_seconds",
			Help:    "Proxied request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain", "layer", "method"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Total requests rejected by the rate limiter, by kind (rps|daily) and apiKeyHash.",
		}, []string{"kind", "api_key_hash"}),
		upstreamHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "upstream_health",
			Help: "1 if the upstream endpoint is currently considered healthy, else 0.",
		}, []string{"chain", "layer", "url"}),
	}
}

var (
	globalMu         sync.Mutex
	global           *Metrics
	globalRegisterer prometheus.Registerer
	globalRefs       int
)

// Acquire returns a process-wide Metrics instance registered with reg (or
// the default registerer), matching the teacher's acquireGlobalMetrics
// ref-counting pattern so repeated calls (e.g. in tests) share one
// registration and unregister cleanly when the last caller releases it.
func Acquire(reg prometheus.Registerer) (*Metrics, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	if global == nil || globalRegisterer != reg {
		m := New()
		if err := m.registerWith(reg); err != nil {
			return nil, err
		}
		global = m
		globalRegisterer = reg
	}

	globalRefs++
	return global, nil
}

// Release decrements the reference count, unregistering once it hits zero.
func Release() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalRefs > 0 {
		globalRefs--
	}
	if globalRefs == 0 && global != nil {
		global.unregisterFrom(globalRegisterer)
		global = nil
		globalRegisterer = nil
	}
}

func (m *Metrics) registerWith(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.requestDuration,
		m.rateLimitHits,
		m.upstreamHealth,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

func (m *Metrics) unregisterFrom(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.Unregister(m.requestsTotal)
	reg.Unregister(m.requestDuration)
	reg.Unregister(m.rateLimitHits)
	reg.Unregister(m.upstreamHealth)
}

// ObserveRequest records a completed proxy call, per spec.md §4.8.
func (m *Metrics) ObserveRequest(chain, layer, method, apiKeyHash, status string, seconds float64) {
	m.requestsTotal.WithLabelValues(chain, layer, method, apiKeyHash, status).Inc()
	m.requestDuration.WithLabelValues(chain, layer, method).Observe(seconds)
}

// RecordRateLimitHit increments the rate-limit-rejection counter.
func (m *Metrics) RecordRateLimitHit(kind, apiKeyHash string) {
	m.rateLimitHits.WithLabelValues(kind, apiKeyHash).Inc()
}

// SetUpstreamHealth implements healthprobe.HealthGauge.
func (m *Metrics) SetUpstreamHealth(chain string, layer upstreampool.Layer, url string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.upstreamHealth.WithLabelValues(chain, string(layer), url).Set(v)
}
