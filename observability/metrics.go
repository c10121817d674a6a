package observability

import (
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics records the activity of the hosted lending service.
type LendingMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
	market    *prometheus.GaugeVec
	health    *prometheus.HistogramVec
}

var (
	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// Lending returns the lazily-initialised metrics registered with the default
// Prometheus registerer.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = NewLendingMetrics(prometheus.DefaultRegisterer)
	})
	return lendingRegistry
}

// NewLendingMetrics builds the collectors and registers them with reg. A nil
// registerer leaves the collectors unregistered, which tests use to inspect
// values without touching global state.
func NewLendingMetrics(reg prometheus.Registerer) *LendingMetrics {
	m := &LendingMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lending",
			Subsystem: "engine",
			Name:      "requests_total",
			Help:      "Total lending operations segmented by action and outcome.",
		}, []string{"action", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lending",
			Subsystem: "engine",
			Name:      "errors_total",
			Help:      "Total failed lending operations segmented by action, error kind and code.",
		}, []string{"action", "kind", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lending",
			Subsystem: "engine",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for lending operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lending",
			Subsystem: "service",
			Name:      "throttles_total",
			Help:      "Count of requests rejected by rate limits or quotas.",
		}, []string{"reason"}),
		market: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lending",
			Subsystem: "market",
			Name:      "totals",
			Help:      "Market aggregates in whole token units, segmented by asset and field.",
		}, []string{"asset", "field"}),
		health: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lending",
			Subsystem: "liquidation",
			Name:      "health_factor",
			Help:      "Borrower health factor (as a ratio) observed at liquidation time.",
			Buckets:   []float64{0.5, 0.8, 0.9, 0.95, 0.99, 1},
		}, []string{"asset"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.errors, m.latency, m.throttles, m.market, m.health)
	}
	return m
}

// Observe records the outcome of one operation. kind and code are empty on
// success.
func (m *LendingMetrics) Observe(action, kind, code string, duration time.Duration) {
	if m == nil {
		return
	}
	action = labelOr(action, "unknown")
	outcome := "success"
	if kind != "" || code != "" {
		outcome = "error"
		m.errors.WithLabelValues(action, labelOr(kind, "unknown"), labelOr(code, "none")).Inc()
	}
	m.requests.WithLabelValues(action, outcome).Inc()
	m.latency.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordThrottle counts a rejected request. Reasons should be stable strings
// such as "rate_limit" or "quota_exceeded".
func (m *LendingMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(reason, "unspecified")).Inc()
}

// SetMarket publishes the supply, borrow and reserve aggregates of a market.
// Amounts are base units and are scaled down by decimals.
func (m *LendingMetrics) SetMarket(asset string, decimals uint8, supply, borrows, reserves *big.Int) {
	if m == nil {
		return
	}
	asset = labelOr(strings.TrimSpace(asset), "unknown")
	m.market.WithLabelValues(asset, "supply").Set(scaledFloat(supply, decimals))
	m.market.WithLabelValues(asset, "borrows").Set(scaledFloat(borrows, decimals))
	m.market.WithLabelValues(asset, "reserves").Set(scaledFloat(reserves, decimals))
}

// ObserveLiquidation records the borrower's health factor in basis points.
func (m *LendingMetrics) ObserveLiquidation(asset string, healthBps uint64) {
	if m == nil {
		return
	}
	m.health.WithLabelValues(labelOr(asset, "unknown")).Observe(float64(healthBps) / 10_000)
}

func labelOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func scaledFloat(value *big.Int, decimals uint8) float64 {
	if value == nil {
		return 0
	}
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	f, _ := new(big.Rat).SetFrac(value, denom).Float64()
	return f
}

// FormatBps renders a basis-point value as a ratio string for logs.
func FormatBps(bps uint64) string {
	return strconv.FormatFloat(float64(bps)/10_000, 'f', 4, 64)
}
