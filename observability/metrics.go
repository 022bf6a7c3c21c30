package observability

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	coreerrors "vaultchain/core/errors"
)

var (
	treasuryOnce     sync.Once
	treasuryRegistry *TreasuryMetrics

	vaultdOnce     sync.Once
	vaultdRegistry *VaultdMetrics
)

// TreasuryMetrics captures controller operation outcomes and per-asset
// backing levels.
type TreasuryMetrics struct {
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	errors     *prometheus.CounterVec
	supply     *prometheus.GaugeVec
	buffer     *prometheus.GaugeVec
	value      *prometheus.GaugeVec
	yield      *prometheus.CounterVec
	shortfalls *prometheus.CounterVec
}

// Treasury returns the singleton metrics registry for treasury controllers.
func Treasury() *TreasuryMetrics {
	treasuryOnce.Do(func() {
		treasuryRegistry = &TreasuryMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultchain",
				Subsystem: "treasury",
				Name:      "operations_total",
				Help:      "Count of controller operations segmented by asset, operation and outcome.",
			}, []string{"asset", "operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vaultchain",
				Subsystem: "treasury",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for controller operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"asset", "operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultchain",
				Subsystem: "treasury",
				Name:      "errors_total",
				Help:      "Count of controller failures segmented by operation and error kind.",
			}, []string{"asset", "operation", "kind"}),
			supply: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "vaultchain",
				Subsystem: "treasury",
				Name:      "total_supply",
				Help:      "Rebasing token total supply in 18-decimal units.",
			}, []string{"asset"}),
			buffer: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "vaultchain",
				Subsystem: "treasury",
				Name:      "buffer_underlying",
				Help:      "Liquid underlying held outside the active backend.",
			}, []string{"asset"}),
			value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "vaultchain",
				Subsystem: "treasury",
				Name:      "backend_value_underlying",
				Help:      "Underlying value reported by the active backend.",
			}, []string{"asset", "backend"}),
			yield: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultchain",
				Subsystem: "treasury",
				Name:      "distributed_yield_total",
				Help:      "Rebasing units distributed to holders by rebase.",
			}, []string{"asset"}),
			shortfalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultchain",
				Subsystem: "treasury",
				Name:      "migration_shortfall_total",
				Help:      "Underlying left behind in retired backends during migration.",
			}, []string{"asset", "backend"}),
		}
		prometheus.MustRegister(
			treasuryRegistry.requests,
			treasuryRegistry.latency,
			treasuryRegistry.errors,
			treasuryRegistry.supply,
			treasuryRegistry.buffer,
			treasuryRegistry.value,
			treasuryRegistry.yield,
			treasuryRegistry.shortfalls,
		)
	})
	return treasuryRegistry
}

// Observe records the execution metrics for a controller operation.
func (m *TreasuryMetrics) Observe(asset, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	asset = labelOrUnknown(asset)
	op := labelOrUnknown(operation)
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(asset, op, ErrorKind(err)).Inc()
	}
	m.requests.WithLabelValues(asset, op, outcome).Inc()
	m.latency.WithLabelValues(asset, op).Observe(duration.Seconds())
}

// RecordState updates the backing gauges for an asset.
func (m *TreasuryMetrics) RecordState(asset, backend string, supply, buffer, value *big.Int) {
	if m == nil {
		return
	}
	asset = labelOrUnknown(asset)
	m.supply.WithLabelValues(asset).Set(toFloat(supply))
	m.buffer.WithLabelValues(asset).Set(toFloat(buffer))
	if backend != "" {
		m.value.WithLabelValues(asset, backend).Set(toFloat(value))
	}
}

// RecordYield adds distributed rebase yield.
func (m *TreasuryMetrics) RecordYield(asset string, distributed *big.Int) {
	if m == nil || distributed == nil || distributed.Sign() <= 0 {
		return
	}
	m.yield.WithLabelValues(labelOrUnknown(asset)).Add(toFloat(distributed))
}

// RecordShortfall adds value stranded by a migration.
func (m *TreasuryMetrics) RecordShortfall(asset, backend string, shortfall *big.Int) {
	if m == nil || shortfall == nil || shortfall.Sign() <= 0 {
		return
	}
	m.shortfalls.WithLabelValues(labelOrUnknown(asset), labelOrUnknown(backend)).Add(toFloat(shortfall))
}

// VaultdMetrics tracks HTTP traffic served by vaultd.
type VaultdMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
	replays   prometheus.Counter
}

// Vaultd returns the singleton HTTP metrics registry.
func Vaultd() *VaultdMetrics {
	vaultdOnce.Do(func() {
		vaultdRegistry = &VaultdMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultchain",
				Subsystem: "vaultd",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vaultchain",
				Subsystem: "vaultd",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultchain",
				Subsystem: "vaultd",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limiting.",
			}, []string{"route"}),
			replays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vaultchain",
				Subsystem: "vaultd",
				Name:      "idempotent_replays_total",
				Help:      "Responses served from the idempotency store.",
			}),
		}
		prometheus.MustRegister(
			vaultdRegistry.requests,
			vaultdRegistry.latency,
			vaultdRegistry.throttles,
			vaultdRegistry.replays,
		)
	})
	return vaultdRegistry
}

// ObserveRequest records a served request.
func (m *VaultdMetrics) ObserveRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOrUnknown(route)
	m.requests.WithLabelValues(route, statusLabel(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *VaultdMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOrUnknown(route)).Inc()
}

// RecordReplay increments the idempotent replay counter.
func (m *VaultdMetrics) RecordReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

// ErrorKind maps an error onto a bounded label.
func ErrorKind(err error) string {
	switch kind := coreerrors.Kind(err); {
	case kind == nil:
		return "internal"
	case errors.Is(kind, coreerrors.ErrInput):
		return "input"
	case errors.Is(kind, coreerrors.ErrAuthorization):
		return "authorization"
	case errors.Is(kind, coreerrors.ErrSlippage):
		return "slippage"
	case errors.Is(kind, coreerrors.ErrLiquidity):
		return "liquidity"
	default:
		return "state"
	}
}

func labelOrUnknown(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
