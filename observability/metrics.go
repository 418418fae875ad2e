package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type tradeMetrics struct {
	created   prometheus.Counter
	deposits  *prometheus.CounterVec
	completed prometheus.Counter
	canceled  prometheus.Counter
	rpc       *prometheus.CounterVec
}

var (
	tradeMetricsOnce sync.Once
	tradeRegistry    *tradeMetrics
)

// Trades returns the lazily-initialised metrics registry tracking engine
// activity.
func Trades() *tradeMetrics {
	tradeMetricsOnce.Do(func() {
		tradeRegistry = &tradeMetrics{
			created: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "otcswap",
				Subsystem: "trades",
				Name:      "created_total",
				Help:      "Count of trades opened.",
			}),
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otcswap",
				Subsystem: "trades",
				Name:      "deposits_total",
				Help:      "Count of accepted deposits segmented by asset.",
			}, []string{"asset"}),
			completed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "otcswap",
				Subsystem: "trades",
				Name:      "completed_total",
				Help:      "Count of trades settled by the distribution engine.",
			}),
			canceled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "otcswap",
				Subsystem: "trades",
				Name:      "canceled_total",
				Help:      "Count of trades fully canceled.",
			}),
			rpc: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otcswap",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
		}
		prometheus.MustRegister(
			tradeRegistry.created,
			tradeRegistry.deposits,
			tradeRegistry.completed,
			tradeRegistry.canceled,
			tradeRegistry.rpc,
		)
	})
	return tradeRegistry
}

// RecordCreated increments the opened-trade counter.
func (m *tradeMetrics) RecordCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

// RecordDeposit increments the deposit counter for the asset label.
func (m *tradeMetrics) RecordDeposit(asset string) {
	if m == nil {
		return
	}
	if asset == "" {
		asset = "unknown"
	}
	m.deposits.WithLabelValues(asset).Inc()
}

// RecordCompleted increments the settled-trade counter.
func (m *tradeMetrics) RecordCompleted() {
	if m == nil {
		return
	}
	m.completed.Inc()
}

// RecordCanceled increments the canceled-trade counter.
func (m *tradeMetrics) RecordCanceled() {
	if m == nil {
		return
	}
	m.canceled.Inc()
}

// RecordRPC increments the request counter for a method and outcome label.
func (m *tradeMetrics) RecordRPC(method, outcome string) {
	if m == nil {
		return
	}
	m.rpc.WithLabelValues(method, outcome).Inc()
}
