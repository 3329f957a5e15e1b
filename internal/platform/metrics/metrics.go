// Package metrics exposes Prometheus instrumentation for the exchange core.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for the exchange service. A nil *Metrics is
// safe to use; every method no-ops.
type Metrics struct {
	registry *prometheus.Registry

	transactions     *prometheus.CounterVec
	webhookCallbacks *prometheus.CounterVec
	callbackRetries  prometheus.Counter
	pollsInFlight    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_transactions_total",
		Help: "Exchange transactions recorded, by kind and status.",
	}, []string{"kind", "status"})

	m.webhookCallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_webhook_callbacks_total",
		Help: "Inbound gateway callbacks processed, by type and outcome.",
	}, []string{"type", "outcome"})

	m.callbackRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "carelink_callback_retries_total",
		Help: "Retried outbound query-result callback deliveries.",
	})

	m.pollsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carelink_polls_in_flight",
		Help: "Client poll loops currently running.",
	})

	m.registry.MustRegister(m.transactions, m.webhookCallbacks, m.callbackRetries, m.pollsInFlight)
	return m
}

func (m *Metrics) TransactionRecorded(kind, status string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) CallbackProcessed(callbackType, outcome string) {
	if m == nil {
		return
	}
	m.webhookCallbacks.WithLabelValues(callbackType, outcome).Inc()
}

func (m *Metrics) CallbackRetried() {
	if m == nil {
		return
	}
	m.callbackRetries.Inc()
}

func (m *Metrics) PollStarted() {
	if m == nil {
		return
	}
	m.pollsInFlight.Inc()
}

func (m *Metrics) PollFinished() {
	if m == nil {
		return
	}
	m.pollsInFlight.Dec()
}

// Handler serves the Prometheus text exposition for this registry.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}
