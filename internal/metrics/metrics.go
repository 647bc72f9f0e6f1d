package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storefront"

// Metrics holds the service's collectors on a private registry so tests can
// build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec

	OrdersCreated        *prometheus.CounterVec
	StatusTransitions    *prometheus.CounterVec
	PaymentEvents        *prometheus.CounterVec
	StockShortages       prometheus.Counter
	NotificationFailures *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Orders created, by payment method.",
		}, []string{"payment_method"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_status_transitions_total",
			Help:      "Fulfillment status changes, by target status.",
		}, []string{"status"}),
		PaymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_payment_events_total",
			Help:      "Payment handshake steps, by resulting payment status.",
		}, []string{"payment_status"}),
		StockShortages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_reservation_failures_total",
			Help:      "Order attempts rejected for insufficient stock.",
		}),
		NotificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Order notifications that could not be delivered.",
		}, []string{"event"}),
	}
	m.registry.MustRegister(
		m.Requests, m.LatencyMS,
		m.OrdersCreated, m.StatusTransitions, m.PaymentEvents, m.StockShortages, m.NotificationFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) OrderCreated(paymentMethod string) {
	m.OrdersCreated.WithLabelValues(paymentMethod).Inc()
}

func (m *Metrics) StatusChanged(status string) {
	m.StatusTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) PaymentChanged(paymentStatus string) {
	m.PaymentEvents.WithLabelValues(paymentStatus).Inc()
}

func (m *Metrics) StockShortage() {
	m.StockShortages.Inc()
}

func (m *Metrics) NotificationFailed(event string) {
	m.NotificationFailures.WithLabelValues(event).Inc()
}
