// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/carsonjc04/Distributed-E-commerce-System/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "velocity"

type Metrics struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	outcomes        *prometheus.CounterVec
	releases        prometheus.Counter
	ordersConfirmed prometheus.Counter
	deadLetters     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route", "status"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_outcomes_total",
			Help:      "Reserve requests by terminal outcome.",
		}, []string{"outcome", "replay"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_releases_total",
			Help:      "Reserved units given back after a failed queue hand-off.",
		}),
		ordersConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_confirmed_total",
			Help:      "Orders persisted by the confirmation worker.",
		}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fulfillment_dead_letters_total",
			Help:      "Fulfillment messages moved to the dead-letter store.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.requestDuration, m.outcomes, m.releases, m.ordersConfirmed, m.deadLetters)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) ReservationOutcome(outcome domain.Outcome, replay bool) {
	m.outcomes.WithLabelValues(string(outcome), strconv.FormatBool(replay)).Inc()
}

func (m *Metrics) ReservationReleased() {
	m.releases.Inc()
}

func (m *Metrics) OrderConfirmed() {
	m.ordersConfirmed.Inc()
}

func (m *Metrics) MessageDeadLettered(reason string) {
	m.deadLetters.WithLabelValues(reason).Inc()
}
