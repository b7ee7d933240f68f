package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourorg/venue-router/internal/circuitbreaker"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/monitor"
)

// serverMetrics holds Prometheus metrics for the server. It also receives quote timings
// from the aggregator and bridge router and split decisions from the execution router.
type serverMetrics struct {
	registry *prometheus.Registry

	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	quoteDuration   *prometheus.HistogramVec
	quoteErrors     *prometheus.CounterVec
	circuitBreaker  *prometheus.GaugeVec
	splitDecisions  *prometheus.CounterVec
	monitoredValue  *prometheus.GaugeVec
}

// registerMetrics sets up Prometheus metrics collection on a dedicated registry
func registerMetrics() *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_requests_total",
				Help: "Total number of API requests processed",
			},
			[]string{"endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		quoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_quote_duration_seconds",
				Help:    "Venue and bridge quote latency in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
			},
			[]string{"venue"},
		),
		quoteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_quote_errors_total",
				Help: "Failed venue and bridge quotes by reason",
			},
			[]string{"venue", "reason"},
		),
		circuitBreaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_circuit_breaker_state",
				Help: "Circuit breaker state per venue (0=closed, 1=open, 2=half-open)",
			},
			[]string{"venue"},
		),
		splitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_split_decisions_total",
				Help: "Split plans evaluated, by leg count and outcome",
			},
			[]string{"legs", "chosen"},
		),
		monitoredValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_monitored_value",
				Help: "Latest value observed by a monitor",
			},
			[]string{"resource"},
		),
	}

	m.registry.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.quoteDuration,
		m.quoteErrors,
		m.circuitBreaker,
		m.splitDecisions,
		m.monitoredValue,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *serverMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQuote implements aggregate.Recorder
func (m *serverMetrics) ObserveQuote(venue string, elapsed time.Duration, err error) {
	m.quoteDuration.WithLabelValues(venue).Observe(elapsed.Seconds())
	if err != nil {
		m.quoteErrors.WithLabelValues(venue, quoteErrorReason(err)).Inc()
	}
}

// ObserveSplitDecision implements router.SplitRecorder
func (m *serverMetrics) ObserveSplitDecision(legs int, chosen bool) {
	label := "false"
	if chosen {
		label = "true"
	}
	m.splitDecisions.WithLabelValues(strconv.Itoa(legs), label).Inc()
}

func (m *serverMetrics) observeBreaker(states map[string]circuitbreaker.State) {
	for venue, state := range states {
		m.circuitBreaker.WithLabelValues(venue).Set(float64(state))
	}
}

func (m *serverMetrics) observeMonitor(o monitor.Observation) {
	v, _ := o.Value.Float64()
	m.monitoredValue.WithLabelValues(o.ResourceID).Set(v)
}

func quoteErrorReason(err error) string {
	switch {
	case errors.Is(err, model.ErrVenueTimeout):
		return "timeout"
	case errors.Is(err, model.ErrVenueUnavailable):
		return "unavailable"
	case errors.Is(err, model.ErrInvalidBridgeQuoteInputs):
		return "invalid_quote"
	default:
		return "error"
	}
}
