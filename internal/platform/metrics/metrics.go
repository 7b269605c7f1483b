// Package metrics exposes the intake service's Prometheus instruments.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service instruments. A nil *Metrics is valid and
// records nothing, which keeps unit tests free of registry setup.
type Metrics struct {
	Extractions    *prometheus.CounterVec
	Closures       *prometheus.CounterVec
	StoreCalls     *prometheus.CounterVec
	GeneratorCalls *prometheus.CounterVec
	TurnDuration   prometheus.Histogram
	HTTPRequests   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the instruments with reg. Pass prometheus.NewRegistry() in
// tests; the server uses a fresh registry exposed on /metrics.
//
//   - intake_extractions_total{method,kind}
//   - intake_closures_total{outcome}
//   - intake_store_calls_total{op,result}
//   - intake_generator_calls_total{result}
//   - intake_turn_duration_seconds
//   - intake_http_requests_total{method,route,status}
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Extractions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_extractions_total",
			Help: "Checklist items applied, by extraction method and item kind.",
		}, []string{"method", "kind"}),
		Closures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_closures_total",
			Help: "Closure protocol runs by outcome.",
		}, []string{"outcome"}),
		StoreCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_store_calls_total",
			Help: "Clinical record store calls by operation and result.",
		}, []string{"op", "result"}),
		GeneratorCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_generator_calls_total",
			Help: "Text generator calls by result.",
		}, []string{"result"}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "intake_turn_duration_seconds",
			Help:    "Wall time of a full conversation turn.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		gatherer: reg,
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) Extraction(method, kind string) {
	if m == nil {
		return
	}
	m.Extractions.WithLabelValues(method, kind).Inc()
}

func (m *Metrics) Closure(outcome string) {
	if m == nil {
		return
	}
	m.Closures.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StoreCall(op string, err error) {
	if m == nil {
		return
	}
	m.StoreCalls.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) GeneratorCall(err error) {
	if m == nil {
		return
	}
	m.GeneratorCalls.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ObserveTurn(start time.Time) {
	if m == nil {
		return
	}
	m.TurnDuration.Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
}

// Middleware counts requests by matched route so path parameters do not
// explode label cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			return err
		}
	}
}
