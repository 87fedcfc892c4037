// Package metrics exposes Prometheus instrumentation for the pharmacy
// engine: HTTP request metrics plus counters for dispenses, safety blocks,
// stock movements, recall notifications, and MAR administrations.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	DispensesTotal           *prometheus.CounterVec
	DispenseDuration         prometheus.Histogram
	SafetyBlocksTotal        *prometheus.CounterVec
	StockMovementsTotal      *prometheus.CounterVec
	RecallNotificationsTotal *prometheus.CounterVec
	MARAdministrationsTotal  *prometheus.CounterVec

	DBConnections prometheus.Gauge
}

// NewCollector registers all metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewCollector(serviceName string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		InFlightGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		DispensesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "pharmacy",
			Name:      "dispenses_total",
			Help:      "Total dispense attempts by outcome.",
		}, []string{"status"}),

		DispenseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "pharmacy",
			Name:      "dispense_duration_seconds",
			Help:      "Dispense transaction latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		SafetyBlocksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "pharmacy",
			Name:      "safety_blocks_total",
			Help:      "Total safety evaluation blocks by alert type.",
		}, []string{"type"}),

		StockMovementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "inventory",
			Name:      "stock_movements_total",
			Help:      "Total stock ledger movements by type.",
		}, []string{"type"}),

		RecallNotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "recall",
			Name:      "notifications_total",
			Help:      "Total recall notifications by channel and delivery status.",
		}, []string{"channel", "status"}),

		MARAdministrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "mar",
			Name:      "administrations_total",
			Help:      "Total MAR entry resolutions by final status.",
		}, []string{"status"}),

		DBConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "db",
			Name:      "open_connections",
			Help:      "Current number of open database connections.",
		}),
	}
}

// HTTPMiddleware returns Echo middleware that records request count,
// latency, and in-flight gauge for every request.
func (c *Collector) HTTPMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			c.InFlightGauge.Inc()
			defer c.InFlightGauge.Dec()

			start := time.Now()
			err := next(ec)

			status := ec.Response().Status
			if err != nil {
				if httpErr, ok := err.(*echo.HTTPError); ok {
					status = httpErr.Code
				}
			}

			// Use the route pattern, not the raw path, to bound cardinality.
			path := ec.Path()
			if path == "" {
				path = "unmatched"
			}

			labels := []string{ec.Request().Method, path, strconv.Itoa(status)}
			c.RequestsTotal.WithLabelValues(labels...).Inc()
			c.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// Handler returns the Prometheus scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a scrape handler for a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
