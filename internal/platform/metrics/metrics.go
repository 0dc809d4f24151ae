// Package metrics owns the prometheus registry for the registry service:
// counters for patient store operations, audited record access and HTTP
// request metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Store *StoreMetrics

	RecordAccessTotal *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// StoreMetrics is handed to the patient store. A nil *StoreMetrics is valid
// and records nothing.
type StoreMetrics struct {
	Operations *prometheus.CounterVec
	Patients   prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Store: &StoreMetrics{
			Operations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "patient_store_operations_total",
					Help: "Total number of patient store operations",
				},
				[]string{"op", "result"},
			),
			Patients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "patient_store_records",
					Help: "Number of patient records currently held by the store",
				},
			),
		},
		RecordAccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patient_record_access_total",
				Help: "Total number of audited accesses to patient records",
			},
			[]string{"resource", "action", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	reg.MustRegister(
		m.Store.Operations,
		m.Store.Patients,
		m.RecordAccessTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the prometheus text exposition for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency per route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			endpoint := c.Path()
			if endpoint == "" {
				endpoint = "unmatched"
			}
			method := c.Request().Method

			m.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// RecordAccess counts one audited access to a registry resource.
func (m *Metrics) RecordAccess(resource, action string, status int) {
	m.RecordAccessTotal.WithLabelValues(resource, action, strconv.Itoa(status)).Inc()
}

// Observe counts one store operation; err decides the result label.
func (s *StoreMetrics) Observe(op string, err error) {
	if s == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.Operations.WithLabelValues(op, result).Inc()
}

// SetPatients records the current collection size.
func (s *StoreMetrics) SetPatients(n int) {
	if s == nil {
		return
	}
	s.Patients.Set(float64(n))
}
