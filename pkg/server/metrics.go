package server

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records request rate, errors, and duration per route.
type Metrics struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("opencall.server")

	requests, err := meter.Int64Counter("opencall.requests",
		metric.WithDescription("Total number of requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	errCounter, err := meter.Int64Counter("opencall.errors",
		metric.WithDescription("Total number of error responses"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}
	duration, err := meter.Float64Histogram("opencall.request.duration",
		metric.WithDescription("Request duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &Metrics{requests: requests, errors: errCounter, duration: duration}, nil
}

// Middleware wraps a handler with RED instrumentation.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := metric.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", routeLabel(r.URL.Path)),
			attribute.Int("http.status_code", rec.status),
		)
		ctx := r.Context()
		m.requests.Add(ctx, 1, attrs)
		if rec.status >= 500 {
			m.errors.Add(ctx, 1, attrs)
		}
		m.duration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// routeLabel collapses per-instance paths to a bounded label set.
func routeLabel(path string) string {
	switch {
	case path == "/call", path == "/.well-known/ops", path == "/healthz":
		return path
	case len(path) > 5 && path[:5] == "/ops/":
		if len(path) > 7 && path[len(path)-7:] == "/chunks" {
			return "/ops/{id}/chunks"
		}
		return "/ops/{id}"
	default:
		return "other"
	}
}
