package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"rpc-bridge-go/internal/event"
	"rpc-bridge-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request, including those answered by the request bridge.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// An *echo.HTTPError is written later by the central error
			// handler, so its code is not on the response yet.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			path := m.NormalizePath(c.Request().URL.Path)
			duration := time.Since(start).Seconds()

			by := servedBy(c)

			m.RequestsTotal.WithLabelValues(method, status, path, by).Inc()
			m.RequestDuration.WithLabelValues(method, status, path, by).Observe(duration)

			return err
		}
	}
}

// servedBy tells requests answered by the request bridge, which detaches the
// event, from those that reached a route.
func servedBy(c echo.Context) string {
	if ev, ok := event.FromEcho(c); ok && ev.Detached() {
		return metrics.ServedByBridge
	}
	return metrics.ServedByRoute
}
