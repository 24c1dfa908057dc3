package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
//
// Bridged WebSocket sessions and event streams live as long as the client
// keeps them open, so they are counted but kept out of the latency histogram.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()
			upgraded := websocket.IsWebSocketUpgrade(req) && !res.Committed

			statusCode := res.Status
			switch {
			case err != nil:
				// The error handler has not written the response yet.
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				} else {
					statusCode = http.StatusInternalServerError
				}
			case upgraded:
				// The connection was hijacked; echo never saw the 101.
				statusCode = http.StatusSwitchingProtocols
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(req.Method)
			path := m.PathLabel(req.URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			if !upgraded && !isEventStream(res.Header()) {
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}

			return err
		}
	}
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get(echo.HeaderContentType), "text/event-stream")
}
