package middleware

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// responses and strips hop-by-hop headers from incoming requests. WebSocket
// handshakes keep their Upgrade and Connection headers.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !websocket.IsWebSocketUpgrade(req) {
				for _, h := range hopByHopHeaders {
					req.Header.Del(h)
				}
			}

			// Set before next: streamed responses commit their headers early.
			if req.Method != http.MethodOptions {
				c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			}

			return next(c)
		}
	}
}
