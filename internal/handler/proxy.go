package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/bridge"
	"cors-proxy-go/internal/header"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/model"
	"cors-proxy-go/internal/policy"
	"cors-proxy-go/internal/service"
	"cors-proxy-go/internal/sse"
	"cors-proxy-go/internal/target"
)

const (
	msgInvalidURL = "Invalid URL format"
	msgBlocked    = "Blocked by security rules"
)

// rawChunkSize bounds a single read when piping a raw stream.
const rawChunkSize = 32 * 1024

// ProxyHandler is the front controller: it answers preflights and the
// landing page, resolves and vets the target, and routes the request to the
// relay or the WebSocket bridge.
type ProxyHandler struct {
	service *service.RelayService
	bridge  *bridge.Bridge
	policy  *policy.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.RelayService, br *bridge.Bridge, pol *policy.Policy, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		bridge:  br,
		policy:  pol,
		metrics: m,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle dispatches one inbound request.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	res := c.Response()

	if req.Method == http.MethodOptions {
		header.ApplyCORS(req, res.Header(), nil)
		return c.NoContent(http.StatusNoContent)
	}

	if req.URL.RawQuery == "" {
		return renderLanding(c)
	}

	u, err := target.Resolve(req.URL.RawQuery)
	if err != nil {
		h.logger.Debug("rejecting target", "err", err)
		header.ApplyCORS(req, res.Header(), nil)
		return c.String(http.StatusBadRequest, msgInvalidURL)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Origin:        req.Header.Get("Origin"),
		TargetURL:     u,
	}

	if reason := h.policy.Check(pr.TargetURL.String(), pr.Origin); reason != "" {
		h.logger.Info("blocked by security policy",
			"reason", reason,
			"host", u.Host,
			"origin", pr.Origin,
		)
		if h.metrics != nil {
			h.metrics.SecurityRejections.WithLabelValues(reason).Inc()
		}
		header.ApplyCORS(req, res.Header(), nil)
		return c.String(http.StatusForbidden, msgBlocked)
	}

	switch {
	case websocket.IsWebSocketUpgrade(req):
		if err := h.bridge.ServeNative(res, req, u); err != nil {
			h.logger.Warn("websocket bridge", "err", err, "host", u.Host)
		}
		return nil
	case target.IsWebSocket(u) && bridge.WantsEventStream(req):
		header.ApplyCORS(req, res.Header(), nil)
		return h.bridge.ServeEventStream(res, req, u)
	case target.IsWebSocket(u):
		header.ApplyCORS(req, res.Header(), nil)
		res.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		res.Header().Set("Access-Control-Allow-Headers", "*")
		return c.JSON(http.StatusOK, h.bridge.Describe(u))
	default:
		return h.relay(c, pr)
	}
}

// relay forwards pr to its target and writes the response back in the mode
// the target's headers call for.
func (h *ProxyHandler) relay(c echo.Context, pr *model.ProxyRequest) error {
	req := c.Request()
	res := c.Response()

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body []byte
	if resp.Mode == model.Buffered {
		if body, err = io.ReadAll(resp.Body); err != nil {
			return h.mapError(c, err)
		}
	}

	for key, vals := range resp.Header {
		res.Header()[key] = vals
	}
	header.ApplyCORS(req, res.Header(), resp.Header)

	switch resp.Mode {
	case model.SSEStream:
		h.writeEventStream(c, resp)
	case model.RawStream:
		h.writeRawStream(c, resp)
	default:
		// A HEAD response keeps the target's Content-Length.
		if req.Method != http.MethodHead {
			res.Header().Set(echo.HeaderContentLength, strconv.Itoa(len(body)))
		}
		res.WriteHeader(resp.StatusCode)
		if _, err := res.Write(body); err != nil {
			h.logger.Debug("writing response body", "err", err)
		}
	}
	return nil
}

// writeEventStream re-frames an SSE body so the client only sees whole events.
func (h *ProxyHandler) writeEventStream(c echo.Context, resp *model.RelayResponse) {
	res := c.Response()
	rc := http.NewResponseController(res)
	// Streams outlive the server's read timeout.
	_ = rc.SetReadDeadline(time.Time{})

	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(resp.StatusCode)
	res.Flush()

	n, err := sse.Pipe(c.Request().Context(), res, resp.Body, res.Flush)
	if h.metrics != nil {
		h.metrics.SSEEvents.Add(float64(n))
	}
	if err != nil {
		// Status is already sent; the client sees a truncated stream.
		h.logger.Error("streaming event stream", "err", err, "events", n)
	}
}

// writeRawStream pipes the body through unmodified, flushing after every read.
func (h *ProxyHandler) writeRawStream(c echo.Context, resp *model.RelayResponse) {
	res := c.Response()
	rc := http.NewResponseController(res)
	_ = rc.SetReadDeadline(time.Time{})

	res.WriteHeader(resp.StatusCode)
	res.Flush()

	buf := make([]byte, rawChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := res.Write(buf[:n]); werr != nil {
				h.logger.Debug("client went away", "err", werr)
				return
			}
			res.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && c.Request().Context().Err() == nil {
				h.logger.Error("streaming response body", "err", err)
			}
			return
		}
	}
}

// mapError answers a failed dispatch with a 500 JSON body naming the cause.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	header.ApplyCORS(c.Request(), c.Response().Header(), nil)
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":  err.Error(),
		"status": "error",
	})
}
