// Package bridge connects clients to WebSocket targets, either natively or
// by emulating the target's messages as a Server-Sent Events stream.
package bridge

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/header"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/target"
)

// Session modes, used as metric labels.
const (
	ModeNative      = "native"
	ModeEventStream = "event_stream"
)

// Message directions, used as metric labels.
const (
	clientToTarget = "client_to_target"
	targetToClient = "target_to_client"
)

// closeGrace bounds how long a peer may take to answer a close frame.
const closeGrace = 5 * time.Second

// Bridge opens WebSocket sessions towards targets.
type Bridge struct {
	upgrader  websocket.Upgrader
	dialer    *websocket.Dialer
	readLimit int64
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewBridge creates a Bridge. The metrics parameter is optional.
func NewBridge(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	timeout := time.Duration(cfg.WebSocket.HandshakeTimeoutSeconds) * time.Second
	return &Bridge{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: timeout,
			// Origins are vetted by the security policy before a session starts.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		readLimit: cfg.WebSocket.ReadLimitBytes,
		logger:    logger.With("component", "bridge"),
		metrics:   m,
	}
}

// WantsEventStream reports whether r asks for the target's messages as an
// SSE stream rather than a native upgrade.
func WantsEventStream(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	return strings.Contains(r.URL.RawQuery, "eventsource=true")
}

// Info describes a WebSocket target reached over plain HTTP.
type Info struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	TargetURL    string `json:"targetUrl"`
	Instructions string `json:"instructions"`
}

// Describe returns the informational payload for a WebSocket target that
// was requested without an upgrade or an event-stream preference.
func (b *Bridge) Describe(u *url.URL) Info {
	return Info{
		Success:      true,
		Message:      "This is a WebSocket URL but you're accessing it via HTTP.",
		TargetURL:    target.WebSocketURL(u).String(),
		Instructions: "To use this WebSocket endpoint, connect with a WebSocket client or use EventSource with 'eventsource=true' parameter.",
	}
}

// dialHeaders derives the target handshake headers from the client request.
func (b *Bridge) dialHeaders(r *http.Request) http.Header {
	h, protocols := header.DialHeaders(header.FilterOutbound(r.Header, b.logger))
	if len(protocols) > 0 {
		h.Set("Sec-WebSocket-Protocol", strings.Join(protocols, ", "))
	}
	return h
}

func (b *Bridge) sessionOpened(mode string) {
	if b.metrics != nil {
		b.metrics.BridgeSessionsActive.WithLabelValues(mode).Inc()
	}
}

func (b *Bridge) sessionClosed(mode string) {
	if b.metrics != nil {
		b.metrics.BridgeSessionsActive.WithLabelValues(mode).Dec()
	}
}

func (b *Bridge) countMessage(direction string) {
	if b.metrics != nil {
		b.metrics.BridgeMessages.WithLabelValues(direction).Inc()
	}
}
