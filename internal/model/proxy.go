// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded to its target.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	Origin        string
	TargetURL     *url.URL
}

// BodyMode selects how a relayed response body is written back.
type BodyMode int

const (
	// Buffered responses are read fully before being written.
	Buffered BodyMode = iota
	// RawStream responses are piped through unmodified.
	RawStream
	// SSEStream responses are re-framed on event boundaries.
	SSEStream
)

func (m BodyMode) String() string {
	switch m {
	case RawStream:
		return "raw_stream"
	case SSEStream:
		return "sse_stream"
	default:
		return "buffered"
	}
}

// RelayResponse represents the target response to be written back.
type RelayResponse struct {
	StatusCode int
	StatusText string
	Header     http.Header
	Body       io.ReadCloser
	Mode       BodyMode
}

// ControlMessage is a lifecycle notification injected into a WebSocket or
// SSE channel alongside application data.
type ControlMessage struct {
	Type     string  `json:"type"`
	Message  string  `json:"message,omitempty"`
	Data     *string `json:"data,omitempty"`
	Encoding string  `json:"encoding,omitempty"`
	Code     int     `json:"code,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}
