// Package service implements the core relay forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"cors-proxy-go/internal/client"
	"cors-proxy-go/internal/header"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/model"
)

// RelayService forwards proxy requests to their targets.
type RelayService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayService creates a RelayService. The metrics parameter is optional.
func NewRelayService(c *client.UpstreamClient, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		client:  c,
		logger:  logger.With("component", "relay_service"),
		metrics: m,
	}
}

// Forward sends a ProxyRequest to its target and returns the response with
// its body mode selected and hop-by-hop headers removed.
// The caller is responsible for closing the response body.
func (s *RelayService) Forward(pr *model.ProxyRequest) (*model.RelayResponse, error) {
	outbound := header.FilterOutbound(pr.Header, s.logger)
	header.StripHopByHop(outbound)
	outbound.Del("Host")
	outbound.Del("Content-Length")

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", pr.TargetURL.Host,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, pr.TargetURL.String(), outbound, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to target: %w", err)
	}

	resp.Mode = Classify(resp.Header)
	resp.Header = filterResponseHeaders(resp.Header, resp.Mode)

	s.logger.Debug("target responded",
		"status", resp.StatusCode,
		"status_text", resp.StatusText,
		"mode", resp.Mode.String(),
	)

	if s.metrics != nil {
		s.metrics.RelayResponses.WithLabelValues(resp.Mode.String()).Inc()
	}
	return resp, nil
}

// Classify selects the body mode for a target response from its headers.
func Classify(h http.Header) model.BodyMode {
	contentType := strings.ToLower(h.Get("Content-Type"))
	switch {
	case strings.Contains(contentType, "text/event-stream"):
		return model.SSEStream
	case strings.Contains(contentType, "application/octet-stream"):
		return model.RawStream
	case strings.Contains(strings.ToLower(strings.Join(h.Values("Transfer-Encoding"), ",")), "chunked"):
		return model.RawStream
	default:
		return model.Buffered
	}
}

// filterResponseHeaders returns the target headers to copy to the client.
// Streamed bodies are written without a known length.
func filterResponseHeaders(src http.Header, mode model.BodyMode) http.Header {
	dst := src.Clone()
	header.StripHopByHop(dst)
	if mode != model.Buffered {
		dst.Del("Content-Length")
	}
	return dst
}
