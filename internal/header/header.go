// Package header derives outbound request headers and decorates responses
// with CORS headers.
package header

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
)

// ErrMalformedCustomHeaders is returned when X-Cors-Headers is not a JSON object.
var ErrMalformedCustomHeaders = errors.New("malformed x-cors-headers")

// CustomHeaders carries a JSON object of headers to set on the outbound request.
const CustomHeaders = "X-Cors-Headers"

// excludedHeaders matches request headers that must not reach the target.
var excludedHeaders = regexp.MustCompile(`(?i)^(origin|referer|cf-|x-forw|x-cors-headers)`)

// preservedHeaders are kept even when excludedHeaders matches them; they are
// needed to negotiate WebSocket upgrades.
var preservedHeaders = map[string]bool{
	"upgrade":                  true,
	"connection":               true,
	"sec-websocket-key":        true,
	"sec-websocket-version":    true,
	"sec-websocket-protocol":   true,
	"sec-websocket-extensions": true,
}

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// dialerHeaders are generated by the WebSocket dialer and rejected when
// supplied by the caller.
var dialerHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

// FilterOutbound returns the headers to send to the target: the inbound set
// minus excluded headers, overlaid with the X-Cors-Headers object. A malformed
// X-Cors-Headers value is logged and ignored.
func FilterOutbound(src http.Header, logger *slog.Logger) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if preservedHeaders[strings.ToLower(key)] || !excludedHeaders.MatchString(key) {
			dst[key] = append([]string(nil), vals...)
		}
	}

	custom, err := ParseCustomHeaders(src.Get(CustomHeaders))
	if err != nil {
		logger.Warn("ignoring x-cors-headers", "err", err)
	}
	for key, val := range custom {
		dst.Set(key, val)
	}

	return dst
}

// ParseCustomHeaders decodes an X-Cors-Headers value. Non-string JSON values
// are kept in their JSON encoding. An empty value yields no headers.
func ParseCustomHeaders(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCustomHeaders, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedCustomHeaders)
	}

	out := make(map[string]string, len(obj))
	for key, val := range obj {
		var s string
		if err := json.Unmarshal(val, &s); err == nil {
			out[key] = s
			continue
		}
		out[key] = string(val)
	}
	return out, nil
}

// DialHeaders strips from h (already filtered by FilterOutbound) the
// handshake and hop-by-hop headers a WebSocket dialer sets on its own, and
// returns the subprotocols the client asked for.
func DialHeaders(h http.Header) (http.Header, []string) {
	dst := h.Clone()
	var protocols []string
	for _, v := range dst.Values("Sec-Websocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	for _, k := range dialerHeaders {
		dst.Del(k)
	}
	for _, k := range hopByHopHeaders {
		dst.Del(k)
	}
	dst.Del("Host")
	dst.Del("Content-Length")
	return dst, protocols
}

// StripHopByHop removes hop-by-hop headers from h in place.
func StripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}
