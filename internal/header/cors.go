package header

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// ReceivedHeaders carries the JSON-encoded target response headers.
const ReceivedHeaders = "Cors-Received-Headers"

const (
	defaultAllowMethods = "GET, POST, PUT, DELETE, OPTIONS, PATCH, HEAD"
	defaultAllowHeaders = "Origin, X-Requested-With, Content-Type, Accept, Authorization, X-CORS-Headers"
	preflightMaxAge     = "86400"
)

// ApplyCORS sets the CORS response headers for r on dst. When received is
// non-nil (a target response exists) its headers are exposed by name and
// copied, JSON-encoded, into Cors-Received-Headers; otherwise every header is
// exposed with "*".
func ApplyCORS(r *http.Request, dst http.Header, received http.Header) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	dst.Set("Access-Control-Allow-Origin", origin)
	dst.Set("Access-Control-Allow-Credentials", "true")

	if r.Method == http.MethodOptions {
		methods := r.Header.Get("Access-Control-Request-Method")
		if methods == "" {
			methods = defaultAllowMethods
		}
		dst.Set("Access-Control-Allow-Methods", methods)

		if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
			dst.Set("Access-Control-Allow-Headers", requested)
		} else {
			dst.Set("Access-Control-Allow-Headers", defaultAllowHeaders)
		}

		dst.Set("Access-Control-Max-Age", preflightMaxAge)
		dst.Del("X-Content-Type-Options")
	}

	if received == nil {
		dst.Set("Access-Control-Expose-Headers", "*")
		return
	}

	names := make([]string, 0, len(received)+1)
	for key := range received {
		names = append(names, strings.ToLower(key))
	}
	sort.Strings(names)
	names = append(names, strings.ToLower(ReceivedHeaders))
	dst.Set("Access-Control-Expose-Headers", strings.Join(names, ", "))
	dst.Set(ReceivedHeaders, EncodeReceived(received))
}

// EncodeReceived serializes h as a JSON object with lower-cased names and
// multiple values joined by ", ".
func EncodeReceived(h http.Header) string {
	flat := make(map[string]string, len(h))
	for key, vals := range h {
		flat[strings.ToLower(key)] = strings.Join(vals, ", ")
	}
	// A map of strings always marshals.
	b, _ := json.Marshal(flat)
	return string(b)
}
