// Package target extracts and validates the URL a request should be relayed to.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrNoTarget is returned when the request carries no query string at all.
	ErrNoTarget = errors.New("no target specified")

	// ErrInvalidURL is returned when the candidate target is not an absolute
	// http, https, ws or wss URL.
	ErrInvalidURL = errors.New("invalid URL format")
)

// linkParam is the named query parameter checked before the raw query.
const linkParam = "link"

var supportedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ws":    true,
	"wss":   true,
}

// Resolve returns the target URL named by rawQuery. The "link" parameter wins
// when present and non-empty; otherwise the whole query string is
// percent-decoded and used as the URL.
func Resolve(rawQuery string) (*url.URL, error) {
	if rawQuery == "" {
		return nil, ErrNoTarget
	}

	candidate, err := candidateURL(rawQuery)
	if err != nil {
		return nil, err
	}
	return Parse(candidate)
}

func candidateURL(rawQuery string) (string, error) {
	// A malformed query still lets the raw fallback run.
	if values, err := url.ParseQuery(rawQuery); err == nil {
		if link := values.Get(linkParam); link != "" {
			return link, nil
		}
	}

	decoded, err := url.PathUnescape(rawQuery)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	return decoded, nil
}

// Parse validates s as an absolute URL with a supported scheme and a host.
func Parse(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if !supportedSchemes[u.Scheme] {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// IsWebSocket reports whether u uses the ws or wss scheme.
func IsWebSocket(u *url.URL) bool {
	return u.Scheme == "ws" || u.Scheme == "wss"
}

// WebSocketURL returns a copy of u with http translated to ws and https to wss.
func WebSocketURL(u *url.URL) *url.URL {
	c := *u
	switch c.Scheme {
	case "http":
		c.Scheme = "ws"
	case "https":
		c.Scheme = "wss"
	}
	return &c
}
