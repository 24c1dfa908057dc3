// Package policy implements the origin whitelist / target blacklist gate.
package policy

import (
	"fmt"
	"regexp"

	"cors-proxy-go/internal/config"
)

// Rejection reasons, used as metric labels and log fields.
const (
	ReasonBlacklist = "blacklist"
	ReasonOrigin    = "origin"
)

// Policy holds the compiled security patterns. It is built once at startup
// and only read afterwards, so it is safe for concurrent use.
type Policy struct {
	originWhitelist []*regexp.Regexp
	urlBlacklist    []*regexp.Regexp
}

// New compiles the whitelist and blacklist patterns.
func New(originWhitelist, urlBlacklist []string) (*Policy, error) {
	wl, err := compileAll(originWhitelist)
	if err != nil {
		return nil, fmt.Errorf("origin whitelist: %w", err)
	}
	bl, err := compileAll(urlBlacklist)
	if err != nil {
		return nil, fmt.Errorf("url blacklist: %w", err)
	}
	return &Policy{originWhitelist: wl, urlBlacklist: bl}, nil
}

// NewFromConfig builds a Policy from the [security] config table.
func NewFromConfig(cfg *config.Config) (*Policy, error) {
	return New(cfg.Security.OriginWhitelist, cfg.Security.URLBlacklist)
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Allow reports whether a request for targetURL from origin may proceed.
func (p *Policy) Allow(targetURL, origin string) bool {
	return p.Check(targetURL, origin) == ""
}

// Check returns the rejection reason, or "" when the request is allowed.
// An empty origin (non-browser clients) always passes the whitelist.
func (p *Policy) Check(targetURL, origin string) string {
	for _, re := range p.urlBlacklist {
		if re.MatchString(targetURL) {
			return ReasonBlacklist
		}
	}
	if origin == "" {
		return ""
	}
	for _, re := range p.originWhitelist {
		if re.MatchString(origin) {
			return ""
		}
	}
	return ReasonOrigin
}

// Size returns the number of whitelist and blacklist patterns.
func (p *Policy) Size() (whitelist, blacklist int) {
	return len(p.originWhitelist), len(p.urlBlacklist)
}
