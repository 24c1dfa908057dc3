package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/policy"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	policy  *policy.Policy
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, pol *policy.Policy, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, policy: pol, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of the status endpoint.
type statusResponse struct {
	Status                 string `json:"status"`
	Version                string `json:"version"`
	OriginWhitelistRules   int    `json:"origin_whitelist_rules"`
	URLBlacklistRules      int    `json:"url_blacklist_rules"`
	UpstreamTimeoutSeconds int    `json:"upstream_timeout_seconds"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	whitelist, blacklist := h.policy.Size()
	return c.JSON(http.StatusOK, statusResponse{
		Status:                 "ok",
		Version:                string(h.version),
		OriginWhitelistRules:   whitelist,
		URLBlacklistRules:      blacklist,
		UpstreamTimeoutSeconds: h.cfg.Upstream.TimeoutSeconds,
	})
}
