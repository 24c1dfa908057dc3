package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/header"
)

// NewErrorHandler returns an Echo error handler that answers unhandled
// errors and recovered panics with a CORS-decorated JSON body, so browser
// callers can read the failure.
func NewErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			logger.Debug("error after response was committed", "err", err)
			return
		}

		// Internal error text, including recovered panics, stays in the logs.
		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(code)
			}
		}
		if code >= http.StatusInternalServerError {
			logger.Error("unhandled error", "err", err, "path", c.Request().URL.Path)
		}

		header.ApplyCORS(c.Request(), c.Response().Header(), nil)
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, map[string]any{
				"error":   msg,
				"success": false,
			})
		}
		if err != nil {
			logger.Error("write error response", "err", err)
		}
	}
}
