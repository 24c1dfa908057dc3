package handler

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed templates/landing.html
var templateFS embed.FS

var landingTemplate = template.Must(template.ParseFS(templateFS, "templates/landing.html"))

type landingData struct {
	Origin          string
	WebSocketOrigin string
}

// renderLanding serves the usage page shown when no target is given.
func renderLanding(c echo.Context) error {
	host := c.Request().Host
	wsScheme := "ws"
	if c.Scheme() == "https" {
		wsScheme = "wss"
	}
	data := landingData{
		Origin:          c.Scheme() + "://" + host,
		WebSocketOrigin: wsScheme + "://" + host,
	}

	var buf bytes.Buffer
	if err := landingTemplate.Execute(&buf, data); err != nil {
		return fmt.Errorf("render landing page: %w", err)
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, "text/html", buf.Bytes())
}
