package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/bridge"
	"cors-proxy-go/internal/client"
	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/policy"
	"cors-proxy-go/internal/service"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		WebSocket: config.WebSocketConfig{
			HandshakeTimeoutSeconds: 5,
			ReadLimitBytes:          1 << 20,
		},
		Security: config.SecurityConfig{
			OriginWhitelist: []string{".*"},
		},
	}
}

func newTestProxyHandler(t *testing.T, cfg *config.Config, m *metrics.Metrics) *ProxyHandler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pol, err := policy.NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("policy.NewFromConfig: %v", err)
	}
	uc := client.NewUpstreamClient(cfg, logger, m)
	svc := service.NewRelayService(uc, logger, m)
	br := bridge.NewBridge(cfg, logger, m)
	return NewProxyHandler(svc, br, pol, m, logger)
}

// serve runs one request through h on a fresh Echo context.
func serve(h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestProxyHandler_Preflight(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodOptions, "/?"+upstream.URL, http.NoBody)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "PUT")
	rec := serve(h, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "PUT" {
		t.Errorf("Allow-Methods = %q, want %q", got, "PUT")
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "86400" {
		t.Errorf("Max-Age = %q, want %q", got, "86400")
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("preflight reached the target %d times, want 0", n)
	}
}

func TestProxyHandler_Landing(t *testing.T) {
	h := newTestProxyHandler(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Host = "proxy.example.com"
	rec := serve(h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/html" {
		t.Errorf("Content-Type = %q, want text/html", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if !strings.Contains(rec.Body.String(), "http://proxy.example.com/?https://api.example.com/data") {
		t.Errorf("landing page does not show usage for this host: %q", rec.Body.String())
	}
}

func TestProxyHandler_InvalidURL(t *testing.T) {
	h := newTestProxyHandler(t, testConfig(), nil)

	for _, query := range []string{"not-a-url", "ftp://example.com/file", "link=mailto:someone", "%zz"} {
		t.Run(query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.URL.RawQuery = query
			rec := serve(h, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if rec.Body.String() != "Invalid URL format" {
				t.Errorf("body = %q, want %q", rec.Body.String(), "Invalid URL format")
			}
			if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
				t.Errorf("Content-Type = %q, want text/plain", rec.Header().Get("Content-Type"))
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
				t.Errorf("Allow-Origin = %q, want *", got)
			}
		})
	}
}

func TestProxyHandler_SecurityRejections(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	tests := []struct {
		name       string
		whitelist  []string
		blacklist  []string
		origin     string
		wantReason string
	}{
		{"blacklisted target", []string{".*"}, []string{`127\.0\.0\.1`}, "", policy.ReasonBlacklist},
		{"origin not whitelisted", []string{`^https://good\.example$`}, nil, "https://evil.example", policy.ReasonOrigin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Security.OriginWhitelist = tt.whitelist
			cfg.Security.URLBlacklist = tt.blacklist
			m := metrics.New()
			h := newTestProxyHandler(t, cfg, m)

			req := httptest.NewRequest(http.MethodGet, "/?"+upstream.URL, http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := serve(h, req)

			if rec.Code != http.StatusForbidden {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
			}
			if rec.Body.String() != "Blocked by security rules" {
				t.Errorf("body = %q", rec.Body.String())
			}
			if rec.Header().Get("Access-Control-Allow-Origin") == "" {
				t.Error("403 response is missing CORS headers")
			}
			if got := counterValue(t, m, "cors_proxy_security_rejections_total", "reason", tt.wantReason); got != 1 {
				t.Errorf("rejections{reason=%s} = %v, want 1", tt.wantReason, got)
			}
		})
	}

	if n := hits.Load(); n != 0 {
		t.Errorf("rejected requests reached the target %d times", n)
	}
}

func TestProxyHandler_BufferedRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "1" {
			t.Errorf("q = %q, want 1", r.URL.Query().Get("q"))
		}
		if r.Header.Get("Origin") != "" || r.Header.Get("Referer") != "" {
			t.Error("Origin and Referer must not reach the target")
		}
		if r.Header.Get("X-Foo") != "bar" {
			t.Errorf("X-Foo = %q, want bar", r.Header.Get("X-Foo"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Total", "3")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/?"+upstream.URL+"/items?q=1", http.NoBody)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Referer", "https://app.example.com/page")
	req.Header.Set("X-Cors-Headers", `{"X-Foo":"bar"}`)
	rec := serve(h, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if rec.Body.String() != `{"result":"ok"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "x-total") {
		t.Errorf("Expose-Headers = %q, want it to list x-total", got)
	}

	var received map[string]string
	if err := json.Unmarshal([]byte(rec.Header().Get("Cors-Received-Headers")), &received); err != nil {
		t.Fatalf("unmarshal Cors-Received-Headers: %v", err)
	}
	if received["x-total"] != "3" {
		t.Errorf("received x-total = %q, want 3", received["x-total"])
	}
	if received["content-type"] != "application/json" {
		t.Errorf("received content-type = %q", received["content-type"])
	}
}

func TestProxyHandler_LinkParameter(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/?link="+url.QueryEscape(upstream.URL+"/via-link"), http.NoBody)
	rec := serve(h, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "/via-link" {
		t.Errorf("got %d %q, want 200 /via-link", rec.Code, rec.Body.String())
	}
}

func TestProxyHandler_PostBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		_, _ = fmt.Fprintf(w, "%s %s", r.Method, body)
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodPost, "/?"+upstream.URL, strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(h, req)

	if rec.Body.String() != `POST {"a":1}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestProxyHandler_HeadKeepsTargetContentLength(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Length", "1234")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodHead, "/?"+upstream.URL+"/archive.zip", http.NoBody)
	rec := serve(h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Length"); got != "1234" {
		t.Errorf("Content-Length = %q, want 1234", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body length = %d, want 0", rec.Body.Len())
	}
}

func TestProxyHandler_EventStreamReframed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"data: a\n\nda", "ta: b\r\n\r\n", "data: c\n\n"} {
			_, _ = w.Write([]byte(chunk))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	m := metrics.New()
	h := newTestProxyHandler(t, testConfig(), m)

	req := httptest.NewRequest(http.MethodGet, "/?"+upstream.URL, http.NoBody)
	rec := serve(h, req)

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", got)
	}
	if want := "data: a\n\ndata: b\n\ndata: c\n\n"; rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if got := counterValue(t, m, "cors_proxy_sse_events_total", "", ""); got != 3 {
		t.Errorf("sse events = %v, want 3", got)
	}
}

func TestProxyHandler_RawStream(t *testing.T) {
	payload := strings.Repeat("x", 100_000)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte(payload))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/?"+upstream.URL, http.NoBody)
	rec := serve(h, req)

	if rec.Body.String() != payload {
		t.Errorf("body length = %d, want %d", rec.Body.Len(), len(payload))
	}
	if got := rec.Header().Get("Content-Length"); got != "" {
		t.Errorf("Content-Length = %q, want none on a streamed body", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
}

func TestProxyHandler_UpstreamFailure(t *testing.T) {
	h := newTestProxyHandler(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/?http://127.0.0.1:1/", http.NoBody)
	rec := serve(h, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		t.Errorf("Content-Type = %q, want application/json", rec.Header().Get("Content-Type"))
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "error" {
		t.Errorf("status = %q, want error", body["status"])
	}
	if body["error"] == "" {
		t.Error("error message is empty")
	}
}

func TestProxyHandler_WebSocketInfo(t *testing.T) {
	h := newTestProxyHandler(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/?wss://echo.example.com/socket", http.NoBody)
	req.Header.Set("Origin", "https://app.example.com")
	rec := serve(h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "*" {
		t.Errorf("Allow-Headers = %q, want *", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT, DELETE, OPTIONS" {
		t.Errorf("Allow-Methods = %q", got)
	}

	var info bridge.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !info.Success {
		t.Error("success = false, want true")
	}
	if info.TargetURL != "wss://echo.example.com/socket" {
		t.Errorf("targetUrl = %q", info.TargetURL)
	}
}

func TestProxyHandler_ConcurrentRequestsStayIsolated(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Id", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(r.URL.Query().Get("id")))
	}))
	defer upstream.Close()

	h := newTestProxyHandler(t, testConfig(), nil)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan string, n)
	for i := range n {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			want := fmt.Sprint(id)
			req := httptest.NewRequest(http.MethodGet, "/?"+upstream.URL+"/?id="+want, http.NoBody)
			rec := serve(h, req)
			if rec.Body.String() != want || rec.Header().Get("X-Id") != want {
				errs <- fmt.Sprintf("request %s got body %q header %q", want, rec.Body.String(), rec.Header().Get("X-Id"))
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}
}

// counterValue returns the value of the counter called name whose label
// matches; an empty label selects an unlabeled counter.
func counterValue(t *testing.T, m *metrics.Metrics, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if label == "" {
				return metric.GetCounter().GetValue()
			}
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
