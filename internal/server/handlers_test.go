package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/attendant-ai/attendant/internal/common"
	"github.com/attendant-ai/attendant/internal/config"
	"github.com/attendant-ai/attendant/internal/mcp"
	"github.com/attendant-ai/attendant/internal/metrics"
)

// newTestServer builds a server with an unconfigured gateway and no tool
// manager, which is the state the MCP endpoints must degrade gracefully in.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv(mcp.EnvZapierServerURL, "")

	return New(Options{
		Config:   config.NewDefaultConfig(),
		Logger:   common.NewSilentLogger(),
		Metrics:  metrics.New(),
		Security: mcp.NewSecurityManager(common.NewSilentLogger()),
	})
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["service"] != "attendant" {
		t.Fatalf("unexpected body: %v", body)
	}
	gateway := body["gateway"].(map[string]any)
	if gateway["initialized"] != false {
		t.Fatalf("gateway should report uninitialized: %v", gateway)
	}
}

func TestServer_Health_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/healthz")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestServer_Version(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/version")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["version"] == "" {
		t.Fatalf("missing version: %v", body)
	}
}

func TestServer_Stats_GatewayNotConfigured(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/mcp/stats")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestServer_Tools_GatewayNotConfigured(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/mcp/tools")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestServer_Credentials_NoSecretsInPayload(t *testing.T) {
	secretURL := "https://mcp.zapier.com/api/mcp/s/dG9wLXNlY3JldC1pZA/mcp"
	t.Setenv(mcp.EnvMCPEnabled, "true")
	t.Setenv(mcp.EnvZapierServerURL, secretURL)

	s := New(Options{
		Config:   config.NewDefaultConfig(),
		Logger:   common.NewSilentLogger(),
		Metrics:  metrics.New(),
		Security: mcp.NewSecurityManager(common.NewSilentLogger()),
	})

	rec := doRequest(t, s, http.MethodGet, "/api/mcp/credentials")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "dG9wLXNlY3JldC1pZA") {
		t.Fatalf("credential payload leaks the server URL: %s", rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["configured"] != true {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestServer_CredentialsRotate_RequiresPost(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/mcp/credentials/rotate")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestServer_CredentialsRotate_Unconfigured(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/mcp/credentials/rotate")
	if rec.Code != http.StatusConflict {
		t.Fatalf("rotation without env config should conflict, got %d", rec.Code)
	}
}

func TestServer_UnknownAPIRoute(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "Not Found" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "attendant_start_time_seconds") {
		t.Fatal("expected application metrics in exposition")
	}
}
