package mcp

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/attendant-ai/attendant/internal/common"
)

const testGatewayURL = "https://mcp.zapier.com/api/mcp/s/ZGVhZGJlZWYtMTIzNA/mcp"

func TestMaskURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "[NO_URL]"},
		{"not-a-url", "***MASKED_URL***"},
		{"https://mcp.zapier.com/api/mcp/s/secret-id/mcp", "https://mcp.zapier.com/***MASKED***"},
		{"http://localhost:8080/path", "http://localhost:8080/***MASKED***"},
	}
	for _, tc := range cases {
		if got := MaskURL(tc.in); got != tc.want {
			t.Errorf("MaskURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMaskURL_NeverEchoesPath(t *testing.T) {
	masked := MaskURL(testGatewayURL)
	if strings.Contains(masked, "ZGVhZGJlZWYtMTIzNA") {
		t.Fatalf("masked URL leaks the server path: %q", masked)
	}
}

func TestCredentials_ServerID(t *testing.T) {
	creds := newCredentials("https://mcp.zapier.com/api/v1/abcdefgh1234/", "zapier", false, time.Now())
	if creds.ServerID != "abcd...1234" {
		t.Fatalf("ServerID = %q, want abcd...1234", creds.ServerID)
	}

	short := newCredentials("https://mcp.zapier.com/api/v1/short", "zapier", false, time.Now())
	if short.ServerID != "****" {
		t.Fatalf("short segment must be fully masked, got %q", short.ServerID)
	}
}

func TestCredentials_URLHash(t *testing.T) {
	creds := newCredentials(testGatewayURL, "zapier", false, time.Now())
	hash := creds.URLHash()

	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(hash) {
		t.Fatalf("URLHash = %q, want 16 lowercase hex chars", hash)
	}
	if hash != creds.URLHash() {
		t.Fatal("URLHash must be stable")
	}
	other := newCredentials(testGatewayURL+"x", "zapier", false, time.Now())
	if hash == other.URLHash() {
		t.Fatal("different URLs must hash differently")
	}
}

func TestCredentials_Expiry(t *testing.T) {
	creds := newCredentials(testGatewayURL, "zapier", true, time.Now())
	if creds.IsExpired() || !creds.IsValid() {
		t.Fatal("credentials without expiry must be valid")
	}

	creds.ExpiresAt = time.Now().Add(-time.Minute)
	if !creds.IsExpired() || creds.IsValid() {
		t.Fatal("past expiry must invalidate credentials")
	}
}

func TestCredentials_StringNeverExposesURL(t *testing.T) {
	creds := newCredentials(testGatewayURL, "zapier", true, time.Now())
	if strings.Contains(creds.String(), "zapier.com/api") {
		t.Fatalf("String leaks the URL: %s", creds.String())
	}
}

func TestSecurityManager_LoadsFromEnvironment(t *testing.T) {
	t.Setenv(EnvMCPEnabled, "true")
	t.Setenv(EnvZapierServerURL, testGatewayURL)
	t.Setenv(EnvZapierSecret, "topsecret")

	m := NewSecurityManager(common.NewSilentLogger())

	if !m.Enabled() {
		t.Fatal("MCP_ENABLED=true not honored")
	}
	if !m.IsConfigured() {
		t.Fatal("expected configured manager")
	}
	creds, err := m.Credentials()
	if err != nil || creds == nil {
		t.Fatalf("Credentials() = %v, %v", creds, err)
	}
	if !creds.HasSecret {
		t.Fatal("secret presence not detected")
	}
	if m.Secret() != "topsecret" {
		t.Fatal("Secret() mismatch")
	}
}

func TestSecurityManager_Unconfigured(t *testing.T) {
	t.Setenv(EnvMCPEnabled, "false")
	t.Setenv(EnvZapierServerURL, "")
	t.Setenv(EnvZapierSecret, "")

	m := NewSecurityManager(common.NewSilentLogger())

	if m.IsConfigured() {
		t.Fatal("expected unconfigured manager")
	}
	creds, err := m.Credentials()
	if err != nil {
		t.Fatalf("missing configuration is not an error, got %v", err)
	}
	if creds != nil {
		t.Fatal("expected nil credentials when unconfigured")
	}
}

func TestSecurityManager_InvalidURLStillLoaded(t *testing.T) {
	// Validation is advisory: a non-HTTPS, wrong-domain URL loads with warnings.
	t.Setenv(EnvZapierServerURL, "http://example.com/mcp")
	t.Setenv(EnvZapierSecret, "")

	m := NewSecurityManager(common.NewSilentLogger())
	if !m.IsConfigured() {
		t.Fatal("advisory validation must not reject the URL")
	}
}

func TestSecurityManager_Rotate(t *testing.T) {
	t.Setenv(EnvZapierServerURL, testGatewayURL)
	m := NewSecurityManager(common.NewSilentLogger())

	first, _ := m.Credentials()
	t.Setenv(EnvZapierServerURL, "https://mcp.zapier.com/api/mcp/s/cm90YXRlZC11cmw/mcp")

	if !m.Rotate() {
		t.Fatal("rotation with a configured environment must succeed")
	}
	second, _ := m.Credentials()
	if first.URLHash() == second.URLHash() {
		t.Fatal("rotation did not pick up the new URL")
	}

	t.Setenv(EnvZapierServerURL, "")
	if m.Rotate() {
		t.Fatal("rotation without a URL must fail")
	}
	if m.IsConfigured() {
		t.Fatal("failed rotation must leave the manager unconfigured")
	}
}

func TestSecurityManager_StatusCarriesNoSecrets(t *testing.T) {
	t.Setenv(EnvMCPEnabled, "true")
	t.Setenv(EnvZapierServerURL, testGatewayURL)

	m := NewSecurityManager(common.NewSilentLogger())
	status := m.Status()

	if !status.Configured || !status.Valid {
		t.Fatalf("unexpected status %+v", status)
	}
	if strings.Contains(status.ServerID, "ZGVhZGJlZWYtMTIzNA") {
		t.Fatalf("status leaks the server segment: %+v", status)
	}
	if strings.Contains(status.URLHash, "zapier") {
		t.Fatalf("status leaks URL content: %+v", status)
	}
}

func TestSecurityManager_MaskSensitiveData(t *testing.T) {
	m := NewSecurityManager(common.NewSilentLogger())

	masked := m.MaskSensitiveData(map[string]any{
		"api_token":  "abcdefgh1234",
		"password":   "short",
		"server_url": "https://mcp.zapier.com/secret",
		"subject":    "Quarterly report",
		"count":      7,
		"nested": map[string]any{
			"client_secret": "wxyz9876abcd",
			"note":          "visible",
		},
		"auth_keys": []any{"abcdefgh1234", "tiny"},
	})

	if masked["api_token"] != "abcd...1234" {
		t.Errorf("api_token = %v, want abcd...1234", masked["api_token"])
	}
	if masked["password"] != "****" {
		t.Errorf("short secret must collapse to ****, got %v", masked["password"])
	}
	if v := masked["server_url"].(string); strings.Contains(v, "secret") {
		t.Errorf("server_url not masked: %v", v)
	}
	if masked["subject"] != "Quarterly report" {
		t.Errorf("non-sensitive value altered: %v", masked["subject"])
	}
	if masked["count"] != 7 {
		t.Errorf("non-string value altered: %v", masked["count"])
	}

	nested := masked["nested"].(map[string]any)
	if nested["client_secret"] != "wxyz...abcd" {
		t.Errorf("nested secret not masked: %v", nested["client_secret"])
	}
	if nested["note"] != "visible" {
		t.Errorf("nested non-sensitive value altered: %v", nested["note"])
	}

	keys := masked["auth_keys"].([]any)
	if keys[0] != "abcd...1234" || keys[1] != "****" {
		t.Errorf("slice under sensitive key not masked: %v", keys)
	}
}
