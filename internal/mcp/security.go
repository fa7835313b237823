package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/attendant-ai/attendant/internal/common"
)

// Environment variable names consumed by the security manager.
const (
	EnvMCPEnabled      = "MCP_ENABLED"
	EnvZapierServerURL = "ZAPIER_MCP_SERVER_URL"
	EnvZapierSecret    = "ZAPIER_MCP_SERVER_SECRET"
)

// maskedPlaceholder replaces values too short to mask head/tail.
const maskedPlaceholder = "****"

// sensitiveTerms flag a map key as carrying secret material.
var sensitiveTerms = []string{"url", "token", "secret", "key", "password", "auth", "credential"}

// Credentials holds one gateway endpoint. The URL is a secret: only the
// masked form or the hash may appear in logs or errors.
type Credentials struct {
	ServerURL string // secret
	Provider  string
	ServerID  string // derived, safe to log
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
	HasSecret bool
}

// newCredentials derives the safe-to-log server ID from the URL.
func newCredentials(serverURL, provider string, hasSecret bool, now time.Time) *Credentials {
	return &Credentials{
		ServerURL: serverURL,
		Provider:  provider,
		ServerID:  extractServerID(serverURL),
		CreatedAt: now,
		HasSecret: hasSecret,
	}
}

// extractServerID masks the last path segment of the URL, which is typically
// the per-account server identifier.
func extractServerID(serverURL string) string {
	if serverURL == "" {
		return "unknown"
	}
	trimmed := strings.TrimRight(serverURL, "/")
	idx := strings.LastIndex(trimmed, "/")
	id := trimmed
	if idx >= 0 {
		id = trimmed[idx+1:]
	}
	if len(id) > 8 {
		return id[:4] + "..." + id[len(id)-4:]
	}
	return maskedPlaceholder
}

// MaskedURL returns the URL with scheme and host preserved and everything
// after the host replaced by a fixed marker.
func (c *Credentials) MaskedURL() string {
	return MaskURL(c.ServerURL)
}

// IsExpired reports whether an explicit expiry has passed. Credentials have
// no inherent expiry.
func (c *Credentials) IsExpired() bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(c.ExpiresAt)
}

// IsValid reports whether the credentials are present and not expired.
func (c *Credentials) IsValid() bool {
	return c.ServerURL != "" && !c.IsExpired()
}

// URLHash returns a short stable SHA-256 hash of the URL for comparison
// without exposing it.
func (c *Credentials) URLHash() string {
	if c.ServerURL == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(c.ServerURL))
	return hex.EncodeToString(sum[:])[:16]
}

// String never exposes the URL.
func (c *Credentials) String() string {
	return fmt.Sprintf("Credentials(provider=%s, server_id=%s, valid=%t)", c.Provider, c.ServerID, c.IsValid())
}

// MaskURL masks everything after the host of a URL for safe display.
func MaskURL(rawURL string) string {
	if rawURL == "" {
		return "[NO_URL]"
	}
	scheme, rest, found := strings.Cut(rawURL, "://")
	if !found {
		return "***MASKED_URL***"
	}
	if host, _, hasPath := strings.Cut(rest, "/"); hasPath {
		return scheme + "://" + host + "/***MASKED***"
	}
	if len(rest) > 10 {
		rest = rest[:10]
	}
	return scheme + "://" + rest + "...***"
}

// SecurityManager loads gateway credentials from the environment, validates
// them advisorily, and provides masked forms for logging. It is constructed
// once at startup and passed to every component that needs it.
type SecurityManager struct {
	mu       sync.Mutex
	enabled  bool
	provider string
	domain   string // expected provider domain for advisory validation
	creds    *Credentials
	logger   *common.Logger
}

// NewSecurityManager reads MCP_ENABLED and the Zapier gateway URL from the
// environment. Malformed URLs are loaded with a warning: validation here is
// advisory, the gateway has the final say.
func NewSecurityManager(logger *common.Logger) *SecurityManager {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	m := &SecurityManager{
		provider: "zapier",
		domain:   "zapier.com",
		logger:   logger,
	}
	m.loadEnvironment()

	m.logger.Info().
		Bool("enabled", m.enabled).
		Bool("configured", m.IsConfigured()).
		Msg("security manager initialized")
	return m
}

// loadEnvironment reads and validates the environment. Must be called with
// mu held or before the manager is shared.
func (m *SecurityManager) loadEnvironment() {
	m.enabled = strings.EqualFold(os.Getenv(EnvMCPEnabled), "true")

	serverURL := os.Getenv(EnvZapierServerURL)
	if serverURL == "" {
		m.creds = nil
		return
	}

	if !m.validateURL(serverURL) {
		m.logger.Warn().
			Str("expected", "https://mcp."+m.domain+"/api/v1/...").
			Msg("gateway URL format may be invalid")
	}

	hasSecret := os.Getenv(EnvZapierSecret) != ""
	m.creds = newCredentials(serverURL, m.provider, hasSecret, time.Now())
	m.logger.Info().Str("server", m.creds.MaskedURL()).Msg("loaded gateway credentials")
}

// validateURL checks the URL uses https and belongs to the provider domain.
// Advisory only; the caller logs a warning rather than rejecting.
func (m *SecurityManager) validateURL(serverURL string) bool {
	if !strings.HasPrefix(serverURL, "https://") {
		m.logger.Warn().Msg("gateway URL should use HTTPS")
		return false
	}
	if !strings.Contains(strings.ToLower(serverURL), m.domain) {
		m.logger.Warn().Str("domain", m.domain).Msg("gateway URL does not match expected provider domain")
		return false
	}
	return true
}

// Enabled reports the MCP_ENABLED switch.
func (m *SecurityManager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// IsConfigured reports whether a usable gateway URL was loaded.
func (m *SecurityManager) IsConfigured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds != nil && m.creds.IsValid()
}

// Credentials returns the stored credentials, or nil if unconfigured. An
// AuthError is returned specifically when credentials exist but are expired.
func (m *SecurityManager) Credentials() (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.creds == nil {
		m.logger.Error().Str("env", EnvZapierServerURL).Msg("gateway not configured")
		return nil, nil
	}
	if m.creds.IsExpired() {
		m.logger.Warn().Msg("gateway credentials have expired")
		return nil, &AuthError{Message: "gateway credentials have expired", TokenExpired: true}
	}
	return m.creds, nil
}

// Secret returns the optional secondary auth credential.
func (m *SecurityManager) Secret() string {
	return os.Getenv(EnvZapierSecret)
}

// Rotate clears the cached entry and reloads from the environment, picking up
// externally updated values. Returns whether a credential was loaded.
func (m *SecurityManager) Rotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info().Str("provider", m.provider).Msg("rotating gateway credentials")
	m.creds = nil
	m.loadEnvironment()

	if m.creds == nil {
		m.logger.Error().Str("provider", m.provider).Msg("credential rotation failed")
		return false
	}
	m.logger.Info().Str("provider", m.provider).Msg("credentials rotated")
	return true
}

// CredentialsStatus is a safe-for-logging snapshot of one provider's state.
type CredentialsStatus struct {
	Enabled    bool   `json:"mcp_enabled"`
	Provider   string `json:"provider"`
	Configured bool   `json:"configured"`
	Valid      bool   `json:"valid"`
	Expired    bool   `json:"expired"`
	ServerID   string `json:"server_id,omitempty"`
	URLHash    string `json:"url_hash,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// Status returns the credential state with no secrets exposed.
func (m *SecurityManager) Status() CredentialsStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := CredentialsStatus{
		Enabled:  m.enabled,
		Provider: m.provider,
	}
	if m.creds != nil {
		status.Configured = true
		status.Valid = m.creds.IsValid()
		status.Expired = m.creds.IsExpired()
		status.ServerID = m.creds.ServerID
		status.URLHash = m.creds.URLHash()
		status.CreatedAt = m.creds.CreatedAt.UTC().Format(time.RFC3339)
	}
	return status
}

// MaskSensitiveData returns a copy of data with string values under sensitive
// key names replaced by a head/tail-preserving mask. Nested maps and slices
// are walked recursively; everything else passes through unchanged.
func (m *SecurityManager) MaskSensitiveData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = maskValue(k, v)
	}
	return out
}

func maskValue(key string, value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[k] = maskValue(k, inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = maskValue(key, inner)
		}
		return out
	case string:
		if !isSensitiveKey(key) {
			return v
		}
		if len(v) > 8 {
			return v[:4] + "..." + v[len(v)-4:]
		}
		return maskedPlaceholder
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range sensitiveTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
