// Package mcp implements the Model Context Protocol client stack: transport,
// protocol client, credential handling, and the Zapier bridge that exposes
// remote gateway actions as uniformly-shaped tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/attendant-ai/attendant/internal/common"
)

// protocolVersion is the MCP protocol revision announced during the handshake.
const protocolVersion = "2024-11-05"

// DefaultToolCacheTTL is the tool-definition cache validity window.
const DefaultToolCacheTTL = 300 * time.Second

// ClientOptions configures a Client.
type ClientOptions struct {
	CacheTools     bool
	ToolCacheTTL   time.Duration
	ValidateParams bool
	Logger         *common.Logger
}

// Client layers MCP protocol semantics over a Transport: the initialize
// handshake, tool discovery and caching, parameter validation, and mapping of
// error responses onto the typed error taxonomy.
type Client struct {
	transport      Transport
	cache          *toolCache
	validateParams bool
	logger         *common.Logger

	connected  atomic.Bool
	serverInfo map[string]any

	callCount  atomic.Int64
	errorCount atomic.Int64
}

// NewClient creates a client over the given transport.
func NewClient(transport Transport, opts ClientOptions) *Client {
	ttl := opts.ToolCacheTTL
	if ttl <= 0 {
		ttl = DefaultToolCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &Client{
		transport:      transport,
		cache:          newToolCache(opts.CacheTools, ttl),
		validateParams: opts.ValidateParams,
		logger:         logger,
	}
}

// Connect connects the transport, attempts the protocol handshake, and
// prefetches the tool list when caching is enabled. The handshake and the
// prefetch are both best-effort: servers that do not support initialize are
// accepted without metadata, and a failed prefetch is logged, not fatal.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return &ConnectionError{Message: fmt.Sprintf("transport failed to connect: %v", err)}
	}
	c.connected.Store(true)

	resp, err := c.transport.SendRequest(ctx, &Request{
		Method: MethodInitialize,
		Params: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{},
			},
			"clientInfo": map[string]any{
				"name":    "attendant-mcp-client",
				"version": "1.0.0",
			},
		},
	})
	if err == nil && resp.Success {
		var info map[string]any
		if len(resp.Result) > 0 && json.Unmarshal(resp.Result, &info) == nil {
			c.serverInfo = info
		}
		c.logger.Info().Msg("MCP handshake successful")
	} else if err == nil {
		// Some servers don't support initialize; proceed without metadata.
		c.logger.Debug().Str("error", resp.ErrorMessage).Msg("initialize not supported, continuing")
	} else {
		c.logger.Debug().Str("error", err.Error()).Msg("initialize request failed, continuing")
	}

	if c.cache.enabled {
		if _, err := c.ListTools(ctx, false); err != nil {
			c.logger.Warn().Str("error", err.Error()).Msg("failed to prefetch tools")
		}
	}

	return nil
}

// Disconnect tears down the transport and clears the tool cache. Counters are
// reported, then survive until the next Connect.
func (c *Client) Disconnect(ctx context.Context) error {
	err := c.transport.Disconnect(ctx)
	c.connected.Store(false)
	c.cache.Clear()
	c.serverInfo = nil

	c.logger.Info().
		Int64("calls", c.callCount.Load()).
		Int64("errors", c.errorCount.Load()).
		Msg("MCP client disconnected")
	return err
}

// IsConnected reports whether both the client and its transport are connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.transport.IsConnected()
}

// ServerInfo returns the metadata negotiated during the handshake, if any.
func (c *Client) ServerInfo() map[string]any {
	return c.serverInfo
}

// ListTools returns the available tool definitions, from cache when valid.
// forceRefresh bypasses the cache. The cache is replaced wholesale on fetch.
func (c *Client) ListTools(ctx context.Context, forceRefresh bool) ([]*ToolDefinition, error) {
	if !c.IsConnected() {
		return nil, &ConnectionError{Message: "not connected to MCP server"}
	}

	if !forceRefresh && c.cache.Valid() {
		tools := c.cache.Snapshot()
		c.logger.Debug().Int("tools", len(tools)).Msg("using cached tools")
		return tools, nil
	}

	resp, err := c.transport.SendRequest(ctx, &Request{Method: MethodToolsList})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, c.errorFromResponse(resp, "list_tools")
	}

	var result struct {
		Tools []*ToolDefinition `json:"tools"`
	}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, &ServerError{Message: fmt.Sprintf("malformed tools/list result: %v", err)}
		}
	}

	c.cache.Replace(result.Tools)
	c.logger.Info().Int("tools", len(result.Tools)).Msg("loaded tools from MCP server")
	return result.Tools, nil
}

// GetTool returns the definition for name, lazily populating the cache via
// ListTools when empty. A missing tool yields (nil, nil), not an error.
func (c *Client) GetTool(ctx context.Context, name string) (*ToolDefinition, error) {
	if c.cache.Len() == 0 {
		if _, err := c.ListTools(ctx, false); err != nil {
			return nil, err
		}
	}
	tool, _ := c.cache.Get(name)
	return tool, nil
}

// CallTool executes a tool. When validation is enabled and the definition is
// known, required parameters are checked first; unknown parameters are logged
// but accepted. Rate-limit and auth failures are returned as typed errors;
// every other failure comes back as a non-success ToolResult so batch
// orchestration can continue tool-by-tool.
func (c *Client) CallTool(ctx context.Context, name string, params map[string]any) (*ToolResult, error) {
	return c.callTool(ctx, name, params, c.validateParams)
}

// CallToolWithValidation is CallTool with the validation default overridden.
func (c *Client) CallToolWithValidation(ctx context.Context, name string, params map[string]any, validate bool) (*ToolResult, error) {
	return c.callTool(ctx, name, params, validate)
}

func (c *Client) callTool(ctx context.Context, name string, params map[string]any, validate bool) (*ToolResult, error) {
	if !c.IsConnected() {
		return nil, &ConnectionError{Message: "not connected to MCP server"}
	}

	c.callCount.Add(1)
	c.logger.Info().Str("tool", name).Msg("calling tool")

	if validate {
		tool, err := c.GetTool(ctx, name)
		if err != nil {
			return nil, err
		}
		// Schema-unknown tools skip required-field checking but are still called.
		if tool != nil {
			missing, unknown := tool.ValidateParams(params)
			for _, u := range unknown {
				c.logger.Warn().Str("tool", name).Str("param", u).Msg("unknown parameter")
			}
			if len(missing) > 0 {
				c.errorCount.Add(1)
				return nil, newValidationError(name, missing)
			}
		}
	}

	resp, err := c.transport.SendRequest(ctx, &Request{
		Method: MethodToolsCall,
		Params: map[string]any{
			"name":      name,
			"arguments": params,
		},
	})
	if err != nil {
		c.errorCount.Add(1)
		return nil, err
	}

	result := toolResultFromResponse(name, resp)
	if result.Success {
		c.logger.Info().Str("tool", name).Float64("duration_ms", result.ExecutionTimeMS).Msg("tool executed")
		return result, nil
	}

	c.errorCount.Add(1)
	c.logger.Error().Str("tool", name).Str("error", result.Error).Msg("tool failed")

	if resp.IsRateLimited() {
		retryAfter := resp.RetryAfter
		if retryAfter <= 0 {
			retryAfter = defaultRetryAfter
		}
		return nil, &RateLimitError{
			Message:    fmt.Sprintf("rate limited while executing %s", name),
			RetryAfter: retryAfter,
		}
	}
	if resp.IsAuthError() {
		return nil, &AuthError{Message: fmt.Sprintf("authentication failed for %s", name)}
	}

	return result, nil
}

// CallToolSafe is CallTool with every error class converted into a
// failure-shaped result. It never returns an error.
func (c *Client) CallToolSafe(ctx context.Context, name string, params map[string]any) *ToolResult {
	result, err := c.CallTool(ctx, name, params)
	if err != nil {
		c.logger.Error().Str("tool", name).Str("error", err.Error()).Msg("tool call failed")
		return toolResultFromError(name, err)
	}
	return result
}

// ListResources lists the resources exposed by the server.
func (c *Client) ListResources(ctx context.Context) ([]map[string]any, error) {
	if !c.IsConnected() {
		return nil, &ConnectionError{Message: "not connected to MCP server"}
	}

	resp, err := c.transport.SendRequest(ctx, &Request{Method: MethodResourcesList})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, c.errorFromResponse(resp, "list_resources")
	}

	var result struct {
		Resources []map[string]any `json:"resources"`
	}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, &ServerError{Message: fmt.Sprintf("malformed resources/list result: %v", err)}
		}
	}
	c.logger.Info().Int("resources", len(result.Resources)).Msg("loaded resources")
	return result.Resources, nil
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (map[string]any, error) {
	if !c.IsConnected() {
		return nil, &ConnectionError{Message: "not connected to MCP server"}
	}

	resp, err := c.transport.SendRequest(ctx, &Request{
		Method: MethodResourcesRead,
		Params: map[string]any{"uri": uri},
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, c.errorFromResponse(resp, "read_resource")
	}

	content := map[string]any{}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &content); err != nil {
			return nil, &ServerError{Message: fmt.Sprintf("malformed resources/read result: %v", err)}
		}
	}
	return content, nil
}

// Ping probes liveness. A server that answers "method not found" is treated
// as alive but unsupporting.
func (c *Client) Ping(ctx context.Context) bool {
	if !c.IsConnected() {
		return false
	}
	resp, err := c.transport.SendRequest(ctx, &Request{Method: MethodPing})
	if err != nil {
		return false
	}
	return resp.Success || resp.ErrorCode == CodeMethodNotFound
}

// Stats is a point-in-time snapshot of client counters and cache state.
type Stats struct {
	Connected   bool    `json:"connected"`
	ToolsCached int     `json:"tools_cached"`
	CacheValid  bool    `json:"cache_valid"`
	CallCount   int64   `json:"call_count"`
	ErrorCount  int64   `json:"error_count"`
	ErrorRate   float64 `json:"error_rate"`
}

// GetStats returns the current counters and cache state. ErrorRate is a
// percentage of all calls.
func (c *Client) GetStats() Stats {
	calls := c.callCount.Load()
	errs := c.errorCount.Load()
	denom := calls
	if denom == 0 {
		denom = 1
	}
	return Stats{
		Connected:   c.IsConnected(),
		ToolsCached: c.cache.Len(),
		CacheValid:  c.cache.Valid(),
		CallCount:   calls,
		ErrorCount:  errs,
		ErrorRate:   float64(errs) / float64(denom) * 100,
	}
}

// Health aggregates connection state, cache validity, and statistics.
type Health struct {
	Connected          bool           `json:"connected"`
	PingOK             bool           `json:"ping_ok"`
	TransportConnected bool           `json:"transport_connected"`
	ToolsCached        int            `json:"tools_cached"`
	CacheValid         bool           `json:"cache_valid"`
	ServerInfo         map[string]any `json:"server_info,omitempty"`
	Stats              Stats          `json:"stats"`
}

// HealthCheck runs a liveness probe and returns one aggregate snapshot.
func (c *Client) HealthCheck(ctx context.Context) Health {
	pingOK := false
	if c.IsConnected() {
		pingOK = c.Ping(ctx)
	}
	return Health{
		Connected:          c.IsConnected(),
		PingOK:             pingOK,
		TransportConnected: c.transport.IsConnected(),
		ToolsCached:        c.cache.Len(),
		CacheValid:         c.cache.Valid(),
		ServerInfo:         c.serverInfo,
		Stats:              c.GetStats(),
	}
}

// errorFromResponse maps an error response to the taxonomy for the strict
// discovery/read operations.
func (c *Client) errorFromResponse(resp *Response, operation string) error {
	message := resp.ErrorMessage
	if message == "" {
		message = "unknown error"
	}

	switch {
	case resp.IsAuthError():
		return &AuthError{
			Message:      fmt.Sprintf("authentication failed during %s: %s", operation, message),
			TokenExpired: resp.ErrorCode == CodeAuthFailed,
		}
	case resp.IsRateLimited():
		retryAfter := resp.RetryAfter
		if retryAfter <= 0 {
			retryAfter = defaultRetryAfter
		}
		return &RateLimitError{
			Message:    fmt.Sprintf("rate limited during %s: %s", operation, message),
			RetryAfter: retryAfter,
		}
	case resp.ErrorCode == CodeMethodNotFound:
		return &ToolExecutionError{
			Message:  fmt.Sprintf("method not found: %s", operation),
			ToolName: operation,
		}
	case resp.ErrorCode == CodeInvalidParams:
		return &ValidationError{
			Message: fmt.Sprintf("invalid parameters for %s: %s", operation, message),
		}
	case resp.ErrorCode == CodeConnectionFailed:
		return &ConnectionError{Message: fmt.Sprintf("%s failed: %s", operation, message)}
	default:
		return &ServerError{
			Message:    fmt.Sprintf("server error during %s: %s", operation, message),
			StatusCode: resp.HTTPStatus,
		}
	}
}
