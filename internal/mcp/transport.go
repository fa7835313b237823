package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/attendant-ai/attendant/internal/common"
	"github.com/attendant-ai/attendant/internal/metrics"
)

// MCP protocol methods.
const (
	MethodInitialize    = "initialize"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
	MethodPing          = "ping"
)

// JSON-RPC error codes. The -3200x range is the server-defined range; the
// gateway uses it for auth and throttling failures.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeServerError      = -32000
	CodeAuthFailed       = -32001
	CodeRateLimited      = -32002
	CodeConnectionFailed = -32003 // synthesized locally, never sent by the gateway
)

// maxResponseSize caps response bodies to prevent OOM from unexpectedly large responses.
const maxResponseSize = 50 << 20 // 50MB

// retryBackoffBase is the first retry delay; it doubles per attempt.
const retryBackoffBase = 500 * time.Millisecond

// defaultRetryAfter is used when a 429 carries no Retry-After header.
const defaultRetryAfter = 60 * time.Second

// Request is one logical MCP request.
type Request struct {
	Method string
	Params map[string]any
}

// Response is the outcome of one logical MCP exchange. Exactly one of Result
// and (ErrorCode, ErrorMessage) carries the payload.
type Response struct {
	Success      bool
	Result       json.RawMessage
	ErrorCode    int
	ErrorMessage string
	HTTPStatus   int
	LatencyMS    float64
	RetryAfter   time.Duration
}

// IsAuthError reports whether the response represents an authentication failure.
func (r *Response) IsAuthError() bool {
	return !r.Success && (r.ErrorCode == CodeAuthFailed ||
		r.HTTPStatus == http.StatusUnauthorized || r.HTTPStatus == http.StatusForbidden)
}

// IsRateLimited reports whether the response represents a throttling failure.
func (r *Response) IsRateLimited() bool {
	return !r.Success && (r.ErrorCode == CodeRateLimited || r.HTTPStatus == http.StatusTooManyRequests)
}

// Transport exchanges one logical request for one logical response with the
// remote gateway, handling transient failure and throughput limiting.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SendRequest(ctx context.Context, req *Request) (*Response, error)
	IsConnected() bool
}

// StreamableHTTPTransport speaks JSON-RPC 2.0 over HTTP POST to an MCP
// gateway, accepting both plain JSON and one-event SSE response bodies.
type StreamableHTTPTransport struct {
	serverURL  string // secret; never logged
	maskedURL  string
	secret     string
	httpClient *http.Client
	limiter    *RateLimiter
	maxRetries int
	sem        chan struct{} // bounds in-flight requests
	logger     *common.Logger
	metrics    *metrics.Metrics
	connected  atomic.Bool

	sleep func(ctx context.Context, d time.Duration) error // injectable backoff for testing
}

// TransportOptions configures a StreamableHTTPTransport.
type TransportOptions struct {
	ServerURL     string
	MaskedURL     string
	Secret        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	RateLimiter   *RateLimiter
	Logger        *common.Logger
	Metrics       *metrics.Metrics
}

// NewStreamableHTTPTransport creates a transport targeting the given gateway URL.
func NewStreamableHTTPTransport(opts TransportOptions) *StreamableHTTPTransport {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	masked := opts.MaskedURL
	if masked == "" {
		masked = MaskURL(opts.ServerURL)
	}
	return &StreamableHTTPTransport{
		serverURL:  opts.ServerURL,
		maskedURL:  masked,
		secret:     opts.Secret,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    opts.RateLimiter,
		maxRetries: opts.MaxRetries,
		sem:        make(chan struct{}, maxConcurrent),
		logger:     logger,
		metrics:    opts.Metrics,
		sleep:      sleepContext,
	}
}

// Connect marks the transport ready. The HTTP connection pool is lazy, so
// there is no handshake at this layer.
func (t *StreamableHTTPTransport) Connect(ctx context.Context) error {
	if t.serverURL == "" {
		return &ConnectionError{Message: "no gateway URL configured"}
	}
	t.connected.Store(true)
	t.logger.Debug().Str("server", t.maskedURL).Msg("transport connected")
	return nil
}

// Disconnect releases idle connections. Idempotent; never fails.
func (t *StreamableHTTPTransport) Disconnect(ctx context.Context) error {
	if t.connected.Swap(false) {
		t.httpClient.CloseIdleConnections()
		t.logger.Debug().Str("server", t.maskedURL).Msg("transport disconnected")
	}
	return nil
}

// IsConnected reports whether Connect has been called without a matching Disconnect.
func (t *StreamableHTTPTransport) IsConnected() bool {
	return t.connected.Load()
}

// jsonrpcRequest is the wire shape of an outgoing request.
type jsonrpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      string         `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// jsonrpcResponse is the wire shape of an incoming response.
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SendRequest dispatches one request, applying rate limiting and retrying
// transient failures with exponential backoff. Transient exhaustion yields a
// connection-class Response rather than an error; a non-nil error indicates
// misuse (not connected) or context cancellation.
func (t *StreamableHTTPTransport) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	if !t.IsConnected() {
		return nil, &ConnectionError{Message: "transport not connected"}
	}

	// Bounded in-flight requests: queue, never fail.
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-t.sem }()

	if t.metrics != nil {
		t.metrics.InFlight.Inc()
		defer t.metrics.InFlight.Dec()
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			if t.metrics != nil {
				t.metrics.RetriesTotal.Inc()
			}
			backoff := retryBackoffBase << (attempt - 1)
			t.logger.Debug().
				Str("method", req.Method).
				Int("attempt", attempt).
				Int64("backoff_ms", backoff.Milliseconds()).
				Msg("retrying gateway request")
			if err := t.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, retriable, err := t.sendOnce(ctx, req)
		if err == nil {
			resp.LatencyMS = float64(time.Since(start).Microseconds()) / 1000.0
			t.observe(req.Method, resp, start)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !retriable {
			break
		}
	}

	// Exhausted retries: surface as a connection-class response for ordinary
	// control flow rather than an error.
	t.logger.Error().
		Str("method", req.Method).
		Str("server", t.maskedURL).
		Int("retries", t.maxRetries).
		Str("error", lastErr.Error()).
		Msg("gateway request failed after retries")

	resp := &Response{
		Success:      false,
		ErrorCode:    CodeConnectionFailed,
		ErrorMessage: fmt.Sprintf("gateway unreachable after %d retries: %v", t.maxRetries, lastErr),
		LatencyMS:    float64(time.Since(start).Microseconds()) / 1000.0,
	}
	t.observe(req.Method, resp, start)
	return resp, nil
}

// sendOnce performs a single HTTP exchange. The returned error is non-nil
// only for failures that did not produce a protocol-level Response; retriable
// reports whether such a failure is worth another attempt.
func (t *StreamableHTTPTransport) sendOnce(ctx context.Context, req *Request) (resp *Response, retriable bool, err error) {
	wire := jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  req.Method,
		Params:  req.Params,
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL, bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if t.secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.secret)
	}

	t.logger.Debug().
		Str("method", req.Method).
		Str("server", t.maskedURL).
		Msg("gateway request")

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		// Network failure or timeout: transient.
		return nil, true, fmt.Errorf("gateway request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return &Response{
			Success:      false,
			ErrorCode:    CodeAuthFailed,
			ErrorMessage: "gateway rejected credentials",
			HTTPStatus:   httpResp.StatusCode,
		}, false, nil

	case httpResp.StatusCode == http.StatusTooManyRequests:
		return &Response{
			Success:      false,
			ErrorCode:    CodeRateLimited,
			ErrorMessage: "gateway rate limit exceeded",
			HTTPStatus:   httpResp.StatusCode,
			RetryAfter:   parseRetryAfter(httpResp.Header.Get("Retry-After")),
		}, false, nil

	case httpResp.StatusCode >= 500:
		// Try the envelope first: some gateways return JSON-RPC errors with
		// a 5xx status. Without an envelope, treat as transient.
		if rpc, perr := parseRPCBody(body, httpResp.Header.Get("Content-Type"), wire.ID); perr == nil && rpc.Error != nil {
			return responseFromRPC(rpc, httpResp.StatusCode), false, nil
		}
		return nil, true, fmt.Errorf("gateway returned %d: %s", httpResp.StatusCode, truncate(string(body), 200))

	case httpResp.StatusCode >= 400:
		return &Response{
			Success:      false,
			ErrorCode:    CodeInvalidRequest,
			ErrorMessage: fmt.Sprintf("gateway returned %d: %s", httpResp.StatusCode, truncate(string(body), 200)),
			HTTPStatus:   httpResp.StatusCode,
		}, false, nil
	}

	rpc, err := parseRPCBody(body, httpResp.Header.Get("Content-Type"), wire.ID)
	if err != nil {
		return nil, true, fmt.Errorf("failed to parse gateway response: %w", err)
	}
	return responseFromRPC(rpc, httpResp.StatusCode), false, nil
}

// observe records metrics for a completed exchange.
func (t *StreamableHTTPTransport) observe(method string, resp *Response, start time.Time) {
	if t.metrics == nil {
		return
	}
	outcome := "success"
	if !resp.Success {
		outcome = "error"
	}
	t.metrics.ObserveRequest(method, outcome, time.Since(start).Seconds())
}

// responseFromRPC maps a JSON-RPC envelope to a Response.
func responseFromRPC(rpc *jsonrpcResponse, httpStatus int) *Response {
	if rpc.Error != nil {
		resp := &Response{
			Success:      false,
			ErrorCode:    rpc.Error.Code,
			ErrorMessage: rpc.Error.Message,
			HTTPStatus:   httpStatus,
		}
		if resp.IsRateLimited() {
			resp.RetryAfter = defaultRetryAfter
		}
		return resp
	}
	return &Response{
		Success:    true,
		Result:     rpc.Result,
		HTTPStatus: httpStatus,
	}
}

// parseRPCBody decodes a JSON-RPC response from either a plain JSON body or
// a text/event-stream body (streamable-HTTP gateways answer POSTs with a
// one-event SSE stream). For SSE, data lines are scanned for the response
// matching the request ID, falling back to the first well-formed envelope.
func parseRPCBody(body []byte, contentType, requestID string) (*jsonrpcResponse, error) {
	if strings.Contains(contentType, "text/event-stream") {
		return parseSSEBody(body, requestID)
	}
	var rpc jsonrpcResponse
	if err := json.Unmarshal(body, &rpc); err != nil {
		return nil, err
	}
	return &rpc, nil
}

// parseSSEBody extracts the JSON-RPC response from SSE data lines.
func parseSSEBody(body []byte, requestID string) (*jsonrpcResponse, error) {
	var first *jsonrpcResponse
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseSize)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var rpc jsonrpcResponse
		if err := json.Unmarshal([]byte(data), &rpc); err != nil {
			continue
		}
		if rpc.Result == nil && rpc.Error == nil {
			continue
		}
		if id, ok := rpc.ID.(string); ok && id == requestID {
			return &rpc, nil
		}
		if first == nil {
			first = &rpc
		}
	}
	if first != nil {
		return first, nil
	}
	return nil, fmt.Errorf("no JSON-RPC response found in event stream")
}

// parseRetryAfter parses a Retry-After header in seconds form.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryAfter
}

// truncate shortens s to at most n runes for log and error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
