package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/attendant-ai/attendant/internal/common"
)

// newTestTransport builds a connected transport against url with backoff
// sleeps disabled.
func newTestTransport(t *testing.T, url string, maxRetries int) *StreamableHTTPTransport {
	t.Helper()
	tr := NewStreamableHTTPTransport(TransportOptions{
		ServerURL:  url,
		Secret:     "test-secret",
		Timeout:    5 * time.Second,
		MaxRetries: maxRetries,
		Logger:     common.NewSilentLogger(),
	})
	tr.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return tr
}

// decodeRPC reads the JSON-RPC envelope from an incoming test request.
func decodeRPC(t *testing.T, r *http.Request) jsonrpcRequest {
	t.Helper()
	var req jsonrpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func writeRPCResult(w http.ResponseWriter, id string, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

func TestTransport_SendRequest_NotConnected(t *testing.T) {
	tr := NewStreamableHTTPTransport(TransportOptions{ServerURL: "https://mcp.zapier.com/api/v1/s"})
	_, err := tr.SendRequest(context.Background(), &Request{Method: MethodPing})
	if _, ok := err.(*ConnectionError); !ok {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestTransport_Connect_NoURL(t *testing.T) {
	tr := NewStreamableHTTPTransport(TransportOptions{})
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("expected error connecting without a URL")
	}
}

func TestTransport_SendRequest_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-secret" {
			t.Errorf("missing bearer credential, got %q", got)
		}
		req := decodeRPC(t, r)
		if req.JSONRPC != "2.0" || req.ID == "" {
			t.Errorf("malformed envelope: %+v", req)
		}
		writeRPCResult(w, req.ID, map[string]any{"ok": true})
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, 0)
	resp, err := tr.SendRequest(context.Background(), &Request{Method: MethodToolsList})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil || result["ok"] != true {
		t.Fatalf("unexpected result %s (%v)", resp.Result, err)
	}
	if resp.LatencyMS <= 0 {
		t.Fatal("latency not recorded")
	}
}

func TestTransport_SendRequest_SSEBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRPC(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, ": comment\n\n")
		fmt.Fprintf(w, "event: message\n")
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%q,\"result\":{\"tools\":[]}}\n\n", req.ID)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, 0)
	resp, err := tr.SendRequest(context.Background(), &Request{Method: MethodToolsList})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success from SSE body, got %+v", resp)
	}
}

func TestTransport_SendRequest_RetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= 2 {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		req := decodeRPC(t, r)
		writeRPCResult(w, req.ID, map[string]any{"attempt": n})
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, 3)
	resp, err := tr.SendRequest(context.Background(), &Request{Method: MethodToolsCall})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected eventual success, got %+v", resp)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestTransport_SendRequest_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream unavailable", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, 2)
	resp, err := tr.SendRequest(context.Background(), &Request{Method: MethodToolsCall})
	if err != nil {
		t.Fatalf("exhaustion must not be an error, got %v", err)
	}
	if resp.Success || resp.ErrorCode != CodeConnectionFailed {
		t.Fatalf("expected connection-class failure, got %+v", resp)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d", calls.Load())
	}
}

func TestTransport_SendRequest_AuthFailureNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, 3)
	resp, err := tr.SendRequest(context.Background(), &Request{Method: MethodToolsCall})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if !resp.IsAuthError() || resp.ErrorCode != CodeAuthFailed {
		t.Fatalf("expected auth failure, got %+v", resp)
	}
	if calls.Load() != 1 {
		t.Fatalf("auth failures must not be retried, got %d attempts", calls.Load())
	}
}

func TestTransport_SendRequest_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, 3)
	resp, err := tr.SendRequest(context.Background(), &Request{Method: MethodToolsCall})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if !resp.IsRateLimited() {
		t.Fatalf("expected rate-limited response, got %+v", resp)
	}
	if resp.RetryAfter != 30*time.Second {
		t.Fatalf("Retry-After not honored: %v", resp.RetryAfter)
	}
}

func TestTransport_SendRequest_MethodNotFoundEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRPC(t, r)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": CodeMethodNotFound, "message": "Method not found"},
		})
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.URL, 0)
	resp, err := tr.SendRequest(context.Background(), &Request{Method: MethodPing})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.Success || resp.ErrorCode != CodeMethodNotFound {
		t.Fatalf("expected method-not-found envelope, got %+v", resp)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		header string
		want   time.Duration
	}{
		{"30", 30 * time.Second},
		{" 5 ", 5 * time.Second},
		{"", defaultRetryAfter},
		{"garbage", defaultRetryAfter},
		{"-1", defaultRetryAfter},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.header); got != tc.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tc.header, got, tc.want)
		}
	}
}

func TestParseSSEBody_FallsBackToFirstEnvelope(t *testing.T) {
	body := []byte("data: {\"jsonrpc\":\"2.0\",\"id\":\"other\",\"result\":{\"n\":1}}\n\n")
	rpc, err := parseSSEBody(body, "wanted")
	if err != nil {
		t.Fatalf("parseSSEBody: %v", err)
	}
	if rpc.Result == nil {
		t.Fatal("expected first well-formed envelope as fallback")
	}
}

func TestParseSSEBody_NoEnvelope(t *testing.T) {
	if _, err := parseSSEBody([]byte(": keepalive\n\n"), "id"); err == nil {
		t.Fatal("expected error for stream without envelopes")
	}
}
