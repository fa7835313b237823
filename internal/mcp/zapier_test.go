package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/attendant-ai/attendant/internal/common"
)

func TestCategorizeTool_Prefixes(t *testing.T) {
	cases := []struct {
		name     string
		category Category
		app      string
		action   string
	}{
		{"gmail_send_email", CategoryEmail, "Gmail", "Send Email"},
		{"slack_post_message", CategoryMessaging, "Slack", "Post Message"},
		{"google_sheets_add_row", CategorySpreadsheet, "Google", "Sheets Add Row"},
		{"salesforce_create_lead", CategoryCRM, "Salesforce", "Create Lead"},
		{"outlook_calendar_create_event", CategoryCalendar, "Outlook", "Calendar Create Event"},
		{"stripe_create_charge", CategoryEcommerce, "Stripe", "Create Charge"},
		{"xyz_unknown_action", CategoryOther, "Xyz", "Unknown Action"},
	}
	for _, tc := range cases {
		tool := categorizeTool(&ToolDefinition{Name: tc.name})
		if tool.Category != tc.category {
			t.Errorf("%s: category = %s, want %s", tc.name, tool.Category, tc.category)
		}
		if tool.AppName != tc.app {
			t.Errorf("%s: app = %q, want %q", tc.name, tool.AppName, tc.app)
		}
		if tool.ActionName != tc.action {
			t.Errorf("%s: action = %q, want %q", tc.name, tool.ActionName, tc.action)
		}
	}
}

func TestCategorizeTool_InfixMatch(t *testing.T) {
	tool := categorizeTool(&ToolDefinition{Name: "my_gmail_helper"})
	if tool.Category != CategoryEmail {
		t.Fatalf("infix prefix match failed: %s", tool.Category)
	}
}

func TestCategorizeTool_DescriptionOverridesAction(t *testing.T) {
	tool := categorizeTool(&ToolDefinition{
		Name:        "gmail_send_email",
		Description: "Send an email. Supports attachments and HTML bodies up to 25MB.",
	})
	if tool.ActionName != "Send an email" {
		t.Fatalf("short first sentence should become the action, got %q", tool.ActionName)
	}

	long := categorizeTool(&ToolDefinition{
		Name:        "gmail_send_email",
		Description: "This extremely long first sentence goes on and on well past fifty characters. More.",
	})
	if long.ActionName != "Send Email" {
		t.Fatalf("long first sentence must not override, got %q", long.ActionName)
	}
}

func TestCategorizeTool_SinglePartName(t *testing.T) {
	tool := categorizeTool(&ToolDefinition{Name: "webhook"})
	if tool.Category != CategoryAutomation || tool.AppName != "Webhook" || tool.ActionName != "Action" {
		t.Fatalf("unexpected: %+v", tool)
	}
}

func TestZapierTool_DisplayNameAndMap(t *testing.T) {
	tool := categorizeTool(gmailSendTool(t))
	assert.Equal(t, "email", string(tool.Category))

	m := tool.ToMap()
	assert.Equal(t, "gmail_send_email", m["name"])
	assert.Equal(t, tool.DisplayName(), m["display_name"])
	assert.ElementsMatch(t, []string{"to", "subject", "body"}, m["required_params"])
	assert.Equal(t, []string{"cc"}, m["optional_params"])
}

// newGatewayFixture serves an MCP gateway over httptest with the given tool
// catalog. callHandler, when non-nil, scripts tools/call responses.
func newGatewayFixture(t *testing.T, tools []mcpgo.Tool, callHandler func(name string, args map[string]any) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string         `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case MethodInitialize:
			result = map[string]any{
				"protocolVersion": protocolVersion,
				"serverInfo":      map[string]any{"name": "zapier", "version": "1.0"},
			}
		case MethodToolsList:
			result = map[string]any{"tools": tools}
		case MethodToolsCall:
			name, _ := req.Params["name"].(string)
			args, _ := req.Params["arguments"].(map[string]any)
			if callHandler != nil {
				result = callHandler(name, args)
			} else {
				result = map[string]any{"content": []map[string]any{{"type": "text", "text": `{"status":"ok"}`}}}
			}
		default:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": CodeMethodNotFound, "message": "Method not found"},
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
}

func gatewayTools() []mcpgo.Tool {
	return []mcpgo.Tool{
		mcpgo.NewTool("gmail_send_email",
			mcpgo.WithDescription("Send an email"),
			mcpgo.WithString("to", mcpgo.Required()),
			mcpgo.WithString("subject", mcpgo.Required()),
			mcpgo.WithString("body", mcpgo.Required()),
		),
		mcpgo.NewTool("slack_post_message",
			mcpgo.WithDescription("Post a message"),
			mcpgo.WithString("channel", mcpgo.Required()),
			mcpgo.WithString("text", mcpgo.Required()),
		),
		mcpgo.NewTool("notion_create_page",
			mcpgo.WithDescription("Create a page"),
			mcpgo.WithString("title", mcpgo.Required()),
		),
	}
}

// newConnectedZapier wires a ZapierClient to a gateway fixture via the
// environment-backed security manager.
func newConnectedZapier(t *testing.T, srv *httptest.Server) *ZapierClient {
	t.Helper()
	t.Setenv(EnvMCPEnabled, "true")
	t.Setenv(EnvZapierServerURL, srv.URL)
	t.Setenv(EnvZapierSecret, "fixture-secret")

	security := NewSecurityManager(common.NewSilentLogger())
	z := NewZapierClient(security, ZapierOptions{
		Timeout:           5 * time.Second,
		MaxRetries:        1,
		RequestsPerSecond: 1000,
		RequestsPerMinute: 100000,
		CacheTools:        true,
		ToolCacheTTL:      300 * time.Second,
		ValidateParams:    true,
		Logger:            common.NewSilentLogger(),
	})
	require.NoError(t, z.Connect(context.Background()))
	t.Cleanup(func() { z.Disconnect(context.Background()) })
	return z
}

func TestZapierClient_Connect_NotConfigured(t *testing.T) {
	t.Setenv(EnvZapierServerURL, "")
	security := NewSecurityManager(common.NewSilentLogger())
	z := NewZapierClient(security, ZapierOptions{Logger: common.NewSilentLogger()})

	err := z.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestZapierClient_CatalogAndFilters(t *testing.T) {
	srv := newGatewayFixture(t, gatewayTools(), nil)
	defer srv.Close()
	z := newConnectedZapier(t, srv)

	all, err := z.ListAvailableTools(context.Background(), "", "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	email, err := z.ListAvailableTools(context.Background(), CategoryEmail, "")
	require.NoError(t, err)
	require.Len(t, email, 1)
	assert.Equal(t, "gmail_send_email", email[0].Name)

	searched, err := z.ListAvailableTools(context.Background(), "", "slack")
	require.NoError(t, err)
	require.Len(t, searched, 1)
	assert.Equal(t, "slack_post_message", searched[0].Name)

	none, err := z.ListAvailableTools(context.Background(), CategoryEcommerce, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestZapierClient_GetTool(t *testing.T) {
	srv := newGatewayFixture(t, gatewayTools(), nil)
	defer srv.Close()
	z := newConnectedZapier(t, srv)

	tool, err := z.GetTool(context.Background(), "notion_create_page")
	require.NoError(t, err)
	require.NotNil(t, tool)
	assert.Equal(t, CategoryProject, tool.Category)

	missing, err := z.GetTool(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestZapierClient_ExecuteAction_TracksUsage(t *testing.T) {
	srv := newGatewayFixture(t, gatewayTools(), nil)
	defer srv.Close()
	z := newConnectedZapier(t, srv)

	result, err := z.ExecuteAction(context.Background(), "gmail_send_email", map[string]any{
		"to": "a@b.c", "subject": "s", "body": "b",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	_, err = z.ExecuteAction(context.Background(), "slack_post_message", map[string]any{
		"channel": "#general", "text": "hi",
	})
	require.NoError(t, err)

	stats := z.GetUsageStats()
	assert.True(t, stats.Connected)
	assert.Equal(t, 3, stats.ToolsAvailable)
	assert.Equal(t, int64(2), stats.ActionsExecuted)
	assert.Equal(t, int64(2), stats.Successful)
	assert.InDelta(t, 100.0, stats.SuccessRate, 0.01)
	assert.Equal(t, int64(1), stats.ByCategory["email"])
	assert.Equal(t, int64(1), stats.ByCategory["messaging"])
	assert.Equal(t, int64(1), stats.TopTools["gmail_send_email"])
}

func TestZapierClient_ExecuteActionSafe(t *testing.T) {
	t.Setenv(EnvZapierServerURL, "")
	security := NewSecurityManager(common.NewSilentLogger())
	z := NewZapierClient(security, ZapierOptions{Logger: common.NewSilentLogger()})

	result := z.ExecuteActionSafe(context.Background(), "gmail_send_email", nil)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestZapierClient_Categories(t *testing.T) {
	srv := newGatewayFixture(t, gatewayTools(), nil)
	defer srv.Close()
	z := newConnectedZapier(t, srv)

	cats := z.Categories()
	require.Len(t, cats, 3)
	seen := make(map[string]int)
	for _, c := range cats {
		seen[c.Category] = c.Count
	}
	assert.Equal(t, 1, seen["email"])
	assert.Equal(t, 1, seen["messaging"])
	assert.Equal(t, 1, seen["project"])
}

func TestTopCounts(t *testing.T) {
	m := map[string]int64{"a": 5, "b": 3, "c": 9, "d": 1}
	top := topCounts(m, 2)
	assert.Len(t, top, 2)
	assert.Equal(t, int64(9), top["c"])
	assert.Equal(t, int64(5), top["a"])
}
