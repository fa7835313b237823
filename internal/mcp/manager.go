package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/attendant-ai/attendant/internal/common"
	"github.com/attendant-ai/attendant/internal/metrics"
)

// DefaultToolPrefix namespaces gateway tools in the host application's
// tool registry.
const DefaultToolPrefix = "zapier_"

// metaTools are gateway configuration actions, not user actions, and are
// never exposed through the manager.
var metaTools = map[string]bool{
	"add_tools":  true,
	"edit_tools": true,
}

// maxPromptToolsPerCategory caps the tools listed per category in the
// generated prompt section.
const maxPromptToolsPerCategory = 5

// defaultPromptToolLimit caps the total tools in the generated prompt.
const defaultPromptToolLimit = 20

// ManagerOptions configures a ToolManager.
type ManagerOptions struct {
	Prefix            string
	EnabledCategories []Category
	Zapier            ZapierOptions
	Logger            *common.Logger
	Metrics           *metrics.Metrics
}

// ToolManager bridges the Zapier client into the host application's tool
// registry: it prefixes tool names, filters by category, generates prompt
// sections for the model, and flattens execution results into the registry's
// uniform shape.
type ToolManager struct {
	security *SecurityManager
	prefix   string
	enabled  map[Category]bool
	logger   *common.Logger
	metrics  *metrics.Metrics

	mu          sync.RWMutex
	client      *ZapierClient
	initialized bool
	schemas     map[string]map[string]any
}

// NewToolManager creates an uninitialized manager. Initialize connects it.
func NewToolManager(security *SecurityManager, opts ManagerOptions) *ToolManager {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultToolPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = common.NewSilentLogger()
	}

	var enabled map[Category]bool
	if len(opts.EnabledCategories) > 0 {
		enabled = make(map[Category]bool, len(opts.EnabledCategories))
		for _, c := range opts.EnabledCategories {
			enabled[c] = true
		}
	}

	m := &ToolManager{
		security: security,
		prefix:   prefix,
		enabled:  enabled,
		logger:   logger,
		metrics:  opts.Metrics,
		schemas:  make(map[string]map[string]any),
	}
	m.client = NewZapierClient(security, withManagerDefaults(opts))
	return m
}

func withManagerDefaults(opts ManagerOptions) ZapierOptions {
	z := opts.Zapier
	if z.Logger == nil {
		z.Logger = opts.Logger
	}
	if z.Metrics == nil {
		z.Metrics = opts.Metrics
	}
	return z
}

// Initialize connects to the gateway and builds the prefixed schema set.
// Returns false without error when the gateway is simply not configured.
func (m *ToolManager) Initialize(ctx context.Context) (bool, error) {
	if !m.security.IsConfigured() {
		m.logger.Warn().Msg("Zapier gateway not configured, skipping tool initialization")
		return false, nil
	}

	if err := m.client.Connect(ctx); err != nil {
		m.logger.Error().Err(err).Msg("tool manager initialization failed")
		return false, err
	}

	tools, err := m.client.ListAvailableTools(ctx, "", "")
	if err != nil {
		return false, err
	}

	schemas := make(map[string]map[string]any, len(tools))
	for _, tool := range tools {
		if metaTools[tool.Name] {
			m.logger.Debug().Str("tool", tool.Name).Msg("skipping gateway meta-tool")
			continue
		}
		if m.enabled != nil && !m.enabled[tool.Category] {
			continue
		}
		schemas[m.prefix+tool.Name] = m.generateSchema(tool)
	}

	m.mu.Lock()
	m.schemas = schemas
	m.initialized = true
	m.mu.Unlock()

	m.logger.Info().Int("tools", len(schemas)).Msg("tool manager initialized")
	return true, nil
}

// IsInitialized reports whether Initialize completed successfully.
func (m *ToolManager) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// IsAvailable reports whether tools can currently be executed.
func (m *ToolManager) IsAvailable() bool {
	return m.IsInitialized() && m.client.IsConnected()
}

// ToolNames returns the prefixed names of every exposed tool, sorted.
func (m *ToolManager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.schemas))
	for name := range m.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolSchemas returns a copy of the full schema set.
func (m *ToolManager) ToolSchemas() map[string]map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]any, len(m.schemas))
	for name, schema := range m.schemas {
		out[name] = schema
	}
	return out
}

// ToolSchema returns the schema for one prefixed tool name, or nil.
func (m *ToolManager) ToolSchema(name string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.schemas[name]
}

func (m *ToolManager) generateSchema(tool *ZapierTool) map[string]any {
	return map[string]any{
		"name":         m.prefix + tool.Name,
		"display_name": tool.DisplayName(),
		"description":  tool.Description,
		"category":     string(tool.Category),
		"app":          tool.AppName,
		"action":       tool.ActionName,
		"parameters":   tool.InputSchema,
		"required":     tool.RequiredParams(),
		"optional":     tool.OptionalParams(),
	}
}

// ToolsPrompt renders the exposed tools as a prompt section for the model,
// grouped by category. Output is bounded: at most maxTools tools overall and
// five per category, with a trailing count of the rest. maxTools <= 0 uses
// the default limit. Returns the empty string when no tools are exposed.
func (m *ToolManager) ToolsPrompt(maxTools int) string {
	if maxTools <= 0 {
		maxTools = defaultPromptToolLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.schemas) == 0 {
		return ""
	}

	byCategory := make(map[string][]string)
	for name, schema := range m.schemas {
		cat, _ := schema["category"].(string)
		if cat == "" {
			cat = string(CategoryOther)
		}
		byCategory[cat] = append(byCategory[cat], name)
	}
	categories := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		sort.Strings(byCategory[cat])
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	lines := []string{
		fmt.Sprintf("- %s*: external app actions via the Zapier gateway (%d tools available)", m.prefix, len(m.schemas)),
		"  NOTE: these tools accept natural language instructions, not structured JSON params",
		"  IMPORTANT: only use these tools for their intended purpose; if no matching tool exists, respond without using tools",
	}

	written := 0
	for _, cat := range categories {
		if written >= maxTools {
			break
		}
		lines = append(lines, fmt.Sprintf("  [%s]:", strings.ToUpper(cat)))
		perCategory := 0
		for _, name := range byCategory[cat] {
			if written >= maxTools || perCategory >= maxPromptToolsPerCategory {
				break
			}
			schema := m.schemas[name]
			desc, _ := schema["description"].(string)
			if desc == "" {
				desc, _ = schema["display_name"].(string)
			}
			if len(desc) > 80 {
				desc = desc[:80]
			}
			line := fmt.Sprintf("    * %s: %s", name, desc)
			lines = append(lines, line)
			if required, ok := schema["required"].([]string); ok && len(required) > 0 {
				lines = append(lines, "      required params: "+strings.Join(required, ", "))
			}
			written++
			perCategory++
		}
	}

	if remaining := len(m.schemas) - written; remaining > 0 {
		lines = append(lines, fmt.Sprintf("  ... and %d more tools available", remaining))
	}
	return strings.Join(lines, "\n")
}

// ExecuteRequest is one tool invocation from the host application.
type ExecuteRequest struct {
	Query    string         `json:"query,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	ToolName string         `json:"tool_name"`
	Params   map[string]any `json:"params,omitempty"`
}

// ExecuteResult is the registry-shaped outcome of one invocation. Provider is
// always "zapier_mcp". NeedsClarification marks soft failures where the
// gateway answered successfully but asked a question instead of acting.
type ExecuteResult struct {
	Success               bool    `json:"success"`
	Tool                  string  `json:"tool"`
	Result                any     `json:"result,omitempty"`
	Error                 string  `json:"error,omitempty"`
	ExecutionTimeMS       float64 `json:"execution_time_ms,omitempty"`
	Provider              string  `json:"provider"`
	NeedsClarification    bool    `json:"needs_clarification,omitempty"`
	ClarificationQuestion string  `json:"clarification_question,omitempty"`
}

// Execute runs one tool through the gateway. The tool name may carry the
// manager prefix or not. Errors are folded into the result; Execute itself
// never returns an error to the registry.
func (m *ToolManager) Execute(ctx context.Context, req ExecuteRequest) *ExecuteResult {
	if !m.IsInitialized() {
		return &ExecuteResult{Success: false, Tool: req.ToolName, Error: "tool manager not initialized", Provider: "zapier_mcp"}
	}
	if req.ToolName == "" {
		return &ExecuteResult{Success: false, Error: "no tool name provided", Provider: "zapier_mcp"}
	}

	actualName := strings.TrimPrefix(req.ToolName, m.prefix)

	m.logger.Info().Str("tool", req.ToolName).Msg("executing gateway tool")
	if req.UserID != "" {
		m.logger.Debug().Str("user", req.UserID).Msg("tool invocation context")
	}
	if req.Query != "" {
		m.logger.Debug().Str("query", truncate(req.Query, 100)).Msg("tool invocation query")
	}

	result, err := m.client.ExecuteAction(ctx, actualName, req.Params)
	if err != nil {
		return &ExecuteResult{Success: false, Tool: req.ToolName, Error: err.Error(), Provider: "zapier_mcp"}
	}

	// The gateway sometimes reports success while embedding an error or a
	// clarification question in the payload.
	if question := extractErrorOrQuestion(result.Result); question != "" {
		m.logger.Warn().Str("tool", req.ToolName).Str("question", question).Msg("gateway needs clarification")
		if m.metrics != nil {
			m.metrics.SoftFailuresTotal.Inc()
		}
		return &ExecuteResult{
			Success:               false,
			Tool:                  req.ToolName,
			Result:                result.Result,
			Error:                 "gateway needs more information: " + question,
			NeedsClarification:    true,
			ClarificationQuestion: question,
			ExecutionTimeMS:       result.ExecutionTimeMS,
			Provider:              "zapier_mcp",
		}
	}

	return &ExecuteResult{
		Success:         result.Success,
		Tool:            req.ToolName,
		Result:          result.Result,
		Error:           result.Error,
		ExecutionTimeMS: result.ExecutionTimeMS,
		Provider:        "zapier_mcp",
	}
}

// Close disconnects the client and drops the schema set.
func (m *ToolManager) Close(ctx context.Context) {
	m.client.Disconnect(ctx)
	m.mu.Lock()
	m.initialized = false
	m.schemas = make(map[string]map[string]any)
	m.mu.Unlock()
	m.logger.Info().Msg("tool manager closed")
}

// ManagerStats summarizes the manager and its client session.
type ManagerStats struct {
	Initialized    bool        `json:"initialized"`
	ToolsAvailable int         `json:"tools_available"`
	Prefix         string      `json:"prefix"`
	ClientStats    *UsageStats `json:"client_stats,omitempty"`
}

// GetStats returns a snapshot of the manager state.
func (m *ToolManager) GetStats() ManagerStats {
	m.mu.RLock()
	stats := ManagerStats{
		Initialized:    m.initialized,
		ToolsAvailable: len(m.schemas),
		Prefix:         m.prefix,
	}
	m.mu.RUnlock()

	if m.client != nil {
		usage := m.client.GetUsageStats()
		stats.ClientStats = &usage
	}
	return stats
}

// Client exposes the underlying Zapier client for the ops endpoints.
func (m *ToolManager) Client() *ZapierClient {
	return m.client
}

// contentEnvelope mirrors the gateway's tool-result payload shape.
type contentEnvelope struct {
	IsError bool           `json:"isError"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// innerPayload is the JSON some gateways double-encode inside a text block.
type innerPayload struct {
	IsError  bool   `json:"isError"`
	Error    string `json:"error"`
	Question string `json:"question"`
}

// extractErrorOrQuestion scans a nominally successful result for an embedded
// error or clarification question. It understands the content-block envelope,
// double-JSON-encoded text blocks, and bare strings. Returns the empty string
// when the result looks like a genuine success.
func extractErrorOrQuestion(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		var env contentEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return ""
		}
		return scanEnvelope(&env)
	case string:
		return scanText(v)
	}
	return ""
}

func scanEnvelope(env *contentEnvelope) string {
	if env.IsError {
		for _, block := range env.Content {
			if block.Type != "text" {
				continue
			}
			var inner innerPayload
			if err := json.Unmarshal([]byte(block.Text), &inner); err == nil && inner.Error != "" {
				return inner.Error
			}
		}
		return "gateway returned an error"
	}

	for _, block := range env.Content {
		if block.Type != "text" {
			continue
		}
		var inner innerPayload
		if err := json.Unmarshal([]byte(block.Text), &inner); err == nil {
			if inner.IsError {
				if inner.Error != "" {
					return inner.Error
				}
				return "gateway returned an error"
			}
			if inner.Error != "" && looksLikeQuestion(inner.Error) {
				return inner.Error
			}
			if inner.Question != "" {
				return inner.Question
			}
			continue
		}
		if q := scanRawText(block.Text); q != "" {
			return q
		}
	}
	return ""
}

func scanText(text string) string {
	var inner innerPayload
	if err := json.Unmarshal([]byte(text), &inner); err == nil {
		if inner.IsError {
			if inner.Error != "" {
				return inner.Error
			}
			return "gateway returned an error"
		}
		if inner.Error != "" && looksLikeQuestion(inner.Error) {
			return inner.Error
		}
		return ""
	}
	return scanRawText(text)
}

// looksLikeQuestion matches error strings that are really questions.
func looksLikeQuestion(s string) bool {
	return strings.Contains(s, "Question:") || strings.Contains(s, "?")
}

// scanRawText matches non-JSON text that asks for clarification.
func scanRawText(text string) string {
	if strings.Contains(text, "Question:") {
		return text
	}
	if strings.Contains(text, "?") && strings.Contains(strings.ToLower(text), "which") {
		return text
	}
	return ""
}
