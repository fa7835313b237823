package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/attendant-ai/attendant/internal/common"
	"github.com/attendant-ai/attendant/internal/metrics"
)

// Category groups gateway tools by the kind of application they act on.
type Category string

const (
	CategoryEmail       Category = "email"
	CategoryCRM         Category = "crm"
	CategorySpreadsheet Category = "spreadsheet"
	CategoryCalendar    Category = "calendar"
	CategoryMessaging   Category = "messaging"
	CategoryProject     Category = "project"
	CategoryStorage     Category = "storage"
	CategorySocial      Category = "social"
	CategoryEcommerce   Category = "ecommerce"
	CategorySupport     Category = "support"
	CategoryAutomation  Category = "automation"
	CategoryDatabase    Category = "database"
	CategoryMarketing   Category = "marketing"
	CategoryAnalytics   Category = "analytics"
	CategoryFinance     Category = "finance"
	CategoryHR          Category = "hr"
	CategoryOther       Category = "other"
)

// categoryPrefixes maps tool-name prefixes to categories. Order matters:
// the first matching entry wins, so more specific prefixes come before
// shorter ones that would shadow them.
var categoryPrefixes = []struct {
	prefix   string
	category Category
}{
	{"gmail", CategoryEmail},
	{"outlook_calendar", CategoryCalendar},
	{"outlook", CategoryEmail},
	{"sendgrid", CategoryEmail},
	{"mailchimp", CategoryEmail},
	{"mailgun", CategoryEmail},
	{"postmark", CategoryEmail},

	{"slack", CategoryMessaging},
	{"discord", CategoryMessaging},
	{"teams", CategoryMessaging},
	{"telegram", CategoryMessaging},
	{"whatsapp", CategoryMessaging},
	{"twilio", CategoryMessaging},
	{"sms", CategoryMessaging},

	{"google_sheets", CategorySpreadsheet},
	{"sheets", CategorySpreadsheet},
	{"excel", CategorySpreadsheet},
	{"airtable", CategorySpreadsheet},
	{"smartsheet", CategorySpreadsheet},

	{"notion", CategoryProject},
	{"trello", CategoryProject},
	{"asana", CategoryProject},
	{"jira", CategoryProject},
	{"monday", CategoryProject},
	{"clickup", CategoryProject},
	{"basecamp", CategoryProject},
	{"todoist", CategoryProject},

	{"google_calendar", CategoryCalendar},
	{"calendar", CategoryCalendar},
	{"calendly", CategoryCalendar},

	{"salesforce", CategoryCRM},
	{"hubspot", CategoryCRM},
	{"pipedrive", CategoryCRM},
	{"zoho", CategoryCRM},
	{"copper", CategoryCRM},
	{"freshsales", CategoryCRM},

	{"zendesk", CategorySupport},
	{"intercom", CategorySupport},
	{"freshdesk", CategorySupport},
	{"helpscout", CategorySupport},
	{"crisp", CategorySupport},

	{"shopify", CategoryEcommerce},
	{"stripe", CategoryEcommerce},
	{"woocommerce", CategoryEcommerce},
	{"square", CategoryEcommerce},
	{"paypal", CategoryEcommerce},

	{"google_drive", CategoryStorage},
	{"drive", CategoryStorage},
	{"dropbox", CategoryStorage},
	{"onedrive", CategoryStorage},
	{"box", CategoryStorage},

	{"twitter", CategorySocial},
	{"facebook", CategorySocial},
	{"instagram", CategorySocial},
	{"linkedin", CategorySocial},
	{"youtube", CategorySocial},
	{"tiktok", CategorySocial},

	{"mysql", CategoryDatabase},
	{"postgres", CategoryDatabase},
	{"mongodb", CategoryDatabase},
	{"firebase", CategoryDatabase},
	{"supabase", CategoryDatabase},

	{"mailerlite", CategoryMarketing},
	{"convertkit", CategoryMarketing},
	{"activecampaign", CategoryMarketing},
	{"drip", CategoryMarketing},

	{"google_analytics", CategoryAnalytics},
	{"mixpanel", CategoryAnalytics},
	{"amplitude", CategoryAnalytics},

	{"zapier", CategoryAutomation},
	{"webhook", CategoryAutomation},
	{"code", CategoryAutomation},
}

// ZapierTool decorates a discovered tool definition with presentation
// metadata derived from its name and description.
type ZapierTool struct {
	*ToolDefinition
	AppName    string
	ActionName string
	Category   Category
}

// DisplayName is the human-readable "App: Action" label.
func (t *ZapierTool) DisplayName() string {
	return t.AppName + ": " + t.ActionName
}

// ToMap flattens the tool for API responses and prompt generation.
func (t *ZapierTool) ToMap() map[string]any {
	return map[string]any{
		"name":            t.Name,
		"display_name":    t.DisplayName(),
		"app_name":        t.AppName,
		"action_name":     t.ActionName,
		"category":        string(t.Category),
		"description":     t.Description,
		"required_params": t.RequiredParams(),
		"optional_params": t.OptionalParams(),
		"input_schema":    t.InputSchema,
	}
}

// categorizeTool derives app name, action name, and category from a raw
// tool definition. Tool names follow the "app_action_verb" convention, so the
// first underscore-separated token names the app and the rest the action. A
// short leading description sentence overrides the derived action name.
func categorizeTool(def *ToolDefinition) *ZapierTool {
	nameLower := strings.ToLower(def.Name)

	category := CategoryOther
	for _, entry := range categoryPrefixes {
		if strings.HasPrefix(nameLower, entry.prefix) || strings.Contains(nameLower, "_"+entry.prefix) {
			category = entry.category
			break
		}
	}

	parts := strings.Split(def.Name, "_")
	var appName, actionName string
	if len(parts) >= 2 {
		appName = titleWords(parts[0])
		actionName = titleWords(strings.Join(parts[1:], " "))
	} else {
		appName = titleWords(def.Name)
		actionName = "Action"
	}

	if def.Description != "" {
		firstSentence, _, _ := strings.Cut(def.Description, ".")
		if len(firstSentence) < 50 {
			actionName = firstSentence
		}
	}

	return &ZapierTool{
		ToolDefinition: def,
		AppName:        appName,
		ActionName:     actionName,
		Category:       category,
	}
}

// titleWords capitalizes the first letter of each space-separated word.
func titleWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Default Zapier plan limits.
const (
	defaultRequestsPerSecond = 2.0
	defaultRequestsPerMinute = 60
)

// ZapierOptions configures a ZapierClient. Zero values fall back to the
// defaults used against a standard Zapier plan.
type ZapierOptions struct {
	Timeout           time.Duration
	MaxRetries        int
	MaxConcurrent     int
	RequestsPerSecond float64
	RequestsPerMinute int
	CacheTools        bool
	ToolCacheTTL      time.Duration
	ValidateParams    bool
	Logger            *common.Logger
	Metrics           *metrics.Metrics
}

// ZapierClient is the provider-specific layer over the protocol client. It
// discovers and categorizes the account's enabled actions, executes them, and
// tracks per-category usage.
type ZapierClient struct {
	security *SecurityManager
	opts     ZapierOptions
	logger   *common.Logger
	metrics  *metrics.Metrics

	client    *Client
	connected atomic.Bool

	mu          sync.RWMutex
	tools       map[string]*ZapierTool
	connectedAt time.Time

	actionCount  atomic.Int64
	successCount atomic.Int64
	errorCount   atomic.Int64

	usageMu    sync.Mutex
	byCategory map[string]int64
	byTool     map[string]int64
}

// NewZapierClient creates a client bound to the credentials held by the
// security manager. Connect must be called before use.
func NewZapierClient(security *SecurityManager, opts ZapierOptions) *ZapierClient {
	if opts.Logger == nil {
		opts.Logger = common.NewSilentLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = defaultRequestsPerSecond
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = defaultRequestsPerMinute
	}
	return &ZapierClient{
		security:   security,
		opts:       opts,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tools:      make(map[string]*ZapierTool),
		byCategory: make(map[string]int64),
		byTool:     make(map[string]int64),
	}
}

// Connect resolves credentials, builds the transport stack, performs the
// protocol handshake, and loads the tool catalog.
func (z *ZapierClient) Connect(ctx context.Context) error {
	if !z.security.IsConfigured() {
		z.logger.Error().Str("env", EnvZapierServerURL).Msg("gateway not configured")
		return &ConnectionError{Message: "Zapier gateway not configured, set " + EnvZapierServerURL}
	}

	creds, err := z.security.Credentials()
	if err != nil {
		return err
	}
	if creds == nil {
		return &AuthError{Message: "failed to resolve Zapier credentials"}
	}

	z.logger.Info().Str("server", creds.MaskedURL()).Msg("connecting to Zapier gateway")

	limiter := NewRateLimiter(z.opts.RequestsPerSecond, z.opts.RequestsPerMinute)
	transport := NewStreamableHTTPTransport(TransportOptions{
		ServerURL:     creds.ServerURL,
		MaskedURL:     creds.MaskedURL(),
		Secret:        z.security.Secret(),
		Timeout:       z.opts.Timeout,
		MaxRetries:    z.opts.MaxRetries,
		MaxConcurrent: z.opts.MaxConcurrent,
		RateLimiter:   limiter,
		Logger:        z.logger,
		Metrics:       z.metrics,
	})
	z.client = NewClient(transport, ClientOptions{
		CacheTools:     z.opts.CacheTools,
		ToolCacheTTL:   z.opts.ToolCacheTTL,
		ValidateParams: z.opts.ValidateParams,
		Logger:         z.logger,
	})

	if err := z.client.Connect(ctx); err != nil {
		z.logger.Error().Err(err).Msg("Zapier connection failed")
		return err
	}

	z.connected.Store(true)
	z.mu.Lock()
	z.connectedAt = time.Now().UTC()
	z.mu.Unlock()

	if _, err := z.RefreshTools(ctx); err != nil {
		z.logger.Warn().Err(err).Msg("initial tool discovery failed")
	}
	return nil
}

// Disconnect tears down the connection and logs session usage.
func (z *ZapierClient) Disconnect(ctx context.Context) {
	if z.client != nil {
		_ = z.client.Disconnect(ctx)
	}
	z.connected.Store(false)

	z.mu.Lock()
	z.tools = make(map[string]*ZapierTool)
	z.mu.Unlock()

	total := z.actionCount.Load()
	rate := 0.0
	if total > 0 {
		rate = float64(z.successCount.Load()) / float64(total) * 100
	}
	z.logger.Info().
		Int64("actions", total).
		Float64("success_rate_pct", rate).
		Msg("disconnected from Zapier gateway")
}

// IsConnected reports whether the client and its transport are connected.
func (z *ZapierClient) IsConnected() bool {
	return z.connected.Load() && z.client != nil && z.client.IsConnected()
}

// RefreshTools re-discovers the account's actions and rebuilds the
// categorized catalog.
func (z *ZapierClient) RefreshTools(ctx context.Context) ([]*ZapierTool, error) {
	if z.client == nil {
		return nil, &ConnectionError{Message: "not connected to Zapier gateway"}
	}

	defs, err := z.client.ListTools(ctx, true)
	if err != nil {
		return nil, err
	}

	catalog := make(map[string]*ZapierTool, len(defs))
	for _, def := range defs {
		tool := categorizeTool(def)
		catalog[tool.Name] = tool
	}

	z.mu.Lock()
	z.tools = catalog
	z.mu.Unlock()

	counts := make(map[Category]int)
	for _, t := range catalog {
		counts[t.Category]++
	}
	z.logger.Info().Int("tools", len(catalog)).Int("categories", len(counts)).Msg("loaded Zapier tool catalog")

	out := make([]*ZapierTool, 0, len(catalog))
	for _, t := range catalog {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListAvailableTools returns the catalog filtered by category and a
// case-insensitive search over names, descriptions, and app names. Empty
// filters match everything. The catalog is populated lazily on first use.
func (z *ZapierClient) ListAvailableTools(ctx context.Context, category Category, search string) ([]*ZapierTool, error) {
	if err := z.ensureCatalog(ctx); err != nil {
		return nil, err
	}

	z.mu.RLock()
	defer z.mu.RUnlock()

	searchLower := strings.ToLower(search)
	out := make([]*ZapierTool, 0, len(z.tools))
	for _, t := range z.tools {
		if category != "" && t.Category != category {
			continue
		}
		if searchLower != "" &&
			!strings.Contains(strings.ToLower(t.Name), searchLower) &&
			!strings.Contains(strings.ToLower(t.Description), searchLower) &&
			!strings.Contains(strings.ToLower(t.AppName), searchLower) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetTool returns the categorized tool by name, or nil when unknown.
func (z *ZapierClient) GetTool(ctx context.Context, name string) (*ZapierTool, error) {
	if err := z.ensureCatalog(ctx); err != nil {
		return nil, err
	}
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.tools[name], nil
}

// ToolsByCategory returns all tools in one category.
func (z *ZapierClient) ToolsByCategory(ctx context.Context, category Category) ([]*ZapierTool, error) {
	return z.ListAvailableTools(ctx, category, "")
}

func (z *ZapierClient) ensureCatalog(ctx context.Context) error {
	z.mu.RLock()
	loaded := len(z.tools) > 0
	z.mu.RUnlock()
	if loaded {
		return nil
	}
	_, err := z.RefreshTools(ctx)
	return err
}

// ExecuteAction runs one Zapier action and records usage. Parameter values
// are masked before being logged.
func (z *ZapierClient) ExecuteAction(ctx context.Context, toolName string, params map[string]any) (*ToolResult, error) {
	if z.client == nil {
		return nil, &ConnectionError{Message: "not connected to Zapier gateway"}
	}

	z.actionCount.Add(1)

	category := string(CategoryOther)
	if tool, err := z.GetTool(ctx, toolName); err == nil && tool != nil {
		category = string(tool.Category)
	}
	z.usageMu.Lock()
	z.byCategory[category]++
	z.byTool[toolName]++
	z.usageMu.Unlock()

	z.logger.Info().Str("tool", toolName).Msg("executing Zapier action")
	z.logger.Debug().Str("params", fmt.Sprintf("%v", z.security.MaskSensitiveData(params))).Msg("action parameters")

	result, err := z.client.CallTool(ctx, toolName, params)
	if err != nil {
		z.errorCount.Add(1)
		if z.metrics != nil {
			z.metrics.IncToolExecution(category, "error")
		}
		return nil, err
	}

	if result.Success {
		z.successCount.Add(1)
		z.logger.Info().Str("tool", toolName).Float64("elapsed_ms", result.ExecutionTimeMS).Msg("action completed")
	} else {
		z.errorCount.Add(1)
		z.logger.Error().Str("tool", toolName).Str("error", result.Error).Msg("action failed")
	}
	if z.metrics != nil {
		outcome := "success"
		if !result.Success {
			outcome = "failure"
		}
		z.metrics.IncToolExecution(category, outcome)
	}
	return result, nil
}

// ExecuteActionSafe never returns an error: failures come back as
// unsuccessful results with the error message attached.
func (z *ZapierClient) ExecuteActionSafe(ctx context.Context, toolName string, params map[string]any) *ToolResult {
	result, err := z.ExecuteAction(ctx, toolName, params)
	if err != nil {
		return toolResultFromError(toolName, err)
	}
	return result
}

// UsageStats is a snapshot of session activity.
type UsageStats struct {
	Connected       bool             `json:"connected"`
	ConnectionTime  string           `json:"connection_time,omitempty"`
	ToolsAvailable  int              `json:"tools_available"`
	ActionsExecuted int64            `json:"actions_executed"`
	Successful      int64            `json:"successful"`
	Errors          int64            `json:"errors"`
	SuccessRate     float64          `json:"success_rate"`
	ByCategory      map[string]int64 `json:"by_category"`
	TopTools        map[string]int64 `json:"top_tools"`
}

// GetUsageStats returns current session usage, with per-category and
// per-tool maps capped to the ten busiest entries.
func (z *ZapierClient) GetUsageStats() UsageStats {
	total := z.actionCount.Load()
	success := z.successCount.Load()
	rate := 0.0
	if total > 0 {
		rate = float64(success) / float64(total) * 100
	}

	z.mu.RLock()
	toolCount := len(z.tools)
	connectedAt := z.connectedAt
	z.mu.RUnlock()

	stats := UsageStats{
		Connected:       z.IsConnected(),
		ToolsAvailable:  toolCount,
		ActionsExecuted: total,
		Successful:      success,
		Errors:          z.errorCount.Load(),
		SuccessRate:     rate,
		ByCategory:      topCounts(z.snapshotUsage(&z.byCategory), 10),
		TopTools:        topCounts(z.snapshotUsage(&z.byTool), 10),
	}
	if !connectedAt.IsZero() {
		stats.ConnectionTime = connectedAt.Format(time.RFC3339)
	}
	return stats
}

func (z *ZapierClient) snapshotUsage(m *map[string]int64) map[string]int64 {
	z.usageMu.Lock()
	defer z.usageMu.Unlock()
	out := make(map[string]int64, len(*m))
	for k, v := range *m {
		out[k] = v
	}
	return out
}

// topCounts keeps the n highest-count entries of m.
func topCounts(m map[string]int64, n int) map[string]int64 {
	if len(m) <= n {
		return m
	}
	type kv struct {
		k string
		v int64
	}
	entries := make([]kv, 0, len(m))
	for k, v := range m {
		entries = append(entries, kv{k, v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].v != entries[j].v {
			return entries[i].v > entries[j].v
		}
		return entries[i].k < entries[j].k
	})
	out := make(map[string]int64, n)
	for _, e := range entries[:n] {
		out[e.k] = e.v
	}
	return out
}

// CategoryCount pairs a category with its tool count.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// Categories summarizes the catalog by category, busiest first.
func (z *ZapierClient) Categories() []CategoryCount {
	z.mu.RLock()
	counts := make(map[string]int)
	for _, t := range z.tools {
		counts[string(t.Category)]++
	}
	z.mu.RUnlock()

	out := make([]CategoryCount, 0, len(counts))
	for cat, count := range counts {
		out = append(out, CategoryCount{Category: cat, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// Stats exposes the underlying protocol client statistics.
func (z *ZapierClient) Stats() Stats {
	if z.client == nil {
		return Stats{}
	}
	return z.client.GetStats()
}
