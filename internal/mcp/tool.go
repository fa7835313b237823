package mcp

import (
	"encoding/json"
	"sort"
)

// InputSchema is the JSON-Schema-shaped parameter description attached to a
// tool definition. Only the pieces the client validates are modeled; the
// property schemas themselves are kept opaque.
type InputSchema struct {
	Type       string         `json:"type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Required   []string       `json:"required,omitempty"`
}

// ToolDefinition describes one remote tool as discovered via tools/list.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
	Provider    string      `json:"provider,omitempty"`
}

// RequiredParams returns the declared required parameter names. Names listed
// as required but absent from properties are dropped, so the result is always
// a subset of AllParams.
func (t *ToolDefinition) RequiredParams() []string {
	if len(t.InputSchema.Properties) == 0 {
		return nil
	}
	required := make([]string, 0, len(t.InputSchema.Required))
	for _, name := range t.InputSchema.Required {
		if _, ok := t.InputSchema.Properties[name]; ok {
			required = append(required, name)
		}
	}
	return required
}

// AllParams returns every declared parameter name in sorted order.
func (t *ToolDefinition) AllParams() []string {
	if len(t.InputSchema.Properties) == 0 {
		return nil
	}
	all := make([]string, 0, len(t.InputSchema.Properties))
	for name := range t.InputSchema.Properties {
		all = append(all, name)
	}
	sort.Strings(all)
	return all
}

// OptionalParams returns AllParams minus RequiredParams, sorted.
func (t *ToolDefinition) OptionalParams() []string {
	required := make(map[string]bool, len(t.InputSchema.Required))
	for _, name := range t.RequiredParams() {
		required[name] = true
	}
	var optional []string
	for _, name := range t.AllParams() {
		if !required[name] {
			optional = append(optional, name)
		}
	}
	return optional
}

// ParamInfo returns the opaque schema for one parameter, or nil if unknown.
func (t *ToolDefinition) ParamInfo(name string) any {
	if t.InputSchema.Properties == nil {
		return nil
	}
	return t.InputSchema.Properties[name]
}

// ValidateParams checks params against the schema. missing lists required
// parameters that are absent or explicitly null; unknown lists supplied
// parameters not declared in the schema (a warning condition only, since the
// schema is not assumed exhaustive).
func (t *ToolDefinition) ValidateParams(params map[string]any) (missing, unknown []string) {
	for _, name := range t.RequiredParams() {
		v, ok := params[name]
		if !ok || v == nil {
			missing = append(missing, name)
		}
	}

	if len(t.InputSchema.Properties) > 0 {
		for name := range params {
			if _, ok := t.InputSchema.Properties[name]; !ok {
				unknown = append(unknown, name)
			}
		}
		sort.Strings(unknown)
	}
	sort.Strings(missing)
	return missing, unknown
}

// ToolResult is the outcome of one tool invocation. Exactly one of Result and
// Error carries the primary payload.
type ToolResult struct {
	Success         bool    `json:"success"`
	ToolName        string  `json:"tool_name"`
	Result          any     `json:"result,omitempty"`
	Error           string  `json:"error,omitempty"`
	ErrorCode       int     `json:"error_code,omitempty"`
	ExecutionTimeMS float64 `json:"execution_time_ms,omitempty"`
}

// IsRetriable reports whether the failure class is worth a caller-side retry.
// Rate-limit and generic-server codes are retriable; validation and auth
// codes are not.
func (r *ToolResult) IsRetriable() bool {
	if r.Success {
		return false
	}
	switch r.ErrorCode {
	case CodeServerError, CodeInternalError, CodeRateLimited, CodeConnectionFailed:
		return true
	}
	return false
}

// toolResultFromResponse maps a transport response to a ToolResult.
func toolResultFromResponse(toolName string, resp *Response) *ToolResult {
	if resp.Success {
		var payload any
		if len(resp.Result) > 0 {
			// Malformed result payloads are kept raw rather than dropped.
			if err := json.Unmarshal(resp.Result, &payload); err != nil {
				payload = string(resp.Result)
			}
		}
		return &ToolResult{
			Success:         true,
			ToolName:        toolName,
			Result:          payload,
			ExecutionTimeMS: resp.LatencyMS,
		}
	}
	return &ToolResult{
		Success:         false,
		ToolName:        toolName,
		Error:           resp.ErrorMessage,
		ErrorCode:       resp.ErrorCode,
		ExecutionTimeMS: resp.LatencyMS,
	}
}

// toolResultFromError builds a failure result from a taxonomy error.
func toolResultFromError(toolName string, err error) *ToolResult {
	code := 0
	switch err.(type) {
	case *ValidationError:
		code = CodeInvalidParams
	case *RateLimitError:
		code = CodeRateLimited
	case *AuthError:
		code = CodeAuthFailed
	case *ConnectionError:
		code = CodeConnectionFailed
	case *ServerError:
		code = CodeServerError
	}
	return &ToolResult{
		Success:   false,
		ToolName:  toolName,
		Error:     err.Error(),
		ErrorCode: code,
	}
}
