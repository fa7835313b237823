package mcp

import (
	"fmt"
	"sort"
	"time"
)

// Machine error codes carried by the error taxonomy.
const (
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeToolExecution    = "TOOL_EXECUTION_FAILED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeValidation       = "VALIDATION_FAILED"
	ErrCodeServer           = "SERVER_ERROR"
)

// AuthError indicates invalid, expired, or missing credentials.
// Recovery: re-supply or rotate credentials.
type AuthError struct {
	Message      string
	TokenExpired bool
}

func (e *AuthError) Error() string { return e.Message }

// ConnectionError indicates the transport could not reach the gateway:
// network timeout, DNS/TLS failure, or handshake failure.
type ConnectionError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *ConnectionError) Error() string { return e.Message }

// ToolExecutionError indicates the remote tool itself failed: downstream app
// error, tool not configured, or permission denied.
type ToolExecutionError struct {
	Message   string
	ToolName  string
	Retriable bool
}

func (e *ToolExecutionError) Error() string { return e.Message }

// RateLimitError indicates a throughput or quota limit was exceeded.
// RetryAfter is always set (the gateway's hint, or a 60s default).
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	LimitType  string // "per_minute", "per_hour", "daily", "plan_quota"
}

func (e *RateLimitError) Error() string { return e.Message }

// ValidationError indicates malformed or missing parameters detected before
// the request was sent. FieldErrors maps each offending parameter to a reason.
type ValidationError struct {
	Message     string
	ToolName    string
	FieldErrors map[string]string
}

func (e *ValidationError) Error() string { return e.Message }

// Fields returns the offending parameter names in sorted order.
func (e *ValidationError) Fields() []string {
	fields := make([]string, 0, len(e.FieldErrors))
	for f := range e.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// ServerError indicates a generic remote internal error.
type ServerError struct {
	Message    string
	StatusCode int
}

func (e *ServerError) Error() string { return e.Message }

// ErrorCode returns the machine code for a taxonomy error, or "" for other
// error values.
func ErrorCode(err error) string {
	switch err.(type) {
	case *AuthError:
		return ErrCodeAuthFailed
	case *ConnectionError:
		return ErrCodeConnectionFailed
	case *ToolExecutionError:
		return ErrCodeToolExecution
	case *RateLimitError:
		return ErrCodeRateLimited
	case *ValidationError:
		return ErrCodeValidation
	case *ServerError:
		return ErrCodeServer
	default:
		return ""
	}
}

// newValidationError builds a ValidationError for a tool from the list of
// missing or null required parameters.
func newValidationError(toolName string, missing []string) *ValidationError {
	fields := make(map[string]string, len(missing))
	for _, f := range missing {
		fields[f] = "required parameter missing or null"
	}
	return &ValidationError{
		Message:     fmt.Sprintf("invalid parameters for %s: missing required %v", toolName, missing),
		ToolName:    toolName,
		FieldErrors: fields,
	}
}
