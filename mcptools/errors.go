package mcptools

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors checked with errors.Is().
var (
	// ErrUnknownTool indicates a call referenced a name absent from the
	// registry.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments indicates the call's argument payload was not
	// valid JSON.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrSessionBlocked indicates the session is permanently blocked by the
	// circuit breaker.
	ErrSessionBlocked = errors.New("MCP session permanently blocked")
)

// errorCategory is the log classification of a streaming-path error.
type errorCategory string

const (
	categoryTimeout    errorCategory = "timeout"
	categoryCanceled   errorCategory = "canceled"
	categoryConnection errorCategory = "connection_error"
	categoryRateLimit  errorCategory = "rate_limited"
	categoryServer     errorCategory = "server_error"
	categoryInternal   errorCategory = "mcp_error"
)

// classifyError maps an error to a log category and a short user-facing
// message. The raw error text is never surfaced on its own; callers append it
// as supporting detail.
func classifyError(err error) (errorCategory, string) {
	switch {
	case err == nil:
		return categoryInternal, "MCP tools unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return categoryTimeout, "MCP tool call timed out"
	case errors.Is(err, context.Canceled):
		return categoryCanceled, "MCP tool call canceled"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline"):
		return categoryTimeout, "MCP tool call timed out"
	case containsAny(msg, "connection refused", "connection reset", "broken pipe", "no such host", "eof"):
		return categoryConnection, "MCP server connection failed"
	case containsAny(msg, "rate limit", "quota", "429"):
		return categoryRateLimit, "MCP server rate limited the request"
	case containsAny(msg, "500", "502", "503", "504", "unavailable", "internal error"):
		return categoryServer, "MCP server reported an internal error"
	default:
		return categoryInternal, "MCP tool execution failed"
	}
}

// transientError reports whether an error is worth retrying. Malformed input
// and cancellation are not transient.
func transientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrInvalidArguments) || errors.Is(err, ErrUnknownTool) {
		return false
	}
	return true
}

// containsAny checks if s contains any of the substrings.
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
