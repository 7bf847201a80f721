package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/time/rate"
)

// RetryConfig configures per-call retry behavior.
type RetryConfig struct {
	MaxRetries      int           // Attempts per call (default: 3)
	InitialInterval time.Duration // Initial backoff interval (default: 500ms)
	MaxInterval     time.Duration // Maximum backoff interval (default: 10s)
}

// DefaultRetryConfig returns sensible defaults for tool-server round trips.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Stats are the tool-call counters shared across every agent session in the
// process. Every mutation happens under one mutex to prevent lost updates
// from concurrent sessions.
type Stats struct {
	mu       sync.Mutex
	calls    int
	failures int
}

// NewStats returns zeroed counters.
func NewStats() *Stats { return &Stats{} }

// AddCall increments the total call counter and returns the new value.
func (s *Stats) AddCall() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.calls
}

// AddFailure increments the failure counter and returns the new value.
func (s *Stats) AddFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return s.failures
}

// Snapshot returns the current (calls, failures) pair atomically.
func (s *Stats) Snapshot() (calls, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.failures
}

// Result is the outcome of a tool execution: a string rendering for
// transcript use and the structured result for protocol-specific formatting
// upstream.
type Result struct {
	Text string
	Raw  *mcp.CallToolResult
}

// Manager executes single named tool calls with exponential-backoff retry.
type Manager struct {
	registry *Registry
	breaker  *CircuitBreaker
	stats    *Stats
	limiter  *rate.Limiter
	retry    RetryConfig
	logger   *slog.Logger
}

// newManager wires an execution manager. The breaker and limiter may be nil.
func newManager(registry *Registry, breaker *CircuitBreaker, stats *Stats, limiter *rate.Limiter, retry RetryConfig, logger *slog.Logger) *Manager {
	if retry.MaxRetries <= 0 {
		retry = DefaultRetryConfig()
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Manager{
		registry: registry,
		breaker:  breaker,
		stats:    stats,
		limiter:  limiter,
		retry:    retry,
		logger:   logger,
	}
}

// Execute runs one named tool call with the given raw JSON arguments.
//
// Malformed arguments and unknown names are reported without retrying:
// the returned Result carries a structured error rendering and err wraps the
// matching sentinel. Valid calls are retried up to MaxRetries with
// exponential backoff; every attempt increments the shared call counter,
// every failed attempt increments the failure counter and records a breaker
// failure against the function's server, and the first success records a
// breaker success and stops.
func (m *Manager) Execute(ctx context.Context, name, argsJSON string) (Result, error) {
	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			msg := fmt.Sprintf("Error: invalid JSON arguments: %v", err)
			return Result{Text: msg, Raw: errorResult(msg)}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}

	fn, ok := m.registry.Lookup(name)
	if !ok {
		msg := fmt.Sprintf("Error: tool %q is not registered", name)
		return Result{Text: msg, Raw: errorResult(msg)}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var lastErr error
	attempts := 0
	delay := m.retry.InitialInterval
	start := time.Now()

	for attempt := 1; attempt <= m.retry.MaxRetries; attempt++ {
		attempts = attempt
		// Rate limit each attempt, not each call.
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return Result{}, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		callIndex := m.stats.AddCall()
		raw, err := fn.Call(ctx, args)
		if err == nil && raw != nil && raw.IsError {
			err = fmt.Errorf("tool %s reported an error result", name)
		}
		if err == nil {
			m.recordBreaker(fn.Server, true, "")
			m.logger.Debug("tool call succeeded",
				"tool", name,
				"call_index", callIndex,
				"attempts", attempt,
				"elapsed", time.Since(start))
			return Result{Text: resultText(raw), Raw: raw}, nil
		}

		lastErr = err
		m.stats.AddFailure()
		m.recordBreaker(fn.Server, false, err.Error())

		if !transientError(err) {
			break
		}
		if attempt == m.retry.MaxRetries {
			break
		}

		m.logger.Debug("retrying tool call after error",
			"tool", name,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, m.retry.MaxInterval)
		}
	}

	msg := fmt.Sprintf("Error: tool %s failed after %d attempts: %v", name, attempts, lastErr)
	return Result{Text: msg, Raw: errorResult(msg)},
		fmt.Errorf("tool %s failed after %d attempts (elapsed: %v): %w",
			name, attempts, time.Since(start), lastErr)
}

// recordBreaker reports a per-call outcome to the circuit breaker, credited
// to the tool's origin server.
func (m *Manager) recordBreaker(server string, success bool, reason string) {
	if m.breaker == nil || server == "" {
		return
	}
	if success {
		m.breaker.RecordSuccess([]string{server})
	} else {
		m.breaker.RecordFailure([]string{server}, reason)
	}
}
