package mcptools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/deepmindru-afk/MassGen/backend"
)

// SessionState is the tool session's lifecycle state. It is owned exclusively
// by the setup coordinator and read by the streaming engine to gate
// execution.
type SessionState int

const (
	// StateUninitialized means no usable tool session exists yet.
	StateUninitialized SessionState = iota

	// StateReady means a session is established and the registry is live.
	StateReady

	// StateBlocked means setup attempts are exhausted while the circuit
	// breaker rejected every candidate; the session stays tool-free.
	StateBlocked
)

// String returns the state's string representation.
func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateBlocked:
		return "permanently_blocked"
	default:
		return "unknown"
	}
}

// notice identifies a one-shot user-facing notification. Each fires at most
// once per session to avoid repeating the same degradation message.
type notice int

const (
	noticeConnectionFailure notice = iota
	noticeBreakerBlocked
	noticePermanentBlock
)

// Config configures a Handler.
type Config struct {
	// Backend adapts the language-model backend (required for streaming).
	Backend backend.Streamer

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Breaker is an optional shared circuit breaker. When nil and
	// DisableBreaker is false, a private breaker is built from
	// BreakerConfig.
	Breaker        *CircuitBreaker
	BreakerConfig  BreakerConfig
	DisableBreaker bool

	// Stats are optional shared call counters across concurrent sessions.
	Stats *Stats

	// Retry configures per-call execution retry (zero value uses defaults).
	Retry RetryConfig

	// RateLimiter optionally rate-limits every execution attempt.
	RateLimiter *rate.Limiter

	// SetupRetryDelay is the fixed wait between coordinated setup attempts
	// (default: 200ms).
	SetupRetryDelay time.Duration

	// ConnectTimeout bounds each server's connection setup (default: 30s).
	ConnectTimeout time.Duration

	// MaxHistory is the history sliding-window size (default: 200).
	MaxHistory int

	// AllowedTools/ExcludedTools filter discovered tool names. Exclusion
	// wins.
	AllowedTools  []string
	ExcludedTools []string
}

// Handler is the resilient tool-execution layer for one agent session: it
// coordinates tool-server setup under the circuit breaker, executes tool
// calls detected mid-stream, and degrades to a tool-free fallback path on
// error. One handler serves one backend session; the breaker and stats may be
// shared across handlers.
type Handler struct {
	id      string
	backend backend.Streamer
	logger  *slog.Logger
	breaker *CircuitBreaker
	stats   *Stats
	cfg     Config

	// dial is the connection seam; tests replace it.
	dial func(ctx context.Context, servers []ServerConfig, opts ConnectOptions) (toolClient, error)

	// Session state below. Setup, Close and the streaming engine of one
	// session never run concurrently, but observers (State, Ready) may.
	mu               sync.Mutex
	state            SessionState
	signature        string
	client           toolClient
	registry         *Registry
	exec             *Manager
	lastServers      []ServerConfig
	setupAttempts    int
	notified         map[notice]bool
	pendingConnected *backend.Chunk
}

// New creates a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend streamer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	breaker := cfg.Breaker
	if breaker == nil && !cfg.DisableBreaker {
		breaker = NewCircuitBreaker(cfg.BreakerConfig)
	}
	stats := cfg.Stats
	if stats == nil {
		stats = NewStats()
	}
	if cfg.SetupRetryDelay <= 0 {
		cfg.SetupRetryDelay = 200 * time.Millisecond
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}

	id := uuid.NewString()
	h := &Handler{
		id:       id,
		backend:  cfg.Backend,
		logger:   logger.With("mcp_session", id),
		breaker:  breaker,
		stats:    stats,
		cfg:      cfg,
		dial: func(ctx context.Context, servers []ServerConfig, opts ConnectOptions) (toolClient, error) {
			c, err := Connect(ctx, servers, opts)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		state:    StateUninitialized,
		registry: NewRegistry(),
		notified: make(map[notice]bool),
	}
	h.exec = newManager(h.registry, breaker, stats, cfg.RateLimiter, cfg.Retry, h.logger)
	return h, nil
}

// State returns the current session state.
func (h *Handler) State() SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Ready reports whether tool execution is available: the session is Ready and
// the registry holds at least one callable.
func (h *Handler) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == StateReady && h.registry.Len() > 0
}

// Stats returns the shared call counters.
func (h *Handler) Stats() *Stats { return h.stats }

// Setup establishes tool-server sessions from the given descriptors and
// returns the resulting state. It is idempotent: a call while Ready with an
// unchanged server signature is a no-op, as is any call while permanently
// blocked. Setup failures never propagate; the session degrades cleanly to
// "no tools".
func (h *Handler) Setup(ctx context.Context, servers []ServerConfig) SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(servers) == 0 || h.state == StateBlocked {
		return h.state
	}

	normalized := normalizeServers(servers, h.logger)
	sig := serversSignature(normalized)
	if sig == h.signature && h.state == StateReady {
		return h.state
	}
	if sig != h.signature {
		if h.signature != "" {
			h.logger.Info("MCP server signature changed, rebuilding session",
				"old", h.signature, "new", sig)
		}
		h.signature = sig
		h.teardownLocked()
	}
	if len(normalized) == 0 {
		h.logger.Info("no usable MCP servers after normalization")
		return h.state
	}

	if h.breaker == nil {
		h.attemptSetupLocked(ctx, normalized)
		return h.state
	}

	maxAttempts := h.breaker.MaxFailures()
	for h.setupAttempts < maxAttempts {
		attempt := h.setupAttempts + 1
		h.logger.Info("MCP setup attempt", "attempt", attempt, "max_attempts", maxAttempts)

		filtered := h.breaker.Filter(normalized)
		if len(filtered) == 0 {
			// All candidates blocked: one all-blocked attempt per Setup
			// call; the attempt counter persists across calls so repeated
			// all-blocked setups eventually pin the session.
			h.noteOnceLocked(noticeBreakerBlocked,
				"all MCP servers blocked by circuit breaker during setup")
			h.setupAttempts = attempt
			if attempt >= maxAttempts {
				h.blockLocked()
			}
			return h.state
		}

		if h.attemptSetupLocked(ctx, filtered) {
			h.setupAttempts = 0
			return h.state
		}

		h.setupAttempts = attempt
		if attempt >= maxAttempts {
			h.logger.Warn("MCP setup failed, permanently blocked",
				"attempts", maxAttempts)
			h.blockLocked()
			return h.state
		}

		select {
		case <-ctx.Done():
			return h.state
		case <-time.After(h.cfg.SetupRetryDelay):
		}
	}

	h.blockLocked()
	return h.state
}

// attemptSetupLocked runs a single connection attempt against the filtered
// server list. Returns true when the session reached Ready.
func (h *Handler) attemptSetupLocked(ctx context.Context, servers []ServerConfig) bool {
	h.lastServers = servers

	client, err := h.dial(ctx, servers, ConnectOptions{
		Timeout: h.cfg.ConnectTimeout,
		Logger:  h.logger,
	})
	if err != nil {
		h.noteOnceLocked(noticeConnectionFailure,
			"MCP client setup failed, falling back to no-MCP streaming")
		if h.breaker != nil {
			h.breaker.RecordFailure(serverNames(servers), err.Error())
		}
		h.logger.Debug("MCP setup attempt failed", "error", err)
		return false
	}

	h.client = client
	h.registry = buildRegistry(client, h.cfg.AllowedTools, h.cfg.ExcludedTools)
	h.exec = newManager(h.registry, h.breaker, h.stats, h.cfg.RateLimiter, h.cfg.Retry, h.logger)
	h.state = StateReady

	connected := client.ServerNames()
	// Credit only servers that actually report a live connection, never the
	// merely attempted ones.
	if h.breaker != nil && len(connected) > 0 {
		h.breaker.RecordSuccess(connected)
	}
	h.pendingConnected = &backend.Chunk{
		Type:    backend.ChunkStatus,
		Status:  backend.StatusConnected,
		Content: fmt.Sprintf("✅ [MCP] Connected to %d servers", len(connected)),
		Source:  "mcp_setup",
	}

	h.logger.Info("MCP setup successful",
		"servers", connected,
		"tool_count", h.registry.Len())
	return true
}

// blockLocked transitions to StateBlocked and drops session resources.
func (h *Handler) blockLocked() {
	h.teardownLocked()
	h.state = StateBlocked
}

// teardownLocked closes the client and resets to Uninitialized.
func (h *Handler) teardownLocked() {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			h.logger.Warn("error during MCP client cleanup", "error", err)
		}
		h.client = nil
	}
	h.registry.Clear()
	h.exec = newManager(h.registry, h.breaker, h.stats, h.cfg.RateLimiter, h.cfg.Retry, h.logger)
	h.pendingConnected = nil
	h.state = StateUninitialized
}

// Close disconnects the tool-server sessions and resets the handler to a
// fresh Uninitialized session.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.client != nil {
		err = h.client.Close()
		h.client = nil
	}
	h.registry.Clear()
	h.exec = newManager(h.registry, h.breaker, h.stats, h.cfg.RateLimiter, h.cfg.Retry, h.logger)
	h.state = StateUninitialized
	h.signature = ""
	h.setupAttempts = 0
	h.lastServers = nil
	h.pendingConnected = nil
	h.notified = make(map[notice]bool)
	h.logger.Info("MCP client cleaned up")
	return err
}

// ShouldAnnounceNoTools reports, at most once per condition, whether the
// caller should surface a "running without tools" message: after a permanent
// block, or after a setup that quietly produced no callables. Conditions the
// session already reported (connection failure, breaker block) stay silent.
func (h *Handler) ShouldAnnounceNoTools() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.signature == "" {
		return false
	}
	if h.state == StateBlocked {
		if !h.notified[noticePermanentBlock] {
			h.notified[noticePermanentBlock] = true
			return true
		}
		return false
	}
	if h.notified[noticeConnectionFailure] {
		return false
	}
	if h.breaker != nil && h.notified[noticeBreakerBlocked] {
		return false
	}
	return h.registry.Len() == 0
}

// noteOnceLocked logs msg the first time the notice fires and reports whether
// this call was the first.
func (h *Handler) noteOnceLocked(n notice, msg string) bool {
	if h.notified[n] {
		return false
	}
	h.notified[n] = true
	h.logger.Warn(msg)
	return true
}

// takeConnectedStatus returns the stored "connected" status chunk once.
func (h *Handler) takeConnectedStatus() *backend.Chunk {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.pendingConnected
	h.pendingConnected = nil
	return c
}

// CallTool executes one registered tool directly, outside a streaming turn.
// It fails fast with ErrSessionBlocked while the session is permanently
// blocked.
func (h *Handler) CallTool(ctx context.Context, name, argsJSON string) (Result, error) {
	h.mu.Lock()
	if h.state == StateBlocked {
		h.mu.Unlock()
		return Result{}, ErrSessionBlocked
	}
	exec := h.exec
	h.mu.Unlock()
	return exec.Execute(ctx, name, argsJSON)
}

// lastUsedServers returns the server list from the most recent setup attempt.
func (h *Handler) lastUsedServers() []ServerConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastServers
}

// manager returns the current execution manager.
func (h *Handler) manager() *Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec
}

// registryContains reports whether the session registry knows the name.
func (h *Handler) registryContains(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.Contains(name)
}

// registrySnapshot returns the registered names as a set for fallback
// filtering.
func (h *Handler) registrySnapshot() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := make(map[string]bool, h.registry.Len())
	for _, name := range h.registry.Names() {
		set[name] = true
	}
	return set
}
