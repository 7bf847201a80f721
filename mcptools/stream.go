package mcptools

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/deepmindru-afk/MassGen/backend"
)

// StreamOptions carries per-turn inputs for Handler.Stream.
type StreamOptions struct {
	// Captured are tool calls already detected from a previous stream of
	// this turn, executed before a new stream is opened.
	Captured []backend.ToolCall

	// Extra is passed through to Streamer.BuildParams.
	Extra map[string]any

	// ProviderTools are provider-level (non-tool-layer) tools re-attached
	// to fallback requests.
	ProviderTools []backend.Tool

	// Fallback configures the tool-visibility policy on the fallback path.
	Fallback FallbackContext
}

// Stream runs one streaming turn: it executes any captured tool calls,
// re-opens the backend stream, and keeps looping until the model completes a
// turn with no pending calls. The channel is closed after the terminal done
// chunk. The caller may stop consuming at any time; cancellation is observed
// through ctx.
func (h *Handler) Stream(ctx context.Context, history []backend.Message, tools []backend.Tool, opts StreamOptions) <-chan backend.Chunk {
	out := make(chan backend.Chunk)
	go func() {
		defer close(out)
		h.stream(ctx, out, history, tools, opts)
	}()
	return out
}

// emit sends one chunk, honoring cancellation. Returns false when the
// consumer is gone.
func emit(ctx context.Context, out chan<- backend.Chunk, c backend.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// forward copies an already-converted chunk stream to the output unchanged.
func forward(ctx context.Context, out chan<- backend.Chunk, in <-chan backend.Chunk) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			if !emit(ctx, out, c) {
				return
			}
		}
	}
}

// stream is the turn state machine, written as an explicit loop with an
// accumulator instead of recursion so long tool-use sessions cannot grow the
// call stack.
func (h *Handler) stream(ctx context.Context, out chan<- backend.Chunk, history []backend.Message, tools []backend.Tool, opts StreamOptions) {
	msgs := slices.Clone(history)
	captured := slices.Clone(opts.Captured)

	// Surface the one-shot "connected" status stored by setup.
	if c := h.takeConnectedStatus(); c != nil {
		if !emit(ctx, out, *c) {
			return
		}
	}

	for {
		if len(captured) > 0 {
			proceed, next := h.executeBatch(ctx, out, msgs, tools, captured, opts)
			if !proceed {
				return
			}
			msgs = next
			captured = nil
		}

		params, err := h.backend.BuildParams(ctx, msgs, tools, opts.Extra)
		if err != nil {
			h.writeFallback(ctx, out, err, msgs, tools, opts)
			return
		}
		stream, err := h.backend.OpenStream(ctx, params)
		if err != nil {
			h.writeFallback(ctx, out, err, msgs, tools, opts)
			return
		}

		var pending *backend.ToolCall
		var capturedNext []backend.ToolCall
		completed := false

	scan:
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-stream:
				if !ok {
					break scan
				}
				if ev.Err != nil {
					h.writeFallback(ctx, out, ev.Err, msgs, tools, opts)
					return
				}
				if ev.Raw != nil {
					var consumed bool
					pending, capturedNext, consumed = h.backend.DetectCall(ev.Raw, pending, capturedNext)
					if !consumed {
						if c := h.backend.ToChunk(ev.Raw); c != nil {
							if !emit(ctx, out, *c) {
								return
							}
						}
					}
				}
				if ev.Completed {
					completed = true
					break scan
				}
			}
		}

		if !completed {
			// Stream ended without an explicit completion signal; never
			// hang the consumer.
			emit(ctx, out, backend.Done())
			return
		}
		if len(capturedNext) == 0 {
			emit(ctx, out, backend.Chunk{
				Type:    backend.ChunkStatus,
				Status:  backend.StatusSessionComplete,
				Content: "✅ [MCP] Session completed",
				Source:  "mcp_session",
			})
			emit(ctx, out, backend.Done())
			return
		}
		captured = capturedNext
	}
}

// executeBatch runs one batch of captured calls. It returns whether the turn
// should continue and the updated history. An unknown name in the batch
// delegates the whole turn to the fallback stream; mixed batches are never
// partially executed here.
func (h *Handler) executeBatch(ctx context.Context, out chan<- backend.Chunk, msgs []backend.Message, tools []backend.Tool, captured []backend.ToolCall, opts StreamOptions) (bool, []backend.Message) {
	var unknown []string
	for _, call := range captured {
		if !h.registryContains(call.Name) {
			unknown = append(unknown, call.Name)
		}
	}
	if len(unknown) > 0 {
		h.logger.Info("non-MCP function calls detected, falling back to standard streaming",
			"names", unknown)
		h.delegateTurn(ctx, out, msgs, tools, opts)
		return false, msgs
	}

	// Re-check availability before executing: setup succeeded earlier, but
	// failed calls since then may have blocked the servers.
	if h.breaker != nil {
		if filtered := h.breaker.Filter(h.lastUsedServers()); len(filtered) == 0 {
			h.mu.Lock()
			first := h.noteOnceLocked(noticeBreakerBlocked, "all MCP servers blocked by circuit breaker")
			h.mu.Unlock()
			if first {
				if !emit(ctx, out, backend.Chunk{
					Type:    backend.ChunkStatus,
					Status:  backend.StatusBlocked,
					Content: "⚠️ [MCP] All servers blocked by circuit breaker",
					Source:  "circuit_breaker",
				}) {
					return false, msgs
				}
			}
			emit(ctx, out, backend.Done())
			return false, msgs
		}
	}

	// Sequential execution keeps message ordering deterministic.
	executed := false
	for _, call := range captured {
		if ctx.Err() != nil {
			return false, msgs
		}
		if call.ID == "" {
			call.ID = uuid.NewString()
		}

		if !emit(ctx, out, backend.Chunk{
			Type:    backend.ChunkStatus,
			Status:  backend.StatusToolCalled,
			Content: fmt.Sprintf("🔧 [MCP Tool] Calling %s...", call.Name),
			Source:  "mcp_" + call.Name,
		}) {
			return false, msgs
		}

		res, err := h.manager().Execute(ctx, call.Name, call.Arguments)
		if err != nil {
			// Structured per-call failure: the rest of the batch proceeds.
			h.logger.Warn("MCP tool call failed", "tool", call.Name, "error", err)
			continue
		}

		msgs = append(msgs, call.CallRecord())
		if !emit(ctx, out, backend.Chunk{
			Type:    backend.ChunkStatus,
			Status:  backend.StatusFunctionCall,
			Content: fmt.Sprintf("Arguments for Calling %s: %s", call.Name, call.Arguments),
			Source:  "mcp_" + call.Name,
		}) {
			return false, msgs
		}

		resultMsg := h.backend.FormatToolResult(call, res.Text)
		if resultMsg == nil {
			resultMsg = call.ResultRecord(res.Text)
		}
		msgs = append(msgs, resultMsg)

		if !emit(ctx, out, backend.Chunk{
			Type:    backend.ChunkStatus,
			Status:  backend.StatusFunctionCallOutput,
			Content: fmt.Sprintf("Results for Calling %s: %s", call.Name, res.Text),
			Source:  "mcp_" + call.Name,
		}) {
			return false, msgs
		}
		if !emit(ctx, out, backend.Chunk{
			Type:    backend.ChunkStatus,
			Status:  backend.StatusToolResponse,
			Content: fmt.Sprintf("✅ [MCP Tool] %s completed", call.Name),
			Source:  "mcp_" + call.Name,
		}) {
			return false, msgs
		}
		executed = true
	}

	if executed {
		msgs = TrimHistory(msgs, h.cfg.MaxHistory)
	}
	return true, msgs
}

// delegateTurn hands the whole turn to the backend's fallback stream, used
// when a captured batch contains calls this layer does not own.
func (h *Handler) delegateTurn(ctx context.Context, out chan<- backend.Chunk, msgs []backend.Message, tools []backend.Tool, opts StreamOptions) {
	params, err := h.backend.BuildParams(ctx, msgs, h.fallbackTools(tools, opts), opts.Extra)
	if err != nil {
		h.logger.Warn("building fallback params failed", "error", err)
		emit(ctx, out, backend.Done())
		return
	}
	fb, err := h.backend.FallbackStream(ctx, params)
	if err != nil || fb == nil {
		h.logger.Warn("no fallback stream available for non-MCP calls", "error", err)
		emit(ctx, out, backend.Done())
		return
	}
	forward(ctx, out, fb)
}
