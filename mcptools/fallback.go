package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepmindru-afk/MassGen/backend"
)

// FallbackContext configures tool visibility when a turn drops out of the
// MCP path and restarts on the backend's plain stream.
type FallbackContext struct {
	// OriginalTools are the caller-level tools of the turn, before any MCP
	// tools were merged in. Coordination tools are filtered from this set.
	OriginalTools []backend.Tool

	// ExistingAnswers reports whether other agents have already produced
	// answers this turn. It decides which coordination tool survives the
	// fallback: with answers available only "vote" is kept, otherwise only
	// "new_answer".
	ExistingAnswers bool
}

// HandleErrorAndFallback surfaces err to the consumer and finishes the turn
// on the backend's fallback stream with all MCP tools removed. It is the
// public entry for callers that detect a failure outside Stream; Stream uses
// the same path internally.
func (h *Handler) HandleErrorAndFallback(ctx context.Context, err error, history []backend.Message, tools []backend.Tool, opts StreamOptions) <-chan backend.Chunk {
	out := make(chan backend.Chunk)
	go func() {
		defer close(out)
		h.writeFallback(ctx, out, err, history, tools, opts)
	}()
	return out
}

// writeFallback emits exactly one error status chunk plus one inline notice,
// then restarts the turn on FallbackStream with MCP tools stripped. A nil
// fallback channel means the backend has no plain path; the turn just ends.
func (h *Handler) writeFallback(ctx context.Context, out chan<- backend.Chunk, cause error, history []backend.Message, tools []backend.Tool, opts StreamOptions) {
	h.stats.AddFailure()

	category, userMsg := classifyError(cause)
	h.logger.Warn("MCP streaming failed, falling back to standard streaming",
		"category", string(category), "error", cause)

	// The status chunk carries only the classified message; the raw error is
	// confined to the inline notice.
	if !emit(ctx, out, backend.Chunk{
		Type:    backend.ChunkStatus,
		Status:  backend.StatusError,
		Content: userMsg,
		Source:  "mcp_error",
	}) {
		return
	}
	if !emit(ctx, out, backend.Chunk{
		Type:    backend.ChunkContent,
		Content: fmt.Sprintf("\n⚠️ [%s: %v] Continuing without MCP tools.\n", userMsg, cause),
	}) {
		return
	}

	params, err := h.backend.BuildParams(ctx, history, h.fallbackTools(tools, opts), opts.Extra)
	if err != nil {
		h.logger.Warn("building fallback params failed", "error", err)
		emit(ctx, out, backend.Done())
		return
	}
	fb, err := h.backend.FallbackStream(ctx, params)
	if err != nil {
		h.logger.Warn("opening fallback stream failed", "error", err)
		emit(ctx, out, backend.Done())
		return
	}
	if fb == nil {
		emit(ctx, out, backend.Done())
		return
	}
	forward(ctx, out, fb)
}

// fallbackTools builds the tool set for a fallback request: the turn's tools
// minus everything this layer owns, with the coordination policy applied and
// provider tools re-attached without duplicates.
func (h *Handler) fallbackTools(tools []backend.Tool, opts StreamOptions) []backend.Tool {
	registered := h.registrySnapshot()

	keep := make([]backend.Tool, 0, len(tools))
	seen := make(map[[2]string]bool, len(tools))
	add := func(t backend.Tool) {
		key := [2]string{t.Type(), t.Name()}
		if seen[key] {
			return
		}
		seen[key] = true
		keep = append(keep, t)
	}

	for _, t := range tools {
		if t.Type() == "mcp" || registered[t.Name()] {
			continue
		}
		if isCoordinationTool(t.Name()) && !coordinationAllowed(t.Name(), opts.Fallback) {
			continue
		}
		add(t)
	}
	for _, t := range opts.ProviderTools {
		if t.Type() == "mcp" || registered[t.Name()] {
			continue
		}
		if isCoordinationTool(t.Name()) && !coordinationAllowed(t.Name(), opts.Fallback) {
			continue
		}
		add(t)
	}
	return keep
}

// coordinationAllowed applies the mutual exclusion between the two
// coordination tools: a coordination tool survives the fallback only when it
// was part of the original pre-filter tool set and the answer context calls
// for it.
func coordinationAllowed(name string, fc FallbackContext) bool {
	present := false
	for _, t := range fc.OriginalTools {
		if strings.EqualFold(t.Name(), name) {
			present = true
			break
		}
	}
	if !present {
		return false
	}
	switch strings.ToLower(name) {
	case "vote":
		return fc.ExistingAnswers
	case "new_answer":
		return !fc.ExistingAnswers
	}
	return true
}

func isCoordinationTool(name string) bool {
	switch strings.ToLower(name) {
	case "vote", "new_answer":
		return true
	}
	return false
}
