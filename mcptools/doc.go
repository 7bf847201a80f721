// Package mcptools implements the resilient MCP tool-execution layer that
// sits between a streaming language-model backend and a set of Model Context
// Protocol (MCP) servers.
//
// # Overview
//
// A streaming backend emits chunks; some of those chunks encode tool calls
// that must be executed against external MCP servers before the model can
// continue. This package owns everything between "the model asked for a tool"
// and "the model saw the result":
//
//   - Connecting to configured MCP servers and collecting their tools
//   - Detecting tool calls mid-stream and executing them sequentially
//   - Re-opening the stream with appended call/result records until the
//     model completes a turn with no pending calls
//   - Bounding conversation history growth during long tool loops
//   - Falling back to a tool-free stream when anything unrecoverable happens
//
// # Architecture
//
//	Handler (session coordinator)
//	     |
//	     +-- CircuitBreaker   per-server failure tracking with cooldown
//	     +-- Client           MCP sessions (stdio / streamable HTTP)
//	     +-- Registry         tool name -> callable function
//	     +-- Manager          per-call retry with exponential backoff
//	     |
//	     v
//	backend.Streamer (the model-facing contract)
//
// Handler.Setup establishes the session: it normalizes server descriptors,
// coordinates connection attempts with the circuit breaker, and settles into
// one of three states (Uninitialized, Ready, PermanentlyBlocked). A changed
// server set tears the session down and rebuilds it; an unchanged one is a
// no-op while Ready.
//
// Handler.Stream runs one turn as an explicit loop: execute captured calls,
// rebuild params, open a new stream, scan for the next batch of calls, and
// repeat until the model finishes without asking for anything. Status chunks
// (connection, per-call progress, completion) are interleaved with the
// backend's own content chunks.
//
// # Error Handling
//
// Nothing from this layer terminates the surrounding conversation. Bad
// server descriptors are logged and skipped. Transient connect failures are
// retried under the breaker until the session is Ready or permanently
// blocked. A malformed or failing tool call produces a structured error
// result while the rest of the batch proceeds. A mid-stream backend error
// surfaces one error chunk and one inline notice, then the turn finishes on
// the backend's fallback stream with every tool owned by this layer removed.
//
// # Thread Safety
//
// A Handler serializes its own state behind a mutex, so Setup, Stream and
// Close may be called from different goroutines. Tool calls within one turn
// are executed sequentially to keep message ordering deterministic; separate
// Handler instances are fully independent.
package mcptools
