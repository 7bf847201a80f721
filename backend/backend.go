// Package backend defines the streaming vocabulary shared between language
// model backend adapters and the tool-execution layer in mcptools.
//
// A backend adapter implements Streamer so the tool layer can drive it
// without knowing the provider's wire shapes: the adapter builds request
// parameters, opens chunk streams, recognizes tool calls inside its native
// chunks, and converts chunks into the provider-neutral Chunk type defined
// here.
package backend

import "context"

// ChunkType identifies the kind of a Chunk.
type ChunkType string

const (
	// ChunkContent carries model output text.
	ChunkContent ChunkType = "content"

	// ChunkStatus carries a tool-layer status notification.
	ChunkStatus ChunkType = "mcp_status"

	// ChunkDone is the terminal marker. No further chunks follow it.
	ChunkDone ChunkType = "done"
)

// Status is the tool-layer status vocabulary carried by ChunkStatus chunks.
type Status string

const (
	StatusConnected          Status = "mcp_connected"
	StatusToolCalled         Status = "mcp_tool_called"
	StatusFunctionCall       Status = "function_call"
	StatusFunctionCallOutput Status = "function_call_output"
	StatusToolResponse       Status = "mcp_tool_response"
	StatusSessionComplete    Status = "mcp_session_complete"
	StatusBlocked            Status = "mcp_blocked"
	StatusError              Status = "mcp_error"
)

// Chunk is one provider-neutral element of the output stream produced by the
// tool layer and consumed by the surrounding conversation loop.
type Chunk struct {
	Type    ChunkType
	Status  Status // set when Type == ChunkStatus
	Content string
	Source  string
}

// Done returns the terminal marker chunk.
func Done() Chunk { return Chunk{Type: ChunkDone} }

// Message is one entry of conversation history in the backend's wire shape.
// The tool layer only ever appends function-call and function-result records
// (see CallRecord and the default result shape) and trims the window; every
// other key is owned by the backend adapter.
type Message map[string]any

// Tool is a tool definition in the backend's wire shape. The tool layer only
// inspects the "type" and "name" keys.
type Tool map[string]any

// Name returns the tool's "name" value, or "" when absent.
func (t Tool) Name() string {
	s, _ := t["name"].(string)
	return s
}

// Type returns the tool's "type" value, or "" when absent.
func (t Tool) Type() string {
	s, _ := t["type"].(string)
	return s
}

// Params are built request parameters for one streaming call. The "tools" key,
// when present, holds a []Tool; the rest is backend-specific.
type Params map[string]any

// Tools returns the params' tool list, or nil when absent.
func (p Params) Tools() []Tool {
	tools, _ := p["tools"].([]Tool)
	return tools
}

// Clone returns a shallow copy so the fallback path can rebuild parameters
// without mutating the originals.
func (p Params) Clone() Params {
	cp := make(Params, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// ToolCall is one in-flight tool invocation detected from the chunk stream.
// Arguments holds raw JSON text and may be accumulated incrementally, since
// argument text can arrive split across chunks.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// CallRecord returns the history message recording that the call was issued.
func (c ToolCall) CallRecord() Message {
	return Message{
		"type":      "function_call",
		"call_id":   c.ID,
		"name":      c.Name,
		"arguments": c.Arguments,
	}
}

// ResultRecord returns the default-shaped history message for a call result.
// Backends with a different wire shape override it via FormatToolResult.
func (c ToolCall) ResultRecord(output string) Message {
	return Message{
		"type":    "function_call_output",
		"call_id": c.ID,
		"output":  output,
	}
}

// Event is one element of a backend-native chunk stream.
type Event struct {
	// Raw is the backend's native chunk. The tool layer never inspects it;
	// it is handed back to DetectCall and ToChunk.
	Raw any

	// Completed is set when the backend signaled end of turn. The Raw field
	// may still carry a final chunk.
	Completed bool

	// Err reports a mid-stream backend error. The stream must be closed
	// after an error event.
	Err error
}

// Streamer adapts a model backend to the tool-execution layer. All methods
// except FormatToolResult and FallbackStream are mandatory for streaming.
type Streamer interface {
	// BuildParams builds backend request parameters from history, the tool
	// definitions for this turn, and backend-specific extras.
	BuildParams(ctx context.Context, history []Message, tools []Tool, extra map[string]any) (Params, error)

	// OpenStream starts a streaming request. The returned channel must be
	// closed when the stream ends.
	OpenStream(ctx context.Context, params Params) (<-chan Event, error)

	// DetectCall inspects a native chunk for tool-call markers. It returns
	// the updated pending call, the updated captured list, and whether the
	// chunk was consumed (accumulated into a pending call rather than
	// forwarded to the consumer).
	DetectCall(raw any, pending *ToolCall, captured []ToolCall) (*ToolCall, []ToolCall, bool)

	// ToChunk converts a native chunk for forwarding. Returning nil drops
	// the chunk.
	ToChunk(raw any) *Chunk

	// FormatToolResult renders a tool result as a history message in the
	// backend's wire shape. Returning nil selects the default
	// function_call_output shape.
	FormatToolResult(call ToolCall, resultText string) Message

	// FallbackStream streams a degraded, tool-free response. Backends
	// without a fallback path return a nil channel; the tool layer then
	// terminates the turn cleanly.
	FallbackStream(ctx context.Context, params Params) (<-chan Chunk, error)
}
