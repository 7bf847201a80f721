package mcptools

import (
	"context"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deepmindru-afk/MassGen/backend"
)

// Scripted raw chunk shapes consumed by fakeStreamer.DetectCall. A callStart
// followed by a callArgs encodes one tool call split across two chunks, the
// way streaming providers deliver call names before argument text.
type (
	textChunk struct{ text string }
	callStart struct {
		id   string
		name string
	}
	callArgs struct{ args string }
)

// fakeStreamer is a scriptable backend.Streamer. Each OpenStream call plays
// the next event script; FallbackStream plays the configured fallback chunks
// and records the params it was handed.
type fakeStreamer struct {
	mu sync.Mutex

	scripts  [][]backend.Event
	opens    int
	buildErr error
	openErr  error

	fallbackChunks []backend.Chunk
	fallbackErr    error
	noFallback     bool

	builtTools     [][]backend.Tool
	builtHistories [][]backend.Message
	fallbackParams []backend.Params
	fallbackCalls  int
}

func (f *fakeStreamer) BuildParams(_ context.Context, history []backend.Message, tools []backend.Tool, _ map[string]any) (backend.Params, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	f.builtHistories = append(f.builtHistories, history)
	f.builtTools = append(f.builtTools, tools)
	return backend.Params{"history": history, "tools": tools}, nil
}

func (f *fakeStreamer) OpenStream(ctx context.Context, _ backend.Params) (<-chan backend.Event, error) {
	f.mu.Lock()
	if f.openErr != nil {
		f.mu.Unlock()
		return nil, f.openErr
	}
	var script []backend.Event
	if f.opens < len(f.scripts) {
		script = f.scripts[f.opens]
	}
	f.opens++
	f.mu.Unlock()

	out := make(chan backend.Event)
	go func() {
		defer close(out)
		for _, ev := range script {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *fakeStreamer) DetectCall(raw any, pending *backend.ToolCall, captured []backend.ToolCall) (*backend.ToolCall, []backend.ToolCall, bool) {
	switch c := raw.(type) {
	case callStart:
		return &backend.ToolCall{ID: c.id, Name: c.name}, captured, true
	case callArgs:
		if pending == nil {
			return nil, captured, true
		}
		pending.Arguments += c.args
		return nil, append(captured, *pending), true
	default:
		return pending, captured, false
	}
}

func (f *fakeStreamer) ToChunk(raw any) *backend.Chunk {
	if t, ok := raw.(textChunk); ok {
		return &backend.Chunk{Type: backend.ChunkContent, Content: t.text}
	}
	return nil
}

func (f *fakeStreamer) FormatToolResult(backend.ToolCall, string) backend.Message {
	return nil
}

func (f *fakeStreamer) FallbackStream(ctx context.Context, params backend.Params) (<-chan backend.Chunk, error) {
	f.mu.Lock()
	f.fallbackCalls++
	f.fallbackParams = append(f.fallbackParams, params)
	noFallback, fbErr, chunks := f.noFallback, f.fallbackErr, f.fallbackChunks
	f.mu.Unlock()

	if fbErr != nil {
		return nil, fbErr
	}
	if noFallback {
		return nil, nil
	}

	out := make(chan backend.Chunk)
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// fakeToolClient is an in-memory toolClient backed by plain functions.
type fakeToolClient struct {
	servers []string
	tools   map[string]fakeTool
	closed  bool
}

type fakeTool struct {
	server string
	schema any
	call   func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)
}

func newFakeToolClient(servers ...string) *fakeToolClient {
	return &fakeToolClient{servers: servers, tools: make(map[string]fakeTool)}
}

func (f *fakeToolClient) addTool(server, name string, call func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)) {
	f.tools[name] = fakeTool{server: server, call: call}
}

func (f *fakeToolClient) addToolSchema(server, name string, schema any, call func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)) {
	f.tools[name] = fakeTool{server: server, schema: schema, call: call}
}

func (f *fakeToolClient) ServerNames() []string { return f.servers }

func (f *fakeToolClient) Tools() map[string]*mcp.Tool {
	tools := make(map[string]*mcp.Tool, len(f.tools))
	for name, ft := range f.tools {
		tools[name] = &mcp.Tool{Name: name, Description: "test tool " + name, InputSchema: ft.schema}
	}
	return tools
}

func (f *fakeToolClient) ToolServer(name string) (string, bool) {
	t, ok := f.tools[name]
	return t.server, ok
}

func (f *fakeToolClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t, ok := f.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %q not found", name)
	}
	return t.call(ctx, args)
}

func (f *fakeToolClient) Close() error {
	f.closed = true
	return nil
}

// textResult builds a plain text success result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// collect drains a chunk stream to a slice.
func collect(ch <-chan backend.Chunk) []backend.Chunk {
	var chunks []backend.Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	return chunks
}
