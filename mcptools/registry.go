package mcptools

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Function is one invocable registry entry: a remote tool bound to its
// dispatch target.
type Function struct {
	Name        string
	Description string

	// InputSchema is the tool's parameter schema as discovered from the
	// server.
	InputSchema *jsonschema.Schema

	// Server is the tool server that owns this function. Breaker events for
	// individual calls are credited against it.
	Server string

	// Call dispatches the invocation.
	Call func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)
}

// Registry maps tool names to invocable functions. It is exclusively owned by
// one handler session: rebuilt on every successful setup, cleared on cleanup
// or permanent block, never shared across sessions.
type Registry struct {
	fns map[string]Function
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Function)}
}

// Add registers a function, replacing any previous entry with the same name.
func (r *Registry) Add(fn Function) {
	r.fns[fn.Name] = fn
}

// Lookup returns the named function.
func (r *Registry) Lookup(name string) (Function, bool) {
	fn, ok := r.fns[name]
	return fn, ok
}

// Contains reports whether the name is registered.
func (r *Registry) Contains(name string) bool {
	_, ok := r.fns[name]
	return ok
}

// Len returns the number of registered functions.
func (r *Registry) Len() int { return len(r.fns) }

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes every entry.
func (r *Registry) Clear() {
	r.fns = make(map[string]Function)
}

// buildRegistry converts the client's discovered tools into registry entries,
// applying the allowed/excluded name filters. Exclusion wins over allowance.
func buildRegistry(client toolClient, allowed, excluded []string) *Registry {
	allowedSet := nameSet(allowed)
	excludedSet := nameSet(excluded)

	r := NewRegistry()
	for name, tool := range client.Tools() {
		if excludedSet[name] {
			continue
		}
		if len(allowedSet) > 0 && !allowedSet[name] {
			continue
		}
		server, _ := client.ToolServer(name)
		toolName := name
		r.Add(Function{
			Name:        toolName,
			Description: tool.Description,
			InputSchema: toolSchema(tool.InputSchema),
			Server:      server,
			Call: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
				return client.CallTool(ctx, toolName, args)
			},
		})
	}
	return r
}

// toolSchema converts a discovered input schema to a typed schema. The SDK
// surfaces it as any; servers may deliver either a decoded *jsonschema.Schema
// or a raw JSON object. Anything unconvertible becomes nil (schema-less).
func toolSchema(v any) *jsonschema.Schema {
	switch s := v.(type) {
	case nil:
		return nil
	case *jsonschema.Schema:
		return s
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var schema jsonschema.Schema
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil
		}
		return &schema
	}
}

func nameSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

// resultText renders a tool result for transcripts and logging: text contents
// concatenated, any other content marshaled to JSON.
func resultText(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var sb strings.Builder
	for _, content := range result.Content {
		switch c := content.(type) {
		case *mcp.TextContent:
			sb.WriteString(c.Text)
		default:
			if b, err := json.Marshal(content); err == nil {
				sb.Write(b)
			}
		}
	}
	return sb.String()
}

// errorResult builds a structured error result in the MCP wire shape so
// per-call failures stay representable upstream.
func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
