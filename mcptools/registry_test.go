package mcptools

import (
	"context"
	"slices"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestBuildRegistryFilters(t *testing.T) {
	t.Parallel()

	client := newFakeToolClient("alpha")
	for _, name := range []string{"search", "fetch", "write"} {
		client.addTool("alpha", name, func(context.Context, map[string]any) (*mcp.CallToolResult, error) {
			return textResult("ok"), nil
		})
	}

	tests := []struct {
		name     string
		allowed  []string
		excluded []string
		want     []string
	}{
		{"no filters keeps everything", nil, nil, []string{"fetch", "search", "write"}},
		{"allowed whitelists", []string{"search"}, nil, []string{"search"}},
		{"excluded blacklists", nil, []string{"write"}, []string{"fetch", "search"}},
		{"excluded wins over allowed", []string{"search", "write"}, []string{"write"}, []string{"search"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := buildRegistry(client, tt.allowed, tt.excluded)
			if got := r.Names(); !slices.Equal(got, tt.want) {
				t.Fatalf("registry names = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistryDispatch(t *testing.T) {
	t.Parallel()

	client := newFakeToolClient("alpha")
	var gotArgs map[string]any
	client.addTool("alpha", "echo", func(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
		gotArgs = args
		return textResult("echoed"), nil
	})

	r := buildRegistry(client, nil, nil)
	fn, ok := r.Lookup("echo")
	if !ok {
		t.Fatal("echo not registered")
	}
	if fn.Server != "alpha" {
		t.Fatalf("fn.Server = %q, want alpha", fn.Server)
	}

	res, err := fn.Call(context.Background(), map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if got := resultText(res); got != "echoed" {
		t.Fatalf("resultText() = %q, want %q", got, "echoed")
	}
	if gotArgs["text"] != "hi" {
		t.Fatalf("dispatched args = %v, want text=hi", gotArgs)
	}
}

// Servers deliver input schemas in different shapes through the SDK's any
// field: an already-decoded schema, a raw JSON object, or nothing at all.
func TestBuildRegistryInputSchemas(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, map[string]any) (*mcp.CallToolResult, error) {
		return textResult("ok"), nil
	}

	client := newFakeToolClient("alpha")
	client.addToolSchema("alpha", "typed", &jsonschema.Schema{Type: "object"}, noop)
	client.addToolSchema("alpha", "raw", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"q": map[string]any{"type": "string"},
		},
	}, noop)
	client.addTool("alpha", "schemaless", noop)

	r := buildRegistry(client, nil, nil)

	typed, _ := r.Lookup("typed")
	if typed.InputSchema == nil || typed.InputSchema.Type != "object" {
		t.Fatalf("typed schema = %v, want object schema", typed.InputSchema)
	}

	raw, _ := r.Lookup("raw")
	if raw.InputSchema == nil || raw.InputSchema.Type != "object" {
		t.Fatalf("raw schema = %v, want decoded object schema", raw.InputSchema)
	}
	if _, ok := raw.InputSchema.Properties["q"]; !ok {
		t.Fatal("raw schema lost its properties during decoding")
	}

	bare, _ := r.Lookup("schemaless")
	if bare.InputSchema != nil {
		t.Fatalf("schemaless tool got schema %v, want nil", bare.InputSchema)
	}
}

func TestResultText(t *testing.T) {
	t.Parallel()

	if got := resultText(nil); got != "" {
		t.Fatalf("resultText(nil) = %q, want empty", got)
	}

	res := &mcp.CallToolResult{Content: []mcp.Content{
		&mcp.TextContent{Text: "part one "},
		&mcp.TextContent{Text: "part two"},
	}}
	if got := resultText(res); got != "part one part two" {
		t.Fatalf("resultText() = %q", got)
	}
}

func TestErrorResult(t *testing.T) {
	t.Parallel()

	res := errorResult("boom")
	if !res.IsError {
		t.Fatal("errorResult() did not set IsError")
	}
	if got := resultText(res); got != "boom" {
		t.Fatalf("resultText() = %q, want boom", got)
	}
}
