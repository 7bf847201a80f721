package mcptools

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/deepmindru-afk/MassGen/backend"
)

func toolNames(tools []backend.Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	slices.Sort(names)
	return names
}

func TestFallbackToolsStripsLayerTools(t *testing.T) {
	t.Parallel()

	fs := &fakeStreamer{}
	h, _ := setupStreamHandler(t, fs)

	tools := []backend.Tool{
		{"type": "mcp", "name": "remote_thing"},
		{"type": "function", "name": "lookup"}, // registered in this session
		{"type": "function", "name": "calculator"},
	}

	got := h.fallbackTools(tools, StreamOptions{})
	if names := toolNames(got); !slices.Equal(names, []string{"calculator"}) {
		t.Fatalf("fallbackTools() = %v, want [calculator]", names)
	}
}

func TestFallbackToolsCoordinationPolicy(t *testing.T) {
	t.Parallel()

	original := []backend.Tool{
		{"type": "function", "name": "vote"},
		{"type": "function", "name": "new_answer"},
	}

	tests := []struct {
		name            string
		existingAnswers bool
		want            []string
	}{
		{"answers exist keeps only vote", true, []string{"vote"}},
		{"no answers keeps only new_answer", false, []string{"new_answer"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fs := &fakeStreamer{}
			h, _ := setupStreamHandler(t, fs)

			got := h.fallbackTools(original, StreamOptions{
				Fallback: FallbackContext{
					OriginalTools:   original,
					ExistingAnswers: tt.existingAnswers,
				},
			})
			if names := toolNames(got); !slices.Equal(names, tt.want) {
				t.Fatalf("fallbackTools() = %v, want %v", names, tt.want)
			}
		})
	}
}

func TestFallbackToolsDropsCoordinationAbsentFromOriginal(t *testing.T) {
	t.Parallel()

	fs := &fakeStreamer{}
	h, _ := setupStreamHandler(t, fs)

	// "vote" was never in the original tool set, so it never survives the
	// fallback even when answers exist.
	got := h.fallbackTools([]backend.Tool{{"type": "function", "name": "vote"}}, StreamOptions{
		Fallback: FallbackContext{ExistingAnswers: true},
	})
	if len(got) != 0 {
		t.Fatalf("fallbackTools() = %v, want empty", toolNames(got))
	}
}

func TestFallbackToolsReattachesProviderToolsDeduped(t *testing.T) {
	t.Parallel()

	fs := &fakeStreamer{}
	h, _ := setupStreamHandler(t, fs)

	tools := []backend.Tool{
		{"type": "function", "name": "calculator"},
	}
	provider := []backend.Tool{
		{"type": "function", "name": "calculator"}, // duplicate (type, name)
		{"type": "builtin", "name": "calculator"},  // same name, different type
		{"type": "builtin", "name": "web_search"},
		{"type": "mcp", "name": "remote_thing"}, // layer-owned, dropped
	}

	got := h.fallbackTools(tools, StreamOptions{ProviderTools: provider})
	want := []string{"calculator", "calculator", "web_search"}
	if names := toolNames(got); !slices.Equal(names, want) {
		t.Fatalf("fallbackTools() = %v, want %v", names, want)
	}
}

func TestHandleErrorAndFallback(t *testing.T) {
	t.Parallel()

	fs := &fakeStreamer{
		fallbackChunks: []backend.Chunk{
			{Type: backend.ChunkContent, Content: "recovered"},
			backend.Done(),
		},
	}
	h, _ := setupStreamHandler(t, fs)

	chunks := collect(h.HandleErrorAndFallback(context.Background(),
		errors.New("connection refused"), nil, nil, StreamOptions{}))

	if got := statusChunks(chunks, backend.StatusError); len(got) != 1 {
		t.Fatalf("got %d error chunks, want 1", len(got))
	}
	var sawRecovered bool
	for _, c := range chunks {
		if c.Content == "recovered" {
			sawRecovered = true
		}
	}
	if !sawRecovered {
		t.Fatal("fallback chunks were not forwarded")
	}
	if chunks[len(chunks)-1].Type != backend.ChunkDone {
		t.Fatal("fallback did not end with done")
	}
}

// The status chunk carries the classified message only; the raw error text
// belongs to the inline notice.
func TestFallbackErrorChunkOmitsRawError(t *testing.T) {
	t.Parallel()

	fs := &fakeStreamer{noFallback: true}
	h, _ := setupStreamHandler(t, fs)

	chunks := collect(h.HandleErrorAndFallback(context.Background(),
		errors.New("connection refused: 10.0.0.1:9999"), nil, nil, StreamOptions{}))

	errChunks := statusChunks(chunks, backend.StatusError)
	if len(errChunks) != 1 {
		t.Fatalf("got %d error chunks, want 1", len(errChunks))
	}
	if errChunks[0].Content != "MCP server connection failed" {
		t.Fatalf("error chunk content = %q, want the classified message", errChunks[0].Content)
	}

	var notice string
	for _, c := range chunks {
		if c.Type == backend.ChunkContent {
			notice = c.Content
		}
	}
	if !strings.Contains(notice, "connection refused: 10.0.0.1:9999") {
		t.Fatalf("inline notice %q does not carry the raw error", notice)
	}
}

func TestFallbackBumpsFailureCounter(t *testing.T) {
	t.Parallel()

	fs := &fakeStreamer{noFallback: true}
	h, _ := setupStreamHandler(t, fs)

	_, before := h.Stats().Snapshot()
	collect(h.HandleErrorAndFallback(context.Background(),
		errors.New("stream interrupted"), nil, nil, StreamOptions{}))
	_, after := h.Stats().Snapshot()

	if after != before+1 {
		t.Fatalf("failure counter = %d after fallback, want %d", after, before+1)
	}
}

func TestHandleErrorAndFallbackWithoutFallbackPath(t *testing.T) {
	t.Parallel()

	fs := &fakeStreamer{noFallback: true}
	h, _ := setupStreamHandler(t, fs)

	chunks := collect(h.HandleErrorAndFallback(context.Background(),
		errors.New("boom"), nil, nil, StreamOptions{}))

	if chunks[len(chunks)-1].Type != backend.ChunkDone {
		t.Fatal("missing done chunk when no fallback path exists")
	}
}
