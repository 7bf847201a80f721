package mcptools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// clientName identifies this layer in the MCP handshake.
const clientName = "massgen-mcp-tools"

// clientVersion is the protocol client version reported to servers.
const clientVersion = "1.0.0"

// ErrNoServersConnected indicates no server in the candidate set accepted a
// connection.
var ErrNoServersConnected = errors.New("no MCP servers connected")

// toolClient is the session surface the handler depends on. *Client is the
// production implementation; tests substitute their own.
type toolClient interface {
	ServerNames() []string
	Tools() map[string]*mcp.Tool
	ToolServer(name string) (string, bool)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

// remoteTool binds a discovered tool to the session that serves it.
type remoteTool struct {
	server  string
	tool    *mcp.Tool
	session *mcp.ClientSession
}

// Client is a session to one or more MCP tool servers. It aggregates the
// tools discovered on every live connection and dispatches calls to the
// owning server.
//
// Client is not safe for concurrent CallTool from multiple goroutines of the
// same session; the streaming engine executes calls sequentially by design.
type Client struct {
	sessions map[string]*mcp.ClientSession
	tools    map[string]remoteTool
	logger   *slog.Logger
}

// ConnectOptions tunes Connect behavior.
type ConnectOptions struct {
	// Timeout bounds each server's connect + tool discovery (default: 30s).
	Timeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Connect dials every descriptor and keeps the subset that completed the MCP
// handshake and tool discovery. Individual failures are logged and skipped;
// ErrNoServersConnected is returned only when nothing connected.
func Connect(ctx context.Context, servers []ServerConfig, opts ConnectOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		sessions: make(map[string]*mcp.ClientSession, len(servers)),
		tools:    make(map[string]remoteTool),
		logger:   logger,
	}

	for _, srv := range servers {
		session, tools, err := dialServer(ctx, srv, timeout)
		if err != nil {
			logger.Warn("MCP server connection failed",
				"server", srv.Name,
				"transport", string(srv.Transport),
				"error", err)
			continue
		}

		c.sessions[srv.Name] = session
		for _, tool := range tools {
			if existing, ok := c.tools[tool.Name]; ok {
				// First server wins on name collisions.
				logger.Warn("duplicate MCP tool name, keeping first",
					"tool", tool.Name,
					"kept_server", existing.server,
					"dropped_server", srv.Name)
				continue
			}
			c.tools[tool.Name] = remoteTool{server: srv.Name, tool: tool, session: session}
		}
		logger.Info("MCP server connected",
			"server", srv.Name,
			"tool_count", len(tools))
	}

	if len(c.sessions) == 0 {
		return nil, fmt.Errorf("%w: %d candidates", ErrNoServersConnected, len(servers))
	}
	return c, nil
}

// dialServer establishes one MCP session and lists its tools.
func dialServer(ctx context.Context, srv ServerConfig, timeout time.Duration) (*mcp.ClientSession, []*mcp.Tool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport, err := buildTransport(srv)
	if err != nil {
		return nil, nil, err
	}

	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)
	session, err := client.Connect(dialCtx, transport, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	listed, err := session.ListTools(dialCtx, &mcp.ListToolsParams{})
	if err != nil {
		_ = session.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}
	return session, listed.Tools, nil
}

// buildTransport constructs the SDK transport for a descriptor.
func buildTransport(srv ServerConfig) (mcp.Transport, error) {
	switch srv.Transport {
	case TransportStdio:
		cmd := exec.Command(srv.Command, srv.Args...)
		if len(srv.Env) > 0 {
			cmd.Env = append(os.Environ(), envMapToSlice(srv.Env)...)
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case TransportStreamableHTTP:
		transport := &mcp.StreamableClientTransport{Endpoint: srv.URL}
		if len(srv.Headers) > 0 {
			transport.HTTPClient = &http.Client{
				Transport: &headerRoundTripper{headers: srv.Headers, base: http.DefaultTransport},
			}
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}
}

// headerRoundTripper injects static headers (auth tokens) into every request
// of a streamable HTTP session.
type headerRoundTripper struct {
	headers map[string]string
	base    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range h.headers {
		clone.Header.Set(k, v)
	}
	return h.base.RoundTrip(clone)
}

// envMapToSlice converts an env map to the KEY=VALUE slice exec.Cmd expects.
func envMapToSlice(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	result := make([]string, 0, len(m))
	for k, v := range m {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

// ServerNames returns the names of the live connections, sorted.
func (c *Client) ServerNames() []string {
	names := make([]string, 0, len(c.sessions))
	for name := range c.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns every discovered tool with its owning server name.
func (c *Client) Tools() map[string]*mcp.Tool {
	tools := make(map[string]*mcp.Tool, len(c.tools))
	for name, rt := range c.tools {
		tools[name] = rt.tool
	}
	return tools
}

// ToolServer returns the server that owns the named tool.
func (c *Client) ToolServer(name string) (string, bool) {
	rt, ok := c.tools[name]
	return rt.server, ok
}

// CallTool invokes the named tool on its owning server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	rt, ok := c.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %q not found on any connected server", name)
	}
	result, err := rt.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", name, rt.server, err)
	}
	return result, nil
}

// Close disconnects every session. The first error is returned; closing
// continues regardless.
func (c *Client) Close() error {
	var firstErr error
	for name, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
	}
	c.sessions = make(map[string]*mcp.ClientSession)
	c.tools = make(map[string]remoteTool)
	return firstErr
}
