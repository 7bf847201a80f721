package mcptools

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Transport identifies how a tool server is reached.
type Transport string

const (
	// TransportStdio runs the server as a subprocess speaking MCP on stdio.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP reaches the server over streamable HTTP.
	TransportStreamableHTTP Transport = "streamable_http"
)

// ServerConfig describes one tool server. It is immutable once normalized for
// a setup attempt.
type ServerConfig struct {
	// Name is the unique server identifier. Defaults to the command or URL
	// when unset.
	Name string

	// Transport selects the connection mechanism. Defaults to TransportStdio
	// when a Command is set and TransportStreamableHTTP when a URL is set.
	Transport Transport

	// Stdio transport parameters.
	Command string
	Args    []string
	Env     map[string]string

	// Streamable HTTP transport parameters.
	URL     string
	Headers map[string]string
}

// normalizeServers fills in defaulted fields and discards descriptors this
// layer cannot use. Unsupported transports and incomplete descriptors are
// logged and skipped, never fatal.
func normalizeServers(servers []ServerConfig, logger *slog.Logger) []ServerConfig {
	normalized := make([]ServerConfig, 0, len(servers))
	seen := make(map[string]bool, len(servers))

	for _, srv := range servers {
		if srv.Transport == "" {
			switch {
			case srv.Command != "":
				srv.Transport = TransportStdio
			case srv.URL != "":
				srv.Transport = TransportStreamableHTTP
			}
		}

		switch srv.Transport {
		case TransportStdio:
			if srv.Command == "" {
				logger.Warn("skipping MCP server: missing required 'command' field",
					"server", srv.Name)
				continue
			}
			if srv.Name == "" {
				srv.Name = srv.Command
			}
		case TransportStreamableHTTP:
			if srv.URL == "" {
				logger.Warn("skipping MCP server: missing required 'url' field",
					"server", srv.Name)
				continue
			}
			if srv.Name == "" {
				srv.Name = srv.URL
			}
		default:
			logger.Warn("skipping MCP server: unsupported transport",
				"server", srv.Name,
				"transport", string(srv.Transport))
			continue
		}

		if seen[srv.Name] {
			logger.Warn("skipping MCP server: duplicate name", "server", srv.Name)
			continue
		}
		seen[srv.Name] = true
		normalized = append(normalized, srv)
	}

	return normalized
}

// serverNames returns the names of the given servers in input order.
func serverNames(servers []ServerConfig) []string {
	names := make([]string, len(servers))
	for i, srv := range servers {
		names[i] = srv.Name
	}
	return names
}

// serversSignature computes the configuration signature of a server set: the
// sorted names joined. Sessions hold the signature they were built from to
// detect configuration drift.
func serversSignature(servers []ServerConfig) string {
	names := serverNames(servers)
	sort.Strings(names)
	return strings.Join(names, ",")
}

// String implements fmt.Stringer for log output.
func (s ServerConfig) String() string {
	if s.Transport == TransportStreamableHTTP {
		return fmt.Sprintf("%s (%s %s)", s.Name, s.Transport, s.URL)
	}
	return fmt.Sprintf("%s (%s %s)", s.Name, s.Transport, s.Command)
}
