package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/realtime"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server whose tools are offered to the model.
type ServerConfig struct {
	Name      string
	Transport Transport
	// Command is the executable and arguments for stdio servers.
	Command string
	// URL is the endpoint for streamable-http servers.
	URL string
	// Env holds extra environment variables for stdio servers.
	Env map[string]string
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tools. Tools whose names collide with an already registered tool are
// skipped with a warning; built-in tools always win.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: mcp server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("tools: unknown transport %q for mcp server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("tools: stdio mcp server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.Command(executable, args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http mcp server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to mcp server %q: %w", cfg.Name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools of mcp server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, tool)
	}

	h.addSession(cfg.Name, session, discovered)
	return nil
}

// addSession installs session under name and registers its tools, replacing
// any previous session of the same name.
func (h *Host) addSession(name string, session toolSession, discovered []*mcpsdk.Tool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.sessions[name]; ok {
		_ = old.Close()
		for tn, e := range h.tools {
			if e.server == name {
				delete(h.tools, tn)
			}
		}
	}
	h.sessions[name] = session
	bc := h.breakerCfg
	bc.Name = "mcp:" + name
	bc.Logger = h.log
	h.breakers[name] = resilience.New(bc)

	for _, t := range discovered {
		if existing, ok := h.tools[t.Name]; ok && existing.server != name {
			h.log.Warn("mcp tool shadowed by existing tool, skipping",
				"server", name, "tool", t.Name)
			continue
		}
		h.tools[t.Name] = toolEntry{
			def: realtime.Tool{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaJSON(t.InputSchema),
			},
			server: name,
			seq:    h.nextSeq(),
		}
	}
	h.log.Info("mcp server registered", "server", name, "tools", len(discovered))
}

// callMCP forwards call to the server owning entry.
func (h *Host) callMCP(ctx context.Context, entry toolEntry, call Call) (string, error) {
	h.mu.RLock()
	session, ok := h.sessions[entry.server]
	breaker := h.breakers[entry.server]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tools: mcp server %q not connected", entry.server)
	}

	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", fmt.Errorf("tools: invalid arguments for %q: %w", call.Name, err)
		}
	}

	// Only transport failures trip the breaker; a tool reporting IsError
	// comes from a healthy server.
	var res *mcpsdk.CallToolResult
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		res, err = session.CallTool(ctx, &mcpsdk.CallToolParams{Name: call.Name, Arguments: args})
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "", fmt.Errorf("tools: mcp server %q is unavailable", entry.server)
	}
	if err != nil {
		return "", fmt.Errorf("tools: call %q on %q: %w", call.Name, entry.server, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", errors.New(sb.String())
	}
	return sb.String(), nil
}

// schemaJSON renders an MCP input schema for the realtime tool declaration.
func schemaJSON(schema any) json.RawMessage {
	if schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	if raw, ok := schema.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(schema)
	if err != nil || string(b) == "null" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

// splitCommand splits "/bin/foo --bar baz" into ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (string, []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
