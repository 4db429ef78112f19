// Package mcp connects to Model Context Protocol servers over stdio
// and bridges their tools into the engine's registry. Discovery is a
// startup-only mutation: Register runs once before the agent loop
// starts, and the tool set does not change afterwards.
package mcp

import (
	"context"
	"fmt"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/internal/tools"
)

const protocolVersion = "2024-11-05"

// ServerConfig describes one stdio MCP server to launch.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// serverConn is one live server: its client and the registry names it
// contributed.
type serverConn struct {
	name      string
	client    *mcpclient.Client
	toolNames []string
}

// Manager launches configured MCP servers and registers their tools.
type Manager struct {
	servers []ServerConfig
	logger  *observability.Logger

	mu    sync.Mutex
	conns []*serverConn
}

// NewManager creates a manager for the given servers. It does not
// connect; Register does.
func NewManager(servers []ServerConfig, logger *observability.Logger) *Manager {
	return &Manager{servers: servers, logger: logger}
}

// Register connects every configured server and registers its tools.
// A server that fails to connect is logged and skipped so one broken
// server cannot keep the engine from starting.
func (m *Manager) Register(ctx context.Context, registry *tools.Registry) error {
	var failures []string
	for _, cfg := range m.servers {
		conn, err := m.connect(ctx, cfg, registry)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn(ctx, "mcp server connect failed", "server", cfg.Name, "error", err)
			}
			failures = append(failures, fmt.Sprintf("%s: %v", cfg.Name, err))
			continue
		}
		m.mu.Lock()
		m.conns = append(m.conns, conn)
		m.mu.Unlock()
		if m.logger != nil {
			m.logger.Info(ctx, "mcp server connected",
				"server", cfg.Name, "tools", len(conn.toolNames))
		}
	}
	if len(failures) > 0 && len(failures) == len(m.servers) {
		return fmt.Errorf("all mcp servers failed: %v", failures)
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, cfg ServerConfig, registry *tools.Registry) (*serverConn, error) {
	client, err := mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "conduit",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	conn := &serverConn{name: cfg.Name, client: client}
	for _, remote := range listed.Tools {
		bridge := newBridgeTool(client, cfg.Name, remote)
		if _, exists := registry.Get(bridge.Name()); exists {
			if m.logger != nil {
				m.logger.Warn(ctx, "mcp tool name collision, skipped",
					"server", cfg.Name, "tool", bridge.Name())
			}
			continue
		}
		registry.Register(bridge)
		conn.toolNames = append(conn.toolNames, bridge.Name())
	}
	return conn, nil
}

// ToolNames returns the registry names contributed by all servers.
func (m *Manager) ToolNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, conn := range m.conns {
		names = append(names, conn.toolNames...)
	}
	return names
}

// Close shuts down every server connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, conn := range m.conns {
		if err := conn.client.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", conn.name, err)
		}
	}
	m.conns = nil
	return first
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}
