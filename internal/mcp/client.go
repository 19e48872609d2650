/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package mcp provides the MCP (Model Context Protocol) client integration
// mcp_tool steps dispatch through. It connects to the MCP servers a
// procedure's bindings reference, discovers their tools, and exposes a
// single CallTool entry point the registry dispatcher invokes.
//
// Transport modes supported:
//   - Streamable HTTP (primary) — connects to servers running HTTP endpoints
//   - Stdio (planned) — for sidecar/subprocess MCP servers
package mcp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ServerSpec describes one MCP server a procedure may bind an mcp_tool
// step against.
type ServerSpec struct {
	Endpoint     string
	Capabilities []string
}

// ServerConnection represents a live connection to an MCP server.
type ServerConnection struct {
	// Name is the configured name for this server.
	Name string

	// Endpoint is the URL of the MCP server.
	Endpoint string

	// Capabilities are the declared capabilities.
	Capabilities []string

	// Session is the active MCP client session.
	Session *mcpsdk.ClientSession

	// Tools are the tools discovered from this server.
	Tools []*mcpsdk.Tool

	// Healthy indicates whether the server passed health check.
	Healthy bool

	// Error holds the last connection error (if any).
	Error error
}

// Manager manages connections to the MCP servers named in an
// orchestrator's configuration. It connects to each at startup,
// discovers its tools, and routes mcp_tool step calls to them by
// server+tool name.
type Manager struct {
	log         logr.Logger
	client      *mcpsdk.Client
	connections map[string]*ServerConnection
	mu          sync.RWMutex

	// httpTimeout is the timeout for HTTP transport connections.
	httpTimeout time.Duration
}

// NewManager creates a new MCP Manager.
func NewManager(log logr.Logger) *Manager {
	return &Manager{
		log: log.WithName("mcp"),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{
				Name:    "ckp-orchestrator",
				Version: "0.1.0",
			},
			nil,
		),
		connections: make(map[string]*ServerConnection),
		httpTimeout: 30 * time.Second,
	}
}

// ConnectAll connects to every MCP server in servers. It logs warnings
// for servers that fail to connect but does not fail — procedures whose
// mcp_tool steps target a down server simply fail at dispatch time.
func (m *Manager) ConnectAll(ctx context.Context, servers map[string]ServerSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, spec := range servers {
		conn := &ServerConnection{
			Name:         name,
			Endpoint:     spec.Endpoint,
			Capabilities: spec.Capabilities,
		}

		if err := m.connectOne(ctx, conn); err != nil {
			conn.Error = err
			conn.Healthy = false
			m.log.Error(err, "failed to connect to MCP server, degrading gracefully",
				"server", name,
				"endpoint", spec.Endpoint,
			)
		}

		m.connections[name] = conn
	}

	return nil
}

// connectOne establishes a connection to a single MCP server.
func (m *Manager) connectOne(ctx context.Context, conn *ServerConnection) error {
	transport := &mcpsdk.StreamableClientTransport{
		Endpoint: conn.Endpoint,
		HTTPClient: &http.Client{
			Timeout: m.httpTimeout,
		},
		DisableStandaloneSSE: true,
	}

	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", conn.Endpoint, err)
	}
	conn.Session = session

	result, err := session.ListTools(ctx, &mcpsdk.ListToolsParams{})
	if err != nil {
		conn.Healthy = true
		conn.Error = fmt.Errorf("list tools: %w", err)
		m.log.Error(err, "connected but failed to list tools", "server", conn.Name)
		return nil
	}

	conn.Tools = result.Tools
	conn.Healthy = true
	conn.Error = nil

	m.log.Info("connected to MCP server",
		"server", conn.Name,
		"endpoint", conn.Endpoint,
		"tools", len(conn.Tools),
	)

	return nil
}

// CallTool invokes toolName on serverName and returns its text content.
// This is the entry point the registry dispatcher calls for mcp_tool
// steps, wrapping it in its own per-endpoint circuit breaker.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (string, error) {
	m.mu.RLock()
	conn, ok := m.connections[serverName]
	m.mu.RUnlock()
	if !ok || conn.Session == nil {
		return "", fmt.Errorf("mcp server %q is not connected", serverName)
	}

	result, err := conn.Session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp call %s/%s: %w", serverName, toolName, err)
	}

	text := extractTextContent(result)
	if result.IsError {
		return text, fmt.Errorf("mcp tool error: %s", text)
	}
	return text, nil
}

// HealthCheck pings all connected servers and updates their health status.
func (m *Manager) HealthCheck(ctx context.Context) map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]bool, len(m.connections))
	for name, conn := range m.connections {
		if conn.Session == nil {
			results[name] = false
			continue
		}

		err := conn.Session.Ping(ctx, &mcpsdk.PingParams{})
		healthy := err == nil
		conn.Healthy = healthy
		if err != nil {
			conn.Error = err
		}
		results[name] = healthy
	}

	return results
}

// Close closes all MCP server connections.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, conn := range m.connections {
		if conn.Session != nil {
			if err := conn.Session.Close(); err != nil {
				m.log.Error(err, "failed to close MCP session", "server", name)
			}
		}
	}
	m.connections = make(map[string]*ServerConnection)
}

// Connections returns a snapshot of all server connections (for status reporting).
func (m *Manager) Connections() map[string]*ServerConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*ServerConnection, len(m.connections))
	for k, v := range m.connections {
		result[k] = v
	}
	return result
}

// ServerNames returns the names of all registered servers.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	return names
}

// extractTextContent extracts text from MCP Content items.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}

	return strings.Join(parts, "\n")
}
