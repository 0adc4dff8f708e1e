package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/michaelbrown/scriptforge/internal/llm"
)

// Registry manages multiple MCP tool server connections.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*MCPConnection // server name → connection
	toolIndex   map[string]string         // tool name → server name
	logger      *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connections: make(map[string]*MCPConnection),
		toolIndex:   make(map[string]string),
		logger:      logger,
	}
}

// Register launches an MCP tool server and adds its tools to the registry.
// Disabled servers are skipped.
func (r *Registry) Register(ctx context.Context, name string, cfg ToolServerConfig) error {
	if !cfg.Enabled {
		return nil
	}
	conn, err := NewMCPConnection(ctx, name, cfg)
	if err != nil {
		return err
	}
	r.Add(name, conn)
	return nil
}

// RegisterAll registers every configured server in name order. Failures
// are logged and skipped so one broken server does not disable the rest.
func (r *Registry) RegisterAll(ctx context.Context, servers map[string]ToolServerConfig) {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := r.Register(ctx, name, servers[name]); err != nil {
			r.logger.Warn("tool server unavailable", "server", name, "error", err)
		}
	}
}

// Add indexes an established connection. A tool name already provided by
// another server keeps its first owner.
func (r *Registry) Add(name string, conn *MCPConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[name] = conn
	for _, toolName := range conn.ToolNames() {
		if owner, dup := r.toolIndex[toolName]; dup {
			r.logger.Warn("duplicate tool ignored", "tool", toolName, "server", name, "owner", owner)
			continue
		}
		r.toolIndex[toolName] = name
	}
	r.logger.Debug("tool server registered", "server", name, "tools", len(conn.tools))
}

// AllTools returns tool definitions from all registered servers.
func (r *Registry) AllTools() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []llm.ToolDef
	for _, conn := range r.connections {
		for _, def := range conn.ToolDefs() {
			if r.toolIndex[def.Name] == conn.name {
				all = append(all, def)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// CallTool routes a tool call to the appropriate MCP server.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	serverName, ok := r.toolIndex[name]
	conn := r.connections[serverName]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return conn.CallTool(ctx, name, args)
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.toolIndex[name]
	return ok
}

// HasTools returns true if any tools are registered.
func (r *Registry) HasTools() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.toolIndex) > 0
}

// Close shuts down all MCP server connections.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, conn := range r.connections {
		conn.Close()
		delete(r.connections, name)
	}
	r.toolIndex = make(map[string]string)
}
