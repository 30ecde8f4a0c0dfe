package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/truffle-ai/saiki/internal/bus"
	"github.com/truffle-ai/saiki/internal/llm"
	"github.com/truffle-ai/saiki/pkg/protocol"
)

// disconnectConcurrency caps parallel shutdowns in DisconnectAll.
const disconnectConcurrency = 4

// ClientInfo is a read-only snapshot of one registered server.
type ClientInfo struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	State     State  `json:"state"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

// Manager owns the serverId → client registry. Reads (tool aggregation,
// execution routing) take the read lock; connect/remove take the write
// lock. Tool execution itself runs outside the lock against the client.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	failed  map[string]string

	events *bus.Bus
}

// NewManager creates an empty MCP manager publishing on events.
func NewManager(events *bus.Bus) *Manager {
	return &Manager{
		clients: make(map[string]*Client),
		failed:  make(map[string]string),
		events:  events,
	}
}

// Connect adds a server and dials it, honoring the config's connection
// mode. Re-adding an existing name disconnects the old client first. In
// lenient mode a failure is recorded and returned as nil; in strict mode it
// propagates.
func (m *Manager) Connect(ctx context.Context, name string, cfg ServerConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("mcp server %q: %w", name, err)
	}

	m.mu.Lock()
	if old, exists := m.clients[name]; exists {
		if err := old.disconnect(); err != nil {
			slog.Debug("mcp.server.close_error", "server", name, "error", err)
		}
		delete(m.clients, name)
	}
	delete(m.failed, name)
	m.mu.Unlock()

	client := newClient(name, cfg)
	err := client.connect(ctx)
	if err != nil {
		m.mu.Lock()
		m.failed[name] = err.Error()
		m.mu.Unlock()

		m.publish(protocol.EventMcpServerConnected, protocol.McpServerConnectedPayload{
			Name: name, Success: false, Error: err.Error(),
		})
		if cfg.ConnectionMode == ModeStrict {
			return err
		}
		slog.Warn("mcp.server.connect_failed", "server", name, "mode", cfg.ConnectionMode, "error", err)
		return nil
	}

	// Start health monitoring: periodic ping with backoff reconnect keeps
	// the client's reported state current for the life of the registration.
	hctx, hcancel := context.WithCancel(context.Background())
	client.mu.Lock()
	client.cancelHealth = hcancel
	client.mu.Unlock()
	go m.healthLoop(hctx, client)

	m.mu.Lock()
	m.clients[name] = client
	m.mu.Unlock()

	slog.Info("mcp.server.connected", "server", name, "transport", cfg.Type, "tools", len(client.Tools()))
	m.publish(protocol.EventMcpServerConnected, protocol.McpServerConnectedPayload{Name: name, Success: true})
	m.notifyToolsUpdated()
	return nil
}

// Remove disconnects a server and deletes it from both the connected and
// failed registries.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	client, connected := m.clients[name]
	_, failedEntry := m.failed[name]
	delete(m.clients, name)
	delete(m.failed, name)
	m.mu.Unlock()

	if !connected && !failedEntry {
		return fmt.Errorf("mcp server %q not registered", name)
	}
	if client != nil {
		if err := client.disconnect(); err != nil {
			return fmt.Errorf("disconnect %q: %w", name, err)
		}
	}
	slog.Info("mcp.server.removed", "server", name)
	m.notifyToolsUpdated()
	return nil
}

// DisconnectAll gracefully shuts every client down in parallel, bounded by
// a small concurrency cap, and returns the collected errors as one.
func (m *Manager) DisconnectAll() error {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*Client)
	m.failed = make(map[string]string)
	m.mu.Unlock()

	sem := make(chan struct{}, disconnectConcurrency)
	errCh := make(chan error, len(clients))
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := c.disconnect(); err != nil {
				errCh <- fmt.Errorf("%s: %w", c.Name(), err)
			}
		}(c)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Clients returns a snapshot of every registered server. State and Error
// are live: the per-client health loop re-evaluates them on every ping, so
// a server that dies mid-session shows up disconnected (and eventually
// failed) here, not frozen at its connect-time status.
func (m *Manager) Clients() map[string]ClientInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ClientInfo, len(m.clients))
	for name, c := range m.clients {
		out[name] = ClientInfo{
			Name:      name,
			Transport: c.cfg.Type,
			State:     c.State(),
			ToolCount: len(c.Tools()),
			Error:     c.LastError(),
		}
	}
	return out
}

// FailedConnections returns the failed-server registry: name → error.
func (m *Manager) FailedConnections() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.failed))
	for k, v := range m.failed {
		out[k] = v
	}
	return out
}

// AllTools aggregates every connected server's tools into one map keyed by
// tool name. Collisions resolve deterministically: the lexicographically
// first server id wins, and a duplicate-tool-name warning is emitted.
func (m *Manager) AllTools() map[string]llm.ToolDefinition {
	m.mu.RLock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	clients := make([]*Client, 0, len(names))
	for _, name := range names {
		clients = append(clients, m.clients[name])
	}
	m.mu.RUnlock()

	out := make(map[string]llm.ToolDefinition)
	for _, c := range clients {
		for _, def := range c.Tools() {
			if existing, dup := out[def.Name]; dup {
				slog.Warn("mcp.tool.name_collision", "tool", def.Name, "kept", existing.Server, "shadowed", def.Server)
				m.publish(protocol.EventDuplicateToolName, protocol.DuplicateToolNamePayload{
					ToolName: def.Name, Kept: existing.Server, Shadowed: def.Server,
				})
				continue
			}
			out[def.Name] = def
		}
	}
	return out
}

// ExecuteTool validates the arguments against the tool's schema, routes the
// call to the owning client, and returns the flattened text result.
func (m *Manager) ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error) {
	def, ok := m.AllTools()[name]
	if !ok {
		return "", &ToolNotFoundError{Tool: name}
	}

	if err := validateArguments(def, args); err != nil {
		return "", &ExecutionError{Server: def.Server, Tool: name, Cause: err}
	}

	m.mu.RLock()
	client := m.clients[def.Server]
	m.mu.RUnlock()
	if client == nil {
		return "", &ToolNotFoundError{Tool: name}
	}

	result, err := client.callTool(ctx, name, args)
	if err != nil {
		return "", &ExecutionError{Server: def.Server, Tool: name, Cause: err}
	}
	return result, nil
}

// ReadResource resolves a resource URI against connected servers, first
// match wins in lexicographic server order. Satisfies prompt.ResourceReader.
func (m *Manager) ReadResource(ctx context.Context, uri string) (string, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	clients := make([]*Client, 0, len(names))
	for _, name := range names {
		clients = append(clients, m.clients[name])
	}
	m.mu.RUnlock()

	var lastErr error
	for _, c := range clients {
		content, err := c.readResource(ctx, uri)
		if err == nil {
			return content, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no connected MCP servers")
	}
	return "", fmt.Errorf("resource %q: %w", uri, lastErr)
}

// ToolNames returns the aggregated tool names, sorted.
func (m *Manager) ToolNames() []string {
	all := m.AllTools()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) notifyToolsUpdated() {
	m.publish(protocol.EventAvailableToolsUpdated, protocol.AvailableToolsUpdatedPayload{
		Tools:  m.ToolNames(),
		Source: protocol.ToolSourceMCP,
	})
}

func (m *Manager) publish(name string, payload any) {
	if m.events != nil {
		m.events.Publish(bus.Event{Name: name, Payload: payload})
	}
}
