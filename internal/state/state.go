// Package state manages the effective runtime configuration: a base config
// layered with session-scoped overlays. Reads resolve base ⊕ overlay("*") ⊕
// overlay(sessionID), later layers winning per field.
package state

import (
	"sync"

	"github.com/truffle-ai/saiki/internal/config"
	"github.com/truffle-ai/saiki/internal/llm"
	"github.com/truffle-ai/saiki/internal/mcp"
)

// ScopeAll applies an overlay to every session.
const ScopeAll = "*"

// ScopeDefault applies an overlay to the default session only.
const ScopeDefault = ""

// overlay holds the per-scope mutations.
type overlay struct {
	llm *llm.Config
	mcp map[string]mcp.ServerConfig
}

func (o *overlay) clone() *overlay {
	if o == nil {
		return nil
	}
	out := &overlay{}
	if o.llm != nil {
		c := *o.llm
		out.llm = &c
	}
	if len(o.mcp) > 0 {
		out.mcp = make(map[string]mcp.ServerConfig, len(o.mcp))
		for k, v := range o.mcp {
			out.mcp[k] = v
		}
	}
	return out
}

// Manager guards the layered configuration. Readers take the shared lock;
// updates take the exclusive lock. UpdateLLM and AddMCPServer copy-on-write
// the affected overlay; RemoveMCPServer deletes from the base and overlay
// maps in place.
type Manager struct {
	mu       sync.RWMutex
	base     config.Config
	global   *overlay            // ScopeAll
	sessions map[string]*overlay // per-session
}

// NewManager snapshots the validated base configuration.
func NewManager(base *config.Config) *Manager {
	return &Manager{
		base:     *base,
		sessions: make(map[string]*overlay),
	}
}

// Effective resolves the configuration seen by sessionID. The result is a
// defensive copy; mutating it never affects the manager.
func (m *Manager) Effective(sessionID string) config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.base
	out.MCPServers = make(map[string]mcp.ServerConfig, len(m.base.MCPServers))
	for k, v := range m.base.MCPServers {
		out.MCPServers[k] = v
	}

	apply := func(o *overlay) {
		if o == nil {
			return
		}
		if o.llm != nil {
			out.LLM = out.LLM.Merge(*o.llm)
		}
		for k, v := range o.mcp {
			out.MCPServers[k] = v
		}
	}
	apply(m.global)
	apply(m.sessions[sessionID])
	return out
}

// EffectiveLLM resolves just the LLM config for a session.
func (m *Manager) EffectiveLLM(sessionID string) llm.Config {
	return m.Effective(sessionID).LLM
}

// UpdateLLM overlays an LLM config change at the given scope: ScopeAll, a
// session id, or ScopeDefault for the default session.
func (m *Manager) UpdateLLM(updates llm.Config, scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if scope == ScopeAll {
		o := m.global.clone()
		if o == nil {
			o = &overlay{}
		}
		merged := m.base.LLM
		if o.llm != nil {
			merged = *o.llm
		}
		merged = merged.Merge(updates)
		o.llm = &merged
		m.global = o
		// A global update supersedes conflicting per-session LLM overlays.
		for id, so := range m.sessions {
			c := so.clone()
			c.llm = nil
			m.sessions[id] = c
		}
		return
	}

	if scope == ScopeDefault {
		scope = "default" // the session manager's default session id
	}
	o := m.sessions[scope].clone()
	if o == nil {
		o = &overlay{}
	}
	merged := m.base.LLM
	if m.global != nil && m.global.llm != nil {
		merged = merged.Merge(*m.global.llm)
	}
	if o.llm != nil {
		merged = *o.llm
	}
	merged = merged.Merge(updates)
	o.llm = &merged
	m.sessions[scope] = o
}

// AddMCPServer records a server config at the global scope.
func (m *Manager) AddMCPServer(name string, cfg mcp.ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.global.clone()
	if o == nil {
		o = &overlay{}
	}
	if o.mcp == nil {
		o.mcp = make(map[string]mcp.ServerConfig)
	}
	o.mcp[name] = cfg.WithDefaults()
	m.global = o
}

// RemoveMCPServer removes a server from the base and overlay layers.
func (m *Manager) RemoveMCPServer(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.base.MCPServers, name)
	if m.global != nil {
		delete(m.global.mcp, name)
	}
	for _, o := range m.sessions {
		delete(o.mcp, name)
	}
}

// DropSession discards a session's overlay, e.g. when the session is
// deleted.
func (m *Manager) DropSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}
