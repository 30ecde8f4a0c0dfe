// Package agent exposes the facade: the single user-facing handle over the
// session manager, MCP manager, prompt manager, state manager, and event
// bus. External surfaces (CLI, HTTP, bots) only ever talk to this type.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/truffle-ai/saiki/internal/bus"
	"github.com/truffle-ai/saiki/internal/config"
	"github.com/truffle-ai/saiki/internal/llm"
	"github.com/truffle-ai/saiki/internal/mcp"
	"github.com/truffle-ai/saiki/internal/prompt"
	"github.com/truffle-ai/saiki/internal/search"
	"github.com/truffle-ai/saiki/internal/session"
	"github.com/truffle-ai/saiki/internal/state"
	"github.com/truffle-ai/saiki/internal/store"
	"github.com/truffle-ai/saiki/internal/tools"
	"github.com/truffle-ai/saiki/pkg/protocol"
)

// maxFileBytes bounds inline file attachments.
const maxFileBytes = 10 << 20

// lifecycle states.
type lifecycle int

const (
	stateNew lifecycle = iota
	stateStarted
	stateStopped
)

// Agent is the orchestrator facade. Construct with New, then Start before
// use; after Stop the instance is terminal.
type Agent struct {
	cfg *config.Config

	mu    sync.Mutex
	state lifecycle

	events   *bus.Bus
	stateMgr *state.Manager
	prompts  *prompt.Manager
	mcpMgr   *mcp.Manager
	custom   *tools.Registry
	sessions *session.Manager
	store    store.SessionStore
	searcher *search.Service

	currentMu sync.Mutex
	currentID string
}

// New validates the configuration and builds an unstarted Agent.
func New(cfg *config.Config) (*Agent, error) {
	cfg.ApplyDefaults()
	if issues := cfg.Validate(); config.HasErrors(issues) {
		return nil, &config.ValidationError{Issues: issues}
	}
	return &Agent{cfg: cfg, custom: tools.NewRegistry()}, nil
}

// Start is the exactly-once initializer: builds the state manager, event
// bus, prompt manager, MCP manager (dialing the configured servers per
// their connection modes), the storage backend, and the session manager.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case stateStarted:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	a.events = bus.New()
	a.stateMgr = state.NewManager(a.cfg)

	var err error
	a.prompts, err = a.buildPromptManager()
	if err != nil {
		return err
	}

	a.store, err = openStore(a.cfg.Storage)
	if err != nil {
		return err
	}
	a.searcher = search.NewService(a.store)

	a.mcpMgr = mcp.NewManager(a.events)
	for name, serverCfg := range a.cfg.MCPServers {
		if err := a.mcpMgr.Connect(ctx, name, serverCfg); err != nil {
			// Strict-mode failures abort startup; lenient ones were
			// already absorbed by the manager.
			a.store.Close()
			return err
		}
	}

	a.sessions = session.NewManager(session.Deps{
		Store:       a.store,
		State:       a.stateMgr,
		Events:      a.events,
		Prompts:     promptBuilder{agent: a},
		Tools:       toolRouter{agent: a},
		NewAdapter:  llm.New,
		MaxSessions: a.cfg.Sessions.MaxSessions,
		TTL:         a.cfg.Sessions.TTL(),
	})

	a.state = stateStarted
	slog.Info("agent.started", "provider", a.cfg.LLM.Provider, "model", a.cfg.LLM.Model, "mcp_servers", len(a.cfg.MCPServers))
	return nil
}

// Stop shuts the agent down gracefully: session cleanup, parallel MCP
// disconnect, storage close. Errors are collected into one aggregated
// warning; the agent still transitions to stopped.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case stateNew:
		return ErrNotStarted
	case stateStopped:
		return ErrStopped
	}

	var errs []error
	if err := a.sessions.Cleanup(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session cleanup: %w", err))
	}
	if err := a.mcpMgr.DisconnectAll(); err != nil {
		errs = append(errs, fmt.Errorf("mcp disconnect: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	a.events.Close()

	a.state = stateStopped
	if err := errors.Join(errs...); err != nil {
		slog.Warn("agent.stopped_with_errors", "error", err)
		return err
	}
	slog.Info("agent.stopped")
	return nil
}

// ensureStarted guards every non-trivial operation.
func (a *Agent) ensureStarted() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case stateNew:
		return ErrNotStarted
	case stateStopped:
		return ErrStopped
	}
	return nil
}

// Events returns the agent's event bus for subscribers.
func (a *Agent) Events() *bus.Bus { return a.events }

// RunInput describes one user turn.
type RunInput struct {
	Text      string
	Image     []byte
	ImageMime string
	File      []byte
	FileMime  string
	FileName  string
	SessionID string
	Stream    bool
}

// Run routes one user turn to the named (or current) session and returns
// the final assistant text. Empty or whitespace-only input returns "".
func (a *Agent) Run(ctx context.Context, in RunInput) (string, error) {
	if err := a.ensureStarted(); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Text) == "" && len(in.Image) == 0 && len(in.File) == 0 {
		return "", nil
	}

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = a.CurrentSessionID()
	}

	if err := a.validateInput(sessionID, in); err != nil {
		return "", err
	}

	s, err := a.sessions.Create(ctx, sessionID)
	if err != nil {
		return "", err
	}

	var parts []llm.ContentPart
	if len(in.Image) > 0 {
		parts = append(parts, llm.ImagePart(in.Image, in.ImageMime))
	}
	if len(in.File) > 0 {
		parts = append(parts, llm.FilePart(in.File, in.FileMime, in.FileName))
	}
	return s.Run(ctx, in.Text, parts, in.Stream)
}

// validateInput checks the input against the target model's modality
// constraints before any LLM call.
func (a *Agent) validateInput(sessionID string, in RunInput) error {
	cfg := a.stateMgr.EffectiveLLM(sessionID).WithDefaults()
	provider := cfg.Provider
	if provider == "" {
		provider, _ = llm.InferProvider(cfg.Model)
	}
	model, _ := llm.LookupModel(provider, cfg.Model)

	var issues []string
	if len(in.Image) > 0 && !model.SupportsVision {
		issues = append(issues, fmt.Sprintf("model %q does not accept image input", cfg.Model))
	}
	if len(in.Image) > 0 && in.ImageMime == "" {
		issues = append(issues, "image input requires a mime type")
	}
	if len(in.File) > 0 && !model.SupportsFiles {
		issues = append(issues, fmt.Sprintf("model %q does not accept file input", cfg.Model))
	}
	if len(in.File) > maxFileBytes {
		issues = append(issues, fmt.Sprintf("file exceeds %d byte limit", maxFileBytes))
	}
	if len(issues) == 0 {
		return nil
	}

	a.events.Publish(bus.Event{Name: protocol.EventInputValidationFailed, Payload: protocol.InputValidationFailedPayload{
		SessionID: sessionID,
		Issues:    issues,
		Provider:  provider,
		Model:     cfg.Model,
	}})
	return &InputValidationError{SessionID: sessionID, Provider: provider, Model: cfg.Model, Issues: issues}
}

// SwitchLLM validates and applies an LLM configuration change. Scope is ""
// for the current session, a session id, or "*" for all sessions. The
// affected sessions' adapters are swapped atomically while each
// conversation log is preserved.
func (a *Agent) SwitchLLM(ctx context.Context, updates llm.Config, scope string) error {
	if err := a.ensureStarted(); err != nil {
		return err
	}

	if updates.Provider == "" && updates.Model != "" {
		if inferred, ok := llm.InferProvider(updates.Model); ok {
			updates.Provider = inferred
		}
	}

	targetScope := scope
	if targetScope == "" {
		targetScope = a.CurrentSessionID()
	}

	merged := a.stateMgr.EffectiveLLM(targetScope).Merge(updates)
	if issues := config.ValidateLLM(merged); config.HasErrors(issues) {
		return &config.ValidationError{Issues: issues}
	}

	switch scope {
	case state.ScopeAll:
		a.stateMgr.UpdateLLM(updates, state.ScopeAll)
		return a.sessions.SwitchLLMForAllSessions(ctx)
	case "":
		id := a.CurrentSessionID()
		a.stateMgr.UpdateLLM(updates, id)
		return a.sessions.SwitchLLMForSession(ctx, id)
	default:
		a.stateMgr.UpdateLLM(updates, scope)
		return a.sessions.SwitchLLMForSession(ctx, scope)
	}
}

// ConnectMcpServer validates and connects an MCP server, recording it in
// the effective config.
func (a *Agent) ConnectMcpServer(ctx context.Context, name string, cfg mcp.ServerConfig) error {
	if err := a.ensureStarted(); err != nil {
		return err
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := a.mcpMgr.Connect(ctx, name, cfg); err != nil {
		return err
	}
	a.stateMgr.AddMCPServer(name, cfg)
	return nil
}

// RemoveMcpServer disconnects and forgets an MCP server.
func (a *Agent) RemoveMcpServer(name string) error {
	if err := a.ensureStarted(); err != nil {
		return err
	}
	if err := a.mcpMgr.Remove(name); err != nil {
		return err
	}
	a.stateMgr.RemoveMCPServer(name)
	return nil
}

// ExecuteTool invokes an aggregated tool (custom or MCP) directly.
func (a *Agent) ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := a.ensureStarted(); err != nil {
		return "", err
	}
	return toolRouter{agent: a}.Execute(ctx, name, args)
}

// GetAllTools returns the full aggregated tool set: custom tools plus MCP
// tools, custom names winning on conflict.
func (a *Agent) GetAllTools() (map[string]llm.ToolDefinition, error) {
	if err := a.ensureStarted(); err != nil {
		return nil, err
	}
	out := a.mcpMgr.AllTools()
	for _, def := range a.custom.Definitions() {
		out[def.Name] = def
	}
	return out, nil
}

// GetAllMcpTools returns only the MCP-aggregated tool set.
func (a *Agent) GetAllMcpTools() (map[string]llm.ToolDefinition, error) {
	if err := a.ensureStarted(); err != nil {
		return nil, err
	}
	return a.mcpMgr.AllTools(), nil
}

// GetMcpClients returns a snapshot of registered MCP servers.
func (a *Agent) GetMcpClients() (map[string]mcp.ClientInfo, error) {
	if err := a.ensureStarted(); err != nil {
		return nil, err
	}
	return a.mcpMgr.Clients(), nil
}

// GetMcpFailedConnections returns the failed-server registry.
func (a *Agent) GetMcpFailedConnections() (map[string]string, error) {
	if err := a.ensureStarted(); err != nil {
		return nil, err
	}
	return a.mcpMgr.FailedConnections(), nil
}

// RegisterCustomTool adds an in-process tool to the aggregated set.
func (a *Agent) RegisterCustomTool(t tools.Tool) error {
	if err := a.custom.Register(t); err != nil {
		return err
	}
	if a.events != nil {
		a.events.Publish(bus.Event{Name: protocol.EventAvailableToolsUpdated, Payload: protocol.AvailableToolsUpdatedPayload{
			Tools:  a.custom.List(),
			Source: protocol.ToolSourceCustom,
		}})
	}
	return nil
}

// GetSystemPrompt builds the current system prompt, resolving
// resource-backed contributors through the MCP manager.
func (a *Agent) GetSystemPrompt(ctx context.Context) (string, error) {
	if err := a.ensureStarted(); err != nil {
		return "", err
	}
	return a.prompts.Build(ctx, a.mcpMgr), nil
}

// CreateSession creates (or returns) a session. Empty id generates one.
func (a *Agent) CreateSession(ctx context.Context, id string) (*session.Session, error) {
	if err := a.ensureStarted(); err != nil {
		return nil, err
	}
	return a.sessions.Create(ctx, id)
}

// GetSession returns a live or persisted session.
func (a *Agent) GetSession(ctx context.Context, id string) (*session.Session, error) {
	if err := a.ensureStarted(); err != nil {
		return nil, err
	}
	return a.sessions.Get(ctx, id)
}

// ListSessions returns metadata for every known session.
func (a *Agent) ListSessions(ctx context.Context) ([]store.Metadata, error) {
	if err := a.ensureStarted(); err != nil {
		return nil, err
	}
	return a.sessions.List(ctx)
}

// EndSession drops a session from memory, keeping history.
func (a *Agent) EndSession(id string) error {
	if err := a.ensureStarted(); err != nil {
		return err
	}
	return a.sessions.End(id)
}

// DeleteSession drops a session and purges its history.
func (a *Agent) DeleteSession(ctx context.Context, id string) error {
	if err := a.ensureStarted(); err != nil {
		return err
	}
	if err := a.sessions.Delete(ctx, id); err != nil {
		return err
	}
	a.currentMu.Lock()
	if a.currentID == id {
		a.currentID = ""
	}
	a.currentMu.Unlock()
	return nil
}

// LoadSession makes a session current for subsequent Run calls. An empty
// id resets to the default session.
func (a *Agent) LoadSession(ctx context.Context, id string) error {
	if err := a.ensureStarted(); err != nil {
		return err
	}
	if id == "" {
		a.currentMu.Lock()
		a.currentID = ""
		a.currentMu.Unlock()
		return nil
	}
	if _, err := a.sessions.Get(ctx, id); err != nil {
		return err
	}
	a.currentMu.Lock()
	a.currentID = id
	a.currentMu.Unlock()
	return nil
}

// CurrentSessionID returns the session Run targets by default.
func (a *Agent) CurrentSessionID() string {
	a.currentMu.Lock()
	defer a.currentMu.Unlock()
	if a.currentID == "" {
		return session.DefaultSessionID
	}
	return a.currentID
}

// ResetConversation truncates a session's history. Empty id targets the
// current session.
func (a *Agent) ResetConversation(ctx context.Context, id string) error {
	if err := a.ensureStarted(); err != nil {
		return err
	}
	if id == "" {
		id = a.CurrentSessionID()
	}
	return a.sessions.Reset(ctx, id)
}

// GetSessionHistory returns a session's conversation log.
func (a *Agent) GetSessionHistory(ctx context.Context, id string) ([]llm.Message, error) {
	if err := a.ensureStarted(); err != nil {
		return nil, err
	}
	s, err := a.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.History(), nil
}

// GetSessionMetadata returns a session's metadata record.
func (a *Agent) GetSessionMetadata(ctx context.Context, id string) (*store.Metadata, error) {
	if err := a.ensureStarted(); err != nil {
		return nil, err
	}
	return a.sessions.Metadata(ctx, id)
}

// SearchMessages searches persisted histories.
func (a *Agent) SearchMessages(ctx context.Context, query string, opts search.Options) ([]search.MessageMatch, error) {
	if err := a.ensureStarted(); err != nil {
		return nil, err
	}
	return a.searcher.Messages(ctx, query, opts)
}

// SearchSessions searches for sessions by content.
func (a *Agent) SearchSessions(ctx context.Context, query string) ([]search.SessionMatch, error) {
	if err := a.ensureStarted(); err != nil {
		return nil, err
	}
	return a.searcher.Sessions(ctx, query)
}

// EffectiveConfig returns a defensive copy of the configuration seen by a
// session.
func (a *Agent) EffectiveConfig(sessionID string) (config.Config, error) {
	if err := a.ensureStarted(); err != nil {
		return config.Config{}, err
	}
	return a.stateMgr.Effective(sessionID), nil
}

func (a *Agent) buildPromptManager() (*prompt.Manager, error) {
	if len(a.cfg.SystemPrompt.Contributors) > 0 {
		return prompt.NewManager(a.cfg.SystemPrompt.Contributors)
	}
	return prompt.FromText(a.cfg.SystemPrompt.Text), nil
}

func openStore(cfg config.StorageConfig) (store.SessionStore, error) {
	switch cfg.Database.Type {
	case config.StorageSQLite:
		return store.NewSQLiteStore(cfg.Database.Path)
	default:
		return store.NewMemoryStore(), nil
	}
}

// promptBuilder adapts the prompt manager + MCP resources to the session
// package's PromptBuilder seam.
type promptBuilder struct {
	agent *Agent
}

func (p promptBuilder) Build(ctx context.Context) (string, error) {
	return p.agent.prompts.Build(ctx, p.agent.mcpMgr), nil
}

// toolRouter is the aggregated tool executor handed to sessions: custom
// registry first, MCP second.
type toolRouter struct {
	agent *Agent
}

func (t toolRouter) Tools() []llm.ToolDefinition {
	defs := t.agent.custom.Definitions()
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		seen[def.Name] = struct{}{}
	}
	mcpTools := t.agent.mcpMgr.AllTools()
	names := make([]string, 0, len(mcpTools))
	for name := range mcpTools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		defs = append(defs, mcpTools[name])
	}
	return defs
}

func (t toolRouter) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	if _, ok := t.agent.custom.Get(name); ok {
		return t.agent.custom.Execute(ctx, name, args)
	}
	return t.agent.mcpMgr.ExecuteTool(ctx, name, args)
}
