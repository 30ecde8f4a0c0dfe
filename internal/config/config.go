// Package config defines the runtime configuration schema consumed by the
// agent core, its defaults, and validation.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/truffle-ai/saiki/internal/llm"
	"github.com/truffle-ai/saiki/internal/mcp"
	"github.com/truffle-ai/saiki/internal/prompt"
)

// Session defaults.
const (
	DefaultMaxSessions = 100
	DefaultSessionTTL  = time.Hour
)

// Storage backend identifiers.
const (
	StorageInMemory = "in-memory"
	StorageSQLite   = "sqlite"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Context  string   `json:"context,omitempty"`
}

// ValidationError carries the ordered issue list for a rejected config.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	n := 0
	for _, issue := range e.Issues {
		if issue.Severity == SeverityError {
			n++
		}
	}
	return fmt.Sprintf("configuration invalid: %d error(s)", n)
}

// SystemPromptConfig accepts either a plain string or a contributor list.
type SystemPromptConfig struct {
	Text         string               `json:"-"`
	Contributors []prompt.Contributor `json:"contributors,omitempty"`
}

// UnmarshalJSON accepts "systemPrompt": "..." and
// "systemPrompt": {"contributors": [...]}.
func (s *SystemPromptConfig) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = text
		return nil
	}
	type alias SystemPromptConfig
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.Contributors = obj.Contributors
	return nil
}

// MarshalJSON mirrors UnmarshalJSON.
func (s SystemPromptConfig) MarshalJSON() ([]byte, error) {
	if len(s.Contributors) == 0 {
		return json.Marshal(s.Text)
	}
	return json.Marshal(map[string]any{"contributors": s.Contributors})
}

// SessionsConfig bounds the session manager. SessionTTL is carried as
// integer milliseconds in config files.
type SessionsConfig struct {
	MaxSessions int          `json:"maxSessions,omitempty"`
	SessionTTL  mcp.Duration `json:"sessionTTL,omitempty"`
}

// TTL returns the session TTL as a duration.
func (s SessionsConfig) TTL() time.Duration { return time.Duration(s.SessionTTL) }

// BackendConfig selects one storage backend.
type BackendConfig struct {
	Type string `json:"type,omitempty"`
	Path string `json:"path,omitempty"` // sqlite database file
}

// StorageConfig selects the cache and database backends.
type StorageConfig struct {
	Cache    BackendConfig `json:"cache,omitempty"`
	Database BackendConfig `json:"database,omitempty"`
}

// Config is the root configuration the core consumes.
type Config struct {
	SystemPrompt SystemPromptConfig          `json:"systemPrompt"`
	LLM          llm.Config                  `json:"llm"`
	MCPServers   map[string]mcp.ServerConfig `json:"mcpServers,omitempty"`
	Sessions     SessionsConfig              `json:"sessions,omitempty"`
	Storage      StorageConfig               `json:"storage,omitempty"`
}

// Default returns a config with every defaultable field resolved.
func Default() *Config {
	return &Config{
		SystemPrompt: SystemPromptConfig{Text: "You are a helpful AI assistant with access to tools."},
		LLM: llm.Config{
			Provider: "anthropic",
			Model:    "claude-4-sonnet",
		}.WithDefaults(),
		MCPServers: map[string]mcp.ServerConfig{},
		Sessions: SessionsConfig{
			MaxSessions: DefaultMaxSessions,
			SessionTTL:  mcp.Duration(DefaultSessionTTL),
		},
		Storage: StorageConfig{
			Cache:    BackendConfig{Type: StorageInMemory},
			Database: BackendConfig{Type: StorageInMemory},
		},
	}
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	c.LLM = c.LLM.WithDefaults()
	if c.Sessions.MaxSessions <= 0 {
		c.Sessions.MaxSessions = DefaultMaxSessions
	}
	if c.Sessions.SessionTTL <= 0 {
		c.Sessions.SessionTTL = mcp.Duration(DefaultSessionTTL)
	}
	if c.Storage.Cache.Type == "" {
		c.Storage.Cache.Type = StorageInMemory
	}
	if c.Storage.Database.Type == "" {
		c.Storage.Database.Type = StorageInMemory
	}
	if c.MCPServers == nil {
		c.MCPServers = map[string]mcp.ServerConfig{}
	}
	for name, sc := range c.MCPServers {
		c.MCPServers[name] = sc.WithDefaults()
	}
}

// Validate returns the ordered issue list. The config is acceptable when no
// issue has SeverityError; warnings accompany success.
func (c *Config) Validate() []Issue {
	var issues []Issue
	addErr := func(code, msg, ctx string) {
		issues = append(issues, Issue{Code: code, Message: msg, Severity: SeverityError, Context: ctx})
	}
	addWarn := func(code, msg, ctx string) {
		issues = append(issues, Issue{Code: code, Message: msg, Severity: SeverityWarning, Context: ctx})
	}

	// System prompt
	if c.SystemPrompt.Text == "" && len(c.SystemPrompt.Contributors) == 0 {
		addErr("system_prompt_missing", "systemPrompt requires text or at least one contributor", "systemPrompt")
	}
	for _, contributor := range c.SystemPrompt.Contributors {
		if err := contributor.Validate(); err != nil {
			addErr("contributor_invalid", err.Error(), "systemPrompt.contributors")
		}
	}

	// LLM
	issues = append(issues, ValidateLLM(c.LLM)...)

	// MCP servers
	for name, sc := range c.MCPServers {
		if err := sc.Validate(); err != nil {
			addErr("mcp_server_invalid", err.Error(), "mcpServers."+name)
		}
	}

	// Sessions
	if c.Sessions.MaxSessions < 1 {
		addErr("sessions_max_invalid", "maxSessions must be >= 1", "sessions.maxSessions")
	}
	if c.Sessions.TTL() < time.Millisecond {
		addErr("sessions_ttl_invalid", "sessionTTL must be >= 1ms", "sessions.sessionTTL")
	}

	// Storage
	for field, backend := range map[string]BackendConfig{"cache": c.Storage.Cache, "database": c.Storage.Database} {
		switch backend.Type {
		case StorageInMemory, StorageSQLite:
		default:
			addErr("storage_backend_unknown", fmt.Sprintf("unknown storage backend %q", backend.Type), "storage."+field)
		}
	}
	if c.Storage.Database.Type == StorageSQLite && c.Storage.Database.Path == "" {
		addWarn("storage_sqlite_path", "sqlite backend without a path uses an in-memory database", "storage.database")
	}

	return issues
}

// ValidateLLM checks one LLM config against the model registry.
func ValidateLLM(cfg llm.Config) []Issue {
	var issues []Issue
	addErr := func(code, msg, ctx string) {
		issues = append(issues, Issue{Code: code, Message: msg, Severity: SeverityError, Context: ctx})
	}

	cfg = cfg.WithDefaults()
	provider := cfg.Provider
	if provider == "" {
		inferred, ok := llm.InferProvider(cfg.Model)
		if !ok {
			addErr("llm_provider_missing", "provider is required and could not be inferred from model", "llm.provider")
			return issues
		}
		provider = inferred
	}

	info, ok := llm.LookupProvider(provider)
	if !ok {
		addErr("llm_provider_unknown", fmt.Sprintf("unknown provider %q", provider), "llm.provider")
		return issues
	}
	if cfg.Model != "" {
		if _, ok := llm.LookupModel(provider, cfg.Model); !ok {
			addErr("llm_model_incompatible", fmt.Sprintf("model %q is not supported by provider %q", cfg.Model, provider), "llm.model")
		}
	}
	if !llm.SupportsRouter(provider, cfg.Router) {
		addErr("llm_router_unsupported", fmt.Sprintf("provider %q does not support router %q", provider, cfg.Router), "llm.router")
	}
	if cfg.BaseURL != "" && !info.AcceptBaseURL {
		addErr("llm_baseurl_forbidden", "baseURL is only permitted for openai-compatible", "llm.baseURL")
	}
	if cfg.Temperature != nil && (*cfg.Temperature < 0 || *cfg.Temperature > 1) {
		addErr("llm_temperature_range", "temperature must be within [0,1]", "llm.temperature")
	}
	if cfg.MaxIterations < 1 {
		addErr("llm_iterations_invalid", "maxIterations must be >= 1", "llm.maxIterations")
	}
	return issues
}

// HasErrors reports whether any issue is fatal.
func HasErrors(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}
