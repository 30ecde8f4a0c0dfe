package config

import (
	"strings"
	"testing"
	"time"

	"github.com/truffle-ai/saiki/internal/llm"
	"github.com/truffle-ai/saiki/internal/mcp"
)

func TestParseAppliesDefaults(t *testing.T) {
	raw := []byte(`{
		// JSON5: comments are allowed
		systemPrompt: "be helpful",
		llm: { provider: "openai", model: "gpt-4o-mini", apiKey: "sk-test" },
	}`)

	cfg, _, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.LLM.Router != llm.RouterUnified {
		t.Errorf("router default = %q, want %q", cfg.LLM.Router, llm.RouterUnified)
	}
	if cfg.LLM.MaxIterations != llm.DefaultMaxIterations {
		t.Errorf("maxIterations default = %d, want %d", cfg.LLM.MaxIterations, llm.DefaultMaxIterations)
	}
	if cfg.Sessions.MaxSessions != DefaultMaxSessions {
		t.Errorf("maxSessions default = %d", cfg.Sessions.MaxSessions)
	}
	if cfg.Sessions.TTL() != DefaultSessionTTL {
		t.Errorf("sessionTTL default = %v", cfg.Sessions.TTL())
	}
	if cfg.Storage.Database.Type != StorageInMemory {
		t.Errorf("storage default = %q", cfg.Storage.Database.Type)
	}
}

func TestSessionTTLMilliseconds(t *testing.T) {
	raw := []byte(`{
		systemPrompt: "x",
		llm: { provider: "openai", model: "gpt-4o-mini" },
		sessions: { sessionTTL: 3600000 },
	}`)
	cfg, _, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sessions.TTL() != time.Hour {
		t.Errorf("TTL = %v, want 1h", cfg.Sessions.TTL())
	}
}

func TestValidateLLM(t *testing.T) {
	temp := func(v float64) *float64 { return &v }

	tests := []struct {
		name     string
		cfg      llm.Config
		wantCode string
	}{
		{"valid", llm.Config{Provider: "openai", Model: "gpt-4o-mini"}, ""},
		{"provider inferred", llm.Config{Model: "claude-4-sonnet"}, ""},
		{"unknown provider", llm.Config{Provider: "dunno", Model: "x"}, "llm_provider_unknown"},
		{"incompatible model", llm.Config{Provider: "openai", Model: "claude-4-sonnet"}, "llm_model_incompatible"},
		{"baseURL forbidden", llm.Config{Provider: "openai", Model: "gpt-4o", BaseURL: "http://x"}, "llm_baseurl_forbidden"},
		{"baseURL allowed for compatible", llm.Config{Provider: "openai-compatible", Model: "llama-70b", BaseURL: "http://x"}, ""},
		{"temperature range", llm.Config{Provider: "openai", Model: "gpt-4o", Temperature: temp(1.5)}, "llm_temperature_range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := ValidateLLM(tt.cfg)
			if tt.wantCode == "" {
				if HasErrors(issues) {
					t.Errorf("unexpected errors: %+v", issues)
				}
				return
			}
			found := false
			for _, issue := range issues {
				if issue.Code == tt.wantCode {
					found = true
				}
			}
			if !found {
				t.Errorf("want issue %q, got %+v", tt.wantCode, issues)
			}
		})
	}
}

func TestValidateRejectsBadSessions(t *testing.T) {
	cfg := Default()
	cfg.Sessions.MaxSessions = 0
	cfg.Sessions.SessionTTL = 0
	issues := cfg.Validate()
	if !HasErrors(issues) {
		t.Error("expected errors for invalid session bounds")
	}
}

func TestSerializeMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "sk-super-secret"
	cfg.MCPServers = map[string]mcp.ServerConfig{
		"remote": {
			Type:    mcp.TransportHTTP,
			URL:     "https://tools.example.com",
			Headers: map[string]string{"Authorization": "Bearer token123", "X-Other": "keep"},
		},
	}

	out, err := Serialize(cfg)
	if err != nil {
		t.Fatal(err)
	}
	text := string(out)
	if strings.Contains(text, "sk-super-secret") || strings.Contains(text, "token123") {
		t.Errorf("secrets leaked in serialized config:\n%s", text)
	}
	if !strings.Contains(text, "keep") {
		t.Errorf("non-secret headers should survive serialization")
	}
}

func TestRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.SystemPrompt = SystemPromptConfig{Text: "be helpful"}
	cfg.LLM = llm.Config{Provider: "openai", Model: "gpt-4o-mini"}.WithDefaults()
	cfg.MCPServers = map[string]mcp.ServerConfig{
		"local": {Type: mcp.TransportStdio, Command: "mcp-server", Args: []string{"--fast"}},
	}
	cfg.ApplyDefaults()

	data, err := Serialize(cfg)
	if err != nil {
		t.Fatal(err)
	}
	parsed, _, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(Serialize()): %v", err)
	}

	if parsed.SystemPrompt.Text != cfg.SystemPrompt.Text {
		t.Errorf("systemPrompt changed: %q", parsed.SystemPrompt.Text)
	}
	if parsed.LLM.Model != cfg.LLM.Model || parsed.LLM.Provider != cfg.LLM.Provider {
		t.Errorf("llm changed: %+v", parsed.LLM)
	}
	srv := parsed.MCPServers["local"]
	if srv.Command != "mcp-server" || len(srv.Args) != 1 {
		t.Errorf("mcp server changed: %+v", srv)
	}
	if srv.Timeout != mcp.Duration(mcp.DefaultTimeout) {
		t.Errorf("timeout = %v", srv.Timeout)
	}
}
