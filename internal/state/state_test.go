package state

import (
	"testing"

	"github.com/truffle-ai/saiki/internal/config"
	"github.com/truffle-ai/saiki/internal/llm"
	"github.com/truffle-ai/saiki/internal/mcp"
)

func baseConfig() *config.Config {
	cfg := config.Default()
	cfg.LLM = llm.Config{Provider: "openai", Model: "gpt-4o-mini"}.WithDefaults()
	return cfg
}

func TestEffectiveLayering(t *testing.T) {
	m := NewManager(baseConfig())

	// Global overlay changes the model for everyone.
	m.UpdateLLM(llm.Config{Model: "gpt-4o"}, ScopeAll)
	// Session overlay wins over global for that session only.
	m.UpdateLLM(llm.Config{Model: "claude-4-sonnet", Provider: "anthropic"}, "s1")

	if got := m.EffectiveLLM("s1"); got.Model != "claude-4-sonnet" || got.Provider != "anthropic" {
		t.Errorf("s1 effective = %+v", got)
	}
	if got := m.EffectiveLLM("s2"); got.Model != "gpt-4o" || got.Provider != "openai" {
		t.Errorf("s2 effective = %+v", got)
	}
}

func TestGlobalUpdateSupersedesSessionOverlays(t *testing.T) {
	m := NewManager(baseConfig())
	m.UpdateLLM(llm.Config{Model: "gpt-4o"}, "s1")
	m.UpdateLLM(llm.Config{Model: "gpt-4.1"}, ScopeAll)

	if got := m.EffectiveLLM("s1"); got.Model != "gpt-4.1" {
		t.Errorf("global switch should supersede session overlay, got %q", got.Model)
	}
}

func TestMergePerField(t *testing.T) {
	m := NewManager(baseConfig())
	m.UpdateLLM(llm.Config{MaxOutputTokens: 2048}, "s1")

	got := m.EffectiveLLM("s1")
	if got.Model != "gpt-4o-mini" {
		t.Errorf("unset fields must come from base, got model %q", got.Model)
	}
	if got.MaxOutputTokens != 2048 {
		t.Errorf("overlay field lost: %d", got.MaxOutputTokens)
	}
}

func TestEffectiveIsDefensiveCopy(t *testing.T) {
	m := NewManager(baseConfig())
	m.AddMCPServer("srv", mcp.ServerConfig{Type: mcp.TransportStdio, Command: "echo"})

	eff := m.Effective("s1")
	delete(eff.MCPServers, "srv")
	eff.LLM.Model = "mutated"

	again := m.Effective("s1")
	if _, ok := again.MCPServers["srv"]; !ok {
		t.Error("mutating the returned config affected the manager")
	}
	if again.LLM.Model == "mutated" {
		t.Error("LLM config not defensively copied")
	}
}

func TestRemoveMCPServer(t *testing.T) {
	cfg := baseConfig()
	cfg.MCPServers = map[string]mcp.ServerConfig{
		"base-srv": {Type: mcp.TransportStdio, Command: "echo"},
	}
	m := NewManager(cfg)
	m.RemoveMCPServer("base-srv")

	if _, ok := m.Effective("any").MCPServers["base-srv"]; ok {
		t.Error("removed server still present in effective config")
	}
}

func TestDropSession(t *testing.T) {
	m := NewManager(baseConfig())
	m.UpdateLLM(llm.Config{Model: "gpt-4o"}, "s1")
	m.DropSession("s1")

	if got := m.EffectiveLLM("s1"); got.Model != "gpt-4o-mini" {
		t.Errorf("dropped session should fall back to base, got %q", got.Model)
	}
}
