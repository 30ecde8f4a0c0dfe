package llm

import (
	"fmt"
	"sort"
	"strings"
)

// ModelInfo describes one supported model.
type ModelInfo struct {
	Name           string
	MaxInputTokens int
	IsDefault      bool
	SupportsVision bool
	SupportsFiles  bool
}

// ProviderInfo describes one supported provider: its models, which routers
// it supports, and whether a custom base URL is accepted.
type ProviderInfo struct {
	Name          string
	Models        []ModelInfo
	Routers       []string
	AcceptBaseURL bool
}

// registry is the static provider/model table. It backs config validation,
// compression thresholds, and provider inference from model names.
var registry = map[string]ProviderInfo{
	"anthropic": {
		Name: "anthropic",
		Models: []ModelInfo{
			{Name: "claude-4-opus", MaxInputTokens: 200000, SupportsVision: true, SupportsFiles: true},
			{Name: "claude-4-sonnet", MaxInputTokens: 200000, IsDefault: true, SupportsVision: true, SupportsFiles: true},
			{Name: "claude-3-7-sonnet", MaxInputTokens: 200000, SupportsVision: true, SupportsFiles: true},
			{Name: "claude-3-5-haiku", MaxInputTokens: 200000, SupportsVision: true},
		},
		Routers: []string{RouterUnified, RouterNative},
	},
	"openai": {
		Name: "openai",
		Models: []ModelInfo{
			{Name: "gpt-4o", MaxInputTokens: 128000, SupportsVision: true, SupportsFiles: true},
			{Name: "gpt-4o-mini", MaxInputTokens: 128000, IsDefault: true, SupportsVision: true},
			{Name: "gpt-4.1", MaxInputTokens: 1047576, SupportsVision: true, SupportsFiles: true},
			{Name: "gpt-4.1-mini", MaxInputTokens: 1047576, SupportsVision: true},
			{Name: "o4-mini", MaxInputTokens: 200000},
		},
		Routers: []string{RouterUnified, RouterNative},
	},
	"openai-compatible": {
		Name: "openai-compatible",
		Models: []ModelInfo{
			// Any model name is accepted; the entry supplies defaults only.
			{Name: "*", MaxInputTokens: 128000, IsDefault: true, SupportsVision: true},
		},
		Routers:       []string{RouterUnified, RouterNative},
		AcceptBaseURL: true,
	},
}

// Providers returns the registered provider names, sorted.
func Providers() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupProvider returns the registry entry for a provider.
func LookupProvider(provider string) (ProviderInfo, bool) {
	info, ok := registry[strings.ToLower(provider)]
	return info, ok
}

// LookupModel resolves a model within a provider. The openai-compatible
// provider matches any model name.
func LookupModel(provider, model string) (ModelInfo, bool) {
	info, ok := registry[strings.ToLower(provider)]
	if !ok {
		return ModelInfo{}, false
	}
	for _, m := range info.Models {
		if m.Name == model {
			return m, true
		}
	}
	if info.AcceptBaseURL {
		for _, m := range info.Models {
			if m.Name == "*" {
				m.Name = model
				return m, true
			}
		}
	}
	return ModelInfo{}, false
}

// DefaultModel returns the provider's default model name.
func DefaultModel(provider string) (string, error) {
	info, ok := registry[strings.ToLower(provider)]
	if !ok {
		return "", fmt.Errorf("unknown provider %q", provider)
	}
	for _, m := range info.Models {
		if m.IsDefault {
			return m.Name, nil
		}
	}
	return info.Models[0].Name, nil
}

// InferProvider guesses the provider from a bare model name. Returns false
// when the model is unknown to every provider.
func InferProvider(model string) (string, bool) {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic", true
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4"):
		return "openai", true
	}
	for name, info := range registry {
		for _, m := range info.Models {
			if m.Name == model {
				return name, true
			}
		}
	}
	return "", false
}

// MaxInputTokens resolves the context window for a model, falling back to a
// conservative default when unknown.
func MaxInputTokens(provider, model string) int {
	if m, ok := LookupModel(provider, model); ok && m.MaxInputTokens > 0 {
		return m.MaxInputTokens
	}
	return 128000
}

// SupportsRouter reports whether the provider supports the given router.
func SupportsRouter(provider, router string) bool {
	info, ok := registry[strings.ToLower(provider)]
	if !ok {
		return false
	}
	router = NormalizeRouter(router)
	for _, r := range info.Routers {
		if r == router {
			return true
		}
	}
	return false
}
