package llm

import (
	"fmt"
	"os"
	"strings"
)

// New builds the adapter for a resolved configuration. The config must have
// passed validation; New still guards the invariants it depends on.
func New(cfg Config) (Adapter, error) {
	cfg = cfg.WithDefaults()

	if cfg.Provider == "" {
		inferred, ok := InferProvider(cfg.Model)
		if !ok {
			return nil, fmt.Errorf("cannot infer provider for model %q", cfg.Model)
		}
		cfg.Provider = inferred
	}
	if cfg.Model == "" {
		model, err := DefaultModel(cfg.Provider)
		if err != nil {
			return nil, err
		}
		cfg.Model = model
	}
	if cfg.APIKey == "" {
		cfg.APIKey = apiKeyFromEnv(cfg.Provider)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("missing API key for provider %q", cfg.Provider)
	}
	if !SupportsRouter(cfg.Provider, cfg.Router) {
		return nil, fmt.Errorf("provider %q does not support router %q", cfg.Provider, cfg.Router)
	}

	switch cfg.Router {
	case RouterUnified:
		provider, err := newUnifiedProvider(cfg)
		if err != nil {
			return nil, err
		}
		return newUnifiedAdapter(provider, cfg), nil

	case RouterNative:
		switch cfg.Provider {
		case "anthropic":
			return newAnthropicNative(cfg), nil
		case "openai", "openai-compatible":
			return newOpenAINative(cfg), nil
		default:
			return nil, fmt.Errorf("no native adapter for provider %q", cfg.Provider)
		}

	default:
		return nil, fmt.Errorf("unknown router %q", cfg.Router)
	}
}

func newUnifiedProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicHTTP(cfg.APIKey, cfg.BaseURL), nil
	case "openai", "openai-compatible":
		return NewOpenAIHTTP(cfg.Provider, cfg.APIKey, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("no unified provider for %q", cfg.Provider)
	}
}

// apiKeyFromEnv resolves the provider API key from the environment. New
// calls it only when the config carries no apiKey.
func apiKeyFromEnv(provider string) string {
	name := strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
	if v := os.Getenv("SAIKI_" + name + "_API_KEY"); v != "" {
		return v
	}
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai-compatible":
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}
