package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/titanous/json5"

	"github.com/truffle-ai/saiki/internal/mcp"
)

// maskedSecret replaces API keys on serialize.
const maskedSecret = "********"

// Load reads a JSON5 config file, applies defaults, and validates. The
// returned issue list contains warnings even on success.
func Load(path string) (*Config, []Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes (JSON5: comments and trailing commas are
// accepted), applies defaults, and validates.
func Parse(data []byte) (*Config, []Issue, error) {
	cfg := &Config{}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()

	issues := cfg.Validate()
	if HasErrors(issues) {
		return nil, issues, &ValidationError{Issues: issues}
	}
	return cfg, issues, nil
}

// Serialize renders the config as JSON with secrets masked. The result
// round-trips through Parse except for masked fields.
func Serialize(cfg *Config) ([]byte, error) {
	out := *cfg
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = maskedSecret
	}
	// Headers commonly carry bearer tokens; mask authorization values.
	if len(cfg.MCPServers) > 0 {
		servers := make(map[string]mcp.ServerConfig, len(cfg.MCPServers))
		for name, sc := range cfg.MCPServers {
			copied := sc
			if len(sc.Headers) > 0 {
				headers := make(map[string]string, len(sc.Headers))
				for k, v := range sc.Headers {
					if strings.EqualFold(k, "authorization") {
						headers[k] = maskedSecret
					} else {
						headers[k] = v
					}
				}
				copied.Headers = headers
			}
			servers[name] = copied
		}
		out.MCPServers = servers
	}
	return json.MarshalIndent(&out, "", "  ")
}
