package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// ResourceReader resolves resource-backed contributors. The MCP manager
// satisfies this.
type ResourceReader interface {
	ReadResource(ctx context.Context, uri string) (string, error)
}

// Manager composes the system prompt from its contributors. Composition is
// deterministic: enabled contributors sorted by (priority asc, id asc),
// joined with blank lines.
type Manager struct {
	contributors []Contributor
}

// NewManager validates and installs the contributor set.
func NewManager(contributors []Contributor) (*Manager, error) {
	if len(contributors) == 0 {
		return nil, fmt.Errorf("at least one prompt contributor is required")
	}
	seen := make(map[string]struct{}, len(contributors))
	for _, c := range contributors {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("duplicate contributor id %q", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	sorted := make([]Contributor, len(contributors))
	copy(sorted, contributors)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &Manager{contributors: sorted}, nil
}

// FromText wraps a plain system prompt string as a single static
// contributor.
func FromText(text string) *Manager {
	m, _ := NewManager([]Contributor{{ID: "system", Priority: 0, Enabled: true, Static: text}})
	return m
}

// Contributors returns a copy of the installed contributor set.
func (m *Manager) Contributors() []Contributor {
	out := make([]Contributor, len(m.contributors))
	copy(out, m.contributors)
	return out
}

// Build resolves every enabled contributor and concatenates the non-empty
// sections. Resource failures degrade to an empty section with a warning,
// never an error.
func (m *Manager) Build(ctx context.Context, resources ResourceReader) string {
	var sections []string
	for _, c := range m.contributors {
		if !c.Enabled {
			continue
		}
		section := m.resolve(ctx, c, resources)
		if strings.TrimSpace(section) != "" {
			sections = append(sections, strings.TrimRight(section, "\n"))
		}
	}
	return strings.Join(sections, "\n\n")
}

func (m *Manager) resolve(ctx context.Context, c Contributor, resources ResourceReader) string {
	if c.Static != "" {
		return c.Static
	}
	switch {
	case c.Source == SourceDateTime:
		return "Current date and time: " + time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 MST")

	case c.resourceURI() != "":
		if resources == nil {
			slog.Warn("prompt.resource.unavailable", "contributor", c.ID, "uri", c.resourceURI())
			return ""
		}
		content, err := resources.ReadResource(ctx, c.resourceURI())
		if err != nil {
			slog.Warn("prompt.resource.read_failed", "contributor", c.ID, "uri", c.resourceURI(), "error", err)
			return ""
		}
		return content
	}
	return ""
}
