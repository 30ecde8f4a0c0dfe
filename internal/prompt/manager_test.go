package prompt

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

type fakeResources struct {
	content map[string]string
}

func (f fakeResources) ReadResource(_ context.Context, uri string) (string, error) {
	if content, ok := f.content[uri]; ok {
		return content, nil
	}
	return "", fmt.Errorf("resource %q not found", uri)
}

func TestContributorValidation(t *testing.T) {
	tests := []struct {
		name    string
		c       Contributor
		wantErr bool
	}{
		{"static ok", Contributor{ID: "a", Static: "text"}, false},
		{"dateTime ok", Contributor{ID: "a", Source: SourceDateTime}, false},
		{"resource ok", Contributor{ID: "a", Source: "resource:file://x"}, false},
		{"missing id", Contributor{Static: "text"}, true},
		{"both set", Contributor{ID: "a", Static: "x", Source: SourceDateTime}, true},
		{"neither set", Contributor{ID: "a"}, true},
		{"unknown source", Contributor{ID: "a", Source: "weather"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildOrdering(t *testing.T) {
	m, err := NewManager([]Contributor{
		{ID: "zeta", Priority: 0, Enabled: true, Static: "first-by-id-tie"},
		{ID: "alpha", Priority: 0, Enabled: true, Static: "wins-id-tie"},
		{ID: "later", Priority: 10, Enabled: true, Static: "last"},
		{ID: "off", Priority: -5, Enabled: false, Static: "never"},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := m.Build(context.Background(), nil)
	want := "wins-id-tie\n\nfirst-by-id-tie\n\nlast"
	if got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}

func TestBuildDeterministic(t *testing.T) {
	m, err := NewManager([]Contributor{
		{ID: "b", Priority: 1, Enabled: true, Static: "two"},
		{ID: "a", Priority: 1, Enabled: true, Static: "one"},
	})
	if err != nil {
		t.Fatal(err)
	}
	first := m.Build(context.Background(), nil)
	for i := 0; i < 10; i++ {
		if got := m.Build(context.Background(), nil); got != first {
			t.Fatalf("composition not deterministic: %q vs %q", got, first)
		}
	}
}

func TestResourceContributor(t *testing.T) {
	m, err := NewManager([]Contributor{
		{ID: "base", Priority: 0, Enabled: true, Static: "base prompt"},
		{ID: "docs", Priority: 1, Enabled: true, Source: "resource:file://guide"},
	})
	if err != nil {
		t.Fatal(err)
	}

	resources := fakeResources{content: map[string]string{"file://guide": "guide text"}}
	got := m.Build(context.Background(), resources)
	if !strings.Contains(got, "guide text") {
		t.Errorf("resource content missing from prompt: %q", got)
	}
}

func TestResourceFailureDegrades(t *testing.T) {
	m, err := NewManager([]Contributor{
		{ID: "base", Priority: 0, Enabled: true, Static: "base prompt"},
		{ID: "gone", Priority: 1, Enabled: true, Source: "resource:file://missing"},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := m.Build(context.Background(), fakeResources{})
	if got != "base prompt" {
		t.Errorf("failed resource should degrade to empty section, got %q", got)
	}
}

func TestDateTimeContributor(t *testing.T) {
	m, err := NewManager([]Contributor{
		{ID: "now", Priority: 0, Enabled: true, Source: SourceDateTime},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := m.Build(context.Background(), nil)
	if !strings.HasPrefix(got, "Current date and time:") {
		t.Errorf("dateTime section malformed: %q", got)
	}
}

func TestDuplicateIDsRejected(t *testing.T) {
	_, err := NewManager([]Contributor{
		{ID: "a", Enabled: true, Static: "x"},
		{ID: "a", Enabled: true, Static: "y"},
	})
	if err == nil {
		t.Error("expected duplicate id error")
	}
}
