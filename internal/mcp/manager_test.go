package mcp

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/truffle-ai/saiki/internal/bus"
	"github.com/truffle-ai/saiki/internal/llm"
	"github.com/truffle-ai/saiki/pkg/protocol"
)

// stubServer registers a connected client with a fixed tool list, without a
// live transport.
func stubServer(m *Manager, name string, toolNames ...string) {
	c := newClient(name, ServerConfig{Type: TransportStdio, Command: "stub"}.WithDefaults())
	c.state = StateConnected
	for _, tn := range toolNames {
		c.tools = append(c.tools, llm.ToolDefinition{
			Name:       tn,
			Parameters: map[string]any{"type": "object"},
			Server:     name,
		})
	}
	m.clients[name] = c
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"stdio ok", ServerConfig{Type: TransportStdio, Command: "npx"}, false},
		{"sse ok", ServerConfig{Type: TransportSSE, URL: "http://x"}, false},
		{"http ok", ServerConfig{Type: TransportHTTP, URL: "http://x"}, false},
		{"stdio missing command", ServerConfig{Type: TransportStdio}, true},
		{"sse missing url", ServerConfig{Type: TransportSSE}, true},
		{"stdio with url", ServerConfig{Type: TransportStdio, Command: "x", URL: "http://x"}, true},
		{"http with command", ServerConfig{Type: TransportHTTP, URL: "http://x", Command: "x"}, true},
		{"missing type", ServerConfig{}, true},
		{"unknown type", ServerConfig{Type: "carrier-pigeon"}, true},
		{"bad mode", ServerConfig{Type: TransportStdio, Command: "x", ConnectionMode: "optimistic"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfigDefaults(t *testing.T) {
	cfg := ServerConfig{Type: TransportStdio, Command: "x"}.WithDefaults()
	if cfg.Timeout != Duration(DefaultTimeout) {
		t.Errorf("timeout = %v", cfg.Timeout)
	}
	if cfg.ConnectionMode != ModeLenient {
		t.Errorf("mode = %v", cfg.ConnectionMode)
	}
}

func TestAllToolsCollisionDeterminism(t *testing.T) {
	build := func() map[string]llm.ToolDefinition {
		m := NewManager(nil)
		// Registration order deliberately reversed; aggregation must not care.
		stubServer(m, "zeta", "echo", "unique-z")
		stubServer(m, "alpha", "echo", "unique-a")
		return m.AllTools()
	}

	first := build()
	if first["echo"].Server != "alpha" {
		t.Errorf("collision winner = %q, want lexicographically first server", first["echo"].Server)
	}
	if len(first) != 3 {
		t.Errorf("tool count = %d, want 3", len(first))
	}
	for i := 0; i < 10; i++ {
		if again := build(); !reflect.DeepEqual(first, again) {
			t.Fatalf("aggregation not deterministic:\n%+v\nvs\n%+v", first, again)
		}
	}
}

func TestCollisionEmitsWarningEvent(t *testing.T) {
	events := bus.New()
	defer events.Close()
	var payloads []protocol.DuplicateToolNamePayload
	events.Subscribe("test", func(ev bus.Event) {
		if ev.Name == protocol.EventDuplicateToolName {
			payloads = append(payloads, ev.Payload.(protocol.DuplicateToolNamePayload))
		}
	})

	m := NewManager(events)
	stubServer(m, "b-server", "echo")
	stubServer(m, "a-server", "echo")
	m.AllTools()

	if len(payloads) != 1 {
		t.Fatalf("got %d duplicate-tool-name events, want 1", len(payloads))
	}
	if payloads[0].Kept != "a-server" || payloads[0].Shadowed != "b-server" {
		t.Errorf("payload = %+v", payloads[0])
	}
}

func TestExecuteToolNotFound(t *testing.T) {
	m := NewManager(nil)
	_, err := m.ExecuteTool(t.Context(), "ghost", nil)
	var notFound *ToolNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("err = %v, want ToolNotFoundError", err)
	}
}

func TestExecuteToolValidatesArguments(t *testing.T) {
	m := NewManager(nil)
	c := newClient("srv", ServerConfig{Type: TransportStdio, Command: "stub"}.WithDefaults())
	c.state = StateConnected
	c.tools = []llm.ToolDefinition{{
		Name:   "echo",
		Server: "srv",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"message": map[string]any{"type": "string"}},
			"required":   []any{"message"},
		},
	}}
	m.clients["srv"] = c

	_, err := m.ExecuteTool(t.Context(), "echo", map[string]any{})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
	if execErr.Server != "srv" {
		t.Errorf("server = %q", execErr.Server)
	}
}

func TestRemoveUnknownServer(t *testing.T) {
	m := NewManager(nil)
	if err := m.Remove("nope"); err == nil {
		t.Error("expected error removing unknown server")
	}
}

func TestFailedConnectionsCopy(t *testing.T) {
	m := NewManager(nil)
	m.failed["bad"] = "dial refused"

	got := m.FailedConnections()
	got["injected"] = "x"
	if _, ok := m.failed["injected"]; ok {
		t.Error("FailedConnections must return a copy")
	}
	if got["bad"] != "dial refused" {
		t.Errorf("failed entry lost: %v", got)
	}
}

func TestConnectLenientRecordsFailure(t *testing.T) {
	m := NewManager(nil)
	cfg := ServerConfig{
		Type:           TransportStdio,
		Command:        "/nonexistent/saiki-test-binary",
		ConnectionMode: ModeLenient,
		Timeout:        Duration(2 * time.Second),
	}

	// Lenient mode absorbs the failure: Connect returns nil and the server
	// lands in the failed registry. Other servers keep working.
	if err := m.Connect(t.Context(), "server_bad", cfg); err != nil {
		t.Fatalf("lenient connect must not error: %v", err)
	}
	failed := m.FailedConnections()
	if _, ok := failed["server_bad"]; !ok {
		t.Errorf("failed registry missing server_bad: %v", failed)
	}

	stubServer(m, "server_good", "ping")
	tools := m.AllTools()
	if _, ok := tools["ping"]; !ok || len(tools) != 1 {
		t.Errorf("aggregation should only include server_good's tools: %v", tools)
	}
}

func TestConnectStrictPropagatesFailure(t *testing.T) {
	m := NewManager(nil)
	cfg := ServerConfig{
		Type:           TransportStdio,
		Command:        "/nonexistent/saiki-test-binary",
		ConnectionMode: ModeStrict,
		Timeout:        Duration(2 * time.Second),
	}

	err := m.Connect(t.Context(), "server_bad", cfg)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("strict connect must surface ConnectionError, got %v", err)
	}
	if connErr.Server != "server_bad" {
		t.Errorf("server = %q", connErr.Server)
	}
}

func TestClientsReflectHealthTransitions(t *testing.T) {
	m := NewManager(nil)
	stubServer(m, "srv", "ping")

	if got := m.Clients()["srv"]; got.State != StateConnected {
		t.Fatalf("initial state = %s", got.State)
	}

	c := m.clients["srv"]
	c.markUnhealthy(errors.New("ping timeout"))
	if got := m.Clients()["srv"]; got.State != StateDisconnected || got.Error == "" {
		t.Errorf("after failed ping: %+v", got)
	}

	c.markHealthy()
	if got := m.Clients()["srv"]; got.State != StateConnected || got.Error != "" {
		t.Errorf("after recovery: %+v", got)
	}
}

func TestTryReconnectExhaustionMarksFailed(t *testing.T) {
	m := NewManager(nil)
	stubServer(m, "srv", "ping")
	c := m.clients["srv"]

	// Budget already spent: the next attempt must give up and pin the
	// terminal state without sleeping through a backoff.
	c.mu.Lock()
	c.reconnAttempts = maxReconnectAttempts
	c.mu.Unlock()

	m.tryReconnect(t.Context(), c)
	if got := m.Clients()["srv"]; got.State != StateFailed || got.Error == "" {
		t.Errorf("after exhaustion: %+v", got)
	}
}
