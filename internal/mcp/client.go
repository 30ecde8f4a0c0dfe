package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/truffle-ai/saiki/internal/llm"
)

// clientVersion is reported in the MCP handshake.
const clientVersion = "1.0.0"

// State is the per-server connection state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// Client wraps one MCP server connection: the transport, the discovered
// tool list, and the connection state. State and lastErr are kept current
// by the manager's health loop after the initial connect.
type Client struct {
	name string
	cfg  ServerConfig

	mu             sync.Mutex
	mc             *mcpclient.Client
	state          State
	lastErr        string
	tools          []llm.ToolDefinition
	reconnAttempts int
	cancelHealth   context.CancelFunc
}

func newClient(name string, cfg ServerConfig) *Client {
	return &Client{name: name, cfg: cfg, state: StateDisconnected}
}

// Name returns the server id.
func (c *Client) Name() string { return c.name }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent connection error string.
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Tools returns a copy of the discovered tool list.
func (c *Client) Tools() []llm.ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out
}

// connect dials the transport, performs the handshake, and discovers tools.
// The config timeout bounds the whole sequence.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.Timeout))
	defer cancel()

	mc, err := createTransportClient(c.cfg)
	if err != nil {
		return c.fail(err)
	}

	// SSE and streamable HTTP need an explicit Start; stdio spawns the
	// child process on creation.
	if c.cfg.Type != TransportStdio {
		if err := mc.Start(ctx); err != nil {
			_ = mc.Close()
			return c.fail(fmt.Errorf("start transport: %w", err))
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "saiki", Version: clientVersion}
	if _, err := mc.Initialize(ctx, initReq); err != nil {
		_ = mc.Close()
		return c.fail(fmt.Errorf("initialize: %w", err))
	}

	toolsResult, err := mc.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = mc.Close()
		return c.fail(fmt.Errorf("list tools: %w", err))
	}

	defs := make([]llm.ToolDefinition, 0, len(toolsResult.Tools))
	for _, t := range toolsResult.Tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
			Server:      c.name,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	c.mu.Lock()
	c.mc = mc
	c.state = StateConnected
	c.lastErr = ""
	c.tools = defs
	c.mu.Unlock()
	return nil
}

func (c *Client) fail(err error) error {
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = err.Error()
	c.mu.Unlock()
	return &ConnectionError{Server: c.name, Cause: err}
}

// disconnect stops health monitoring and closes the transport. Safe to
// call in any state.
func (c *Client) disconnect() error {
	c.mu.Lock()
	cancel := c.cancelHealth
	c.cancelHealth = nil
	mc := c.mc
	c.mc = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if mc != nil {
		return mc.Close()
	}
	return nil
}

// closeTransport drops the transport without touching the health loop,
// ahead of a reconnect re-dial.
func (c *Client) closeTransport() {
	c.mu.Lock()
	mc := c.mc
	c.mc = nil
	c.mu.Unlock()
	if mc != nil {
		_ = mc.Close()
	}
}

// markHealthy records a successful ping or reconnect.
func (c *Client) markHealthy() {
	c.mu.Lock()
	c.state = StateConnected
	c.lastErr = ""
	c.reconnAttempts = 0
	c.mu.Unlock()
}

// markUnhealthy records a failed ping; the server stays registered while
// reconnection is attempted.
func (c *Client) markUnhealthy(err error) {
	c.mu.Lock()
	c.state = StateDisconnected
	c.lastErr = err.Error()
	c.mu.Unlock()
}

// markFailed records an exhausted reconnect budget.
func (c *Client) markFailed(msg string) {
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = msg
	c.mu.Unlock()
}

// nextReconnectAttempt bumps and returns the reconnect counter.
func (c *Client) nextReconnectAttempt() int {
	c.mu.Lock()
	c.reconnAttempts++
	n := c.reconnAttempts
	c.mu.Unlock()
	return n
}

// callTool forwards one tool invocation, bounded by the server timeout.
// Text content blocks are concatenated; a server-side IsError result comes
// back as an error.
func (c *Client) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	c.mu.Lock()
	mc := c.mc
	c.mu.Unlock()
	if mc == nil {
		return "", fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.Timeout))
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := mc.CallTool(ctx, req)
	if err != nil {
		return "", err
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

// readResource fetches a resource by URI and returns its text contents.
func (c *Client) readResource(ctx context.Context, uri string) (string, error) {
	c.mu.Lock()
	mc := c.mc
	c.mu.Unlock()
	if mc == nil {
		return "", fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.Timeout))
	defer cancel()

	req := mcpgo.ReadResourceRequest{}
	req.Params.URI = uri
	result, err := mc.ReadResource(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, content := range result.Contents {
		if tc, ok := content.(mcpgo.TextResourceContents); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), nil
}

// ping checks connection liveness.
func (c *Client) ping(ctx context.Context) error {
	c.mu.Lock()
	mc := c.mc
	c.mu.Unlock()
	if mc == nil {
		return fmt.Errorf("not connected")
	}
	return mc.Ping(ctx)
}

func createTransportClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Type {
	case TransportStdio:
		return mcpclient.NewStdioMCPClient(cfg.Command, mapToEnvSlice(cfg.Env), cfg.Args...)

	case TransportSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Type)
	}
}

// schemaToMap converts an MCP input schema into a plain JSON-Schema map.
func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// flattenContent joins the text blocks of a tool result.
func flattenContent(content []mcpgo.Content) string {
	var sb strings.Builder
	for _, block := range content {
		if tc, ok := block.(mcpgo.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}
