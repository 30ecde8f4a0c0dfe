package mcp

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// healthLoop periodically pings an MCP server and drives reconnection on
// failure, keeping the client's State and LastError current. One loop runs
// per connected client until Remove or DisconnectAll cancels it.
func (m *Manager) healthLoop(ctx context.Context, c *Client) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.ping(ctx)
			if err == nil {
				c.markHealthy()
				continue
			}
			// Servers that don't implement "ping" are still alive — treat
			// as healthy.
			if strings.Contains(strings.ToLower(err.Error()), "method not found") {
				c.markHealthy()
				continue
			}
			c.markUnhealthy(err)
			slog.Warn("mcp.server.health_failed", "server", c.name, "error", err)
			m.tryReconnect(ctx, c)
		}
	}
}

// tryReconnect attempts to restore a connection with exponential backoff.
// The transport may have recovered on its own, so a ping is tried before a
// full re-dial. After maxReconnectAttempts the client is marked failed; it
// stays registered so Clients() reports the terminal state.
func (m *Manager) tryReconnect(ctx context.Context, c *Client) {
	attempt := c.nextReconnectAttempt()
	if attempt > maxReconnectAttempts {
		c.markFailed("max reconnect attempts reached")
		slog.Error("mcp.server.reconnect_exhausted", "server", c.name)
		return
	}

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	slog.Info("mcp.server.reconnecting", "server", c.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := c.ping(ctx); err == nil {
		c.markHealthy()
		slog.Info("mcp.server.reconnected", "server", c.name)
		return
	}

	// Re-dial with a fresh transport; stdio children don't come back from
	// a ping.
	c.closeTransport()
	if err := c.connect(ctx); err != nil {
		slog.Warn("mcp.server.reconnect_failed", "server", c.name, "attempt", attempt, "error", err)
		return
	}
	c.markHealthy()
	slog.Info("mcp.server.reconnected", "server", c.name)
	m.notifyToolsUpdated()
}
