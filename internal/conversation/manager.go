// Package conversation implements the context manager: the single source of
// truth for one session's message log and the policies that keep it within
// the model's token budget.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/truffle-ai/saiki/internal/llm"
)

// ErrClosureViolation is wrapped by append operations that would break the
// tool-call closure invariant.
var ErrClosureViolation = fmt.Errorf("tool-call closure violation")

// Manager owns one conversation: the ordered message log, the system prompt
// snapshot, token accounting, and compression. All methods are safe for
// concurrent use; the owning session serializes turns above this layer.
type Manager struct {
	mu        sync.Mutex
	messages  []llm.Message
	system    string
	openCalls map[string]string // tool-call id → tool name, awaiting results

	formatter Formatter
	estimator *TokenEstimator
	window    int // model context window in tokens

	summarize SummarizeFunc

	// onAppend, when set, observes every appended message (persistence).
	onAppend func(llm.Message)
}

// Option configures a Manager.
type Option func(*Manager)

// WithSummarizer injects the middle-window summarization hook.
func WithSummarizer(fn SummarizeFunc) Option {
	return func(m *Manager) { m.summarize = fn }
}

// WithAppendObserver registers a callback invoked after every successful
// append, outside compression (compression never re-notifies).
func WithAppendObserver(fn func(llm.Message)) Option {
	return func(m *Manager) { m.onAppend = fn }
}

// NewManager creates a context manager for a model with the given context
// window, producing arrays in the formatter's provider shape.
func NewManager(formatter Formatter, window int, opts ...Option) *Manager {
	m := &Manager{
		formatter: formatter,
		estimator: NewTokenEstimator(),
		window:    window,
		openCalls: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetFormatter swaps the provider shape, e.g. after an LLM switch. The log
// itself is untouched.
func (m *Manager) SetFormatter(f Formatter, window int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.formatter = f
	if window > 0 {
		m.window = window
	}
}

// SetSystemPrompt replaces the cached system snapshot.
func (m *Manager) SetSystemPrompt(text string) {
	m.mu.Lock()
	m.system = text
	m.mu.Unlock()
}

// SystemPrompt returns the cached system snapshot.
func (m *Manager) SystemPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system
}

// AddUserMessage appends a user message with optional media parts.
func (m *Manager) AddUserMessage(text string, parts ...llm.ContentPart) error {
	msg := llm.Message{
		Role:      llm.RoleUser,
		Timestamp: time.Now(),
	}
	if len(parts) > 0 {
		all := make([]llm.ContentPart, 0, len(parts)+1)
		if text != "" {
			all = append(all, llm.TextPart(text))
		}
		msg.Parts = append(all, parts...)
	} else {
		msg.Content = llm.StringPtr(text)
	}
	return m.append(msg)
}

// AddAssistantMessage appends an assistant message. Content may be nil when
// the model emitted only tool calls; toolCalls may be empty for a plain
// text reply.
func (m *Manager) AddAssistantMessage(content *string, toolCalls []llm.ToolCall) error {
	return m.append(llm.Message{
		Role:      llm.RoleAssistant,
		Content:   content,
		ToolCalls: toolCalls,
		Timestamp: time.Now(),
	})
}

// AddToolResult appends the result of one tool call. Non-string results are
// serialized to JSON.
func (m *Manager) AddToolResult(toolCallID, toolName string, result any) error {
	var body string
	switch v := result.(type) {
	case string:
		body = v
	case nil:
		body = ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("serialize tool result for %s: %w", toolName, err)
		}
		body = string(data)
	}
	return m.append(llm.Message{
		Role:       llm.RoleTool,
		Content:    llm.StringPtr(body),
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Timestamp:  time.Now(),
	})
}

// append enforces the closure invariant before admitting a message.
func (m *Manager) append(msg llm.Message) error {
	m.mu.Lock()

	switch msg.Role {
	case llm.RoleAssistant:
		if len(m.openCalls) > 0 {
			m.mu.Unlock()
			return fmt.Errorf("%w: %d unresolved tool calls before assistant message", ErrClosureViolation, len(m.openCalls))
		}
		for _, tc := range msg.ToolCalls {
			if _, dup := m.openCalls[tc.ID]; dup {
				m.mu.Unlock()
				return fmt.Errorf("%w: duplicate tool call id %q", ErrClosureViolation, tc.ID)
			}
			m.openCalls[tc.ID] = tc.Name
		}

	case llm.RoleTool:
		if _, ok := m.openCalls[msg.ToolCallID]; !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: tool result %q has no open call", ErrClosureViolation, msg.ToolCallID)
		}
		delete(m.openCalls, msg.ToolCallID)

	case llm.RoleSystem:
		m.mu.Unlock()
		return fmt.Errorf("system messages are managed via SetSystemPrompt")
	}

	m.messages = append(m.messages, msg)
	observer := m.onAppend
	m.mu.Unlock()

	if observer != nil {
		observer(msg)
	}
	return nil
}

// Restore replaces the log with persisted history, repairing tool pairing
// first. Used when rehydrating a session from the store.
func (m *Manager) Restore(msgs []llm.Message) {
	repaired := SanitizeToolPairing(msgs)
	m.mu.Lock()
	m.messages = repaired
	m.openCalls = make(map[string]string)
	m.mu.Unlock()
}

// History returns a copy of the canonical log.
func (m *Manager) History() []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Len returns the number of messages in the log.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Reset empties the log, keeping the session and system snapshot.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.messages = nil
	m.openCalls = make(map[string]string)
	m.mu.Unlock()
}

// CountTotalTokens estimates the log's token footprint, system included.
func (m *Manager) CountTotalTokens() int {
	m.mu.Lock()
	msgs := make([]llm.Message, len(m.messages))
	copy(msgs, m.messages)
	system := m.system
	m.mu.Unlock()

	total := m.estimator.Estimate(msgs)
	total += len(system) / charsPerToken
	return total
}

// Calibrate feeds actual prompt-token usage back into the estimator.
func (m *Manager) Calibrate(promptTokens, msgCount int) {
	m.estimator.Calibrate(promptTokens, msgCount)
}

// TokenBudget returns the compression threshold: 90% of the window.
func (m *Manager) TokenBudget() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(float64(m.window) * compressionMargin)
}

// FormattedMessages compresses the log if needed and returns the
// provider-shaped array plus the formatted system prompt. Compression
// rewrites the canonical log, so the savings persist across turns.
func (m *Manager) FormattedMessages(ctx context.Context) ([]llm.Message, string, error) {
	m.mu.Lock()
	msgs := make([]llm.Message, len(m.messages))
	copy(msgs, m.messages)
	system := m.system
	budget := int(float64(m.window) * compressionMargin)
	formatter := m.formatter
	summarize := m.summarize
	m.mu.Unlock()

	systemTokens := len(system) / charsPerToken
	compressed := compress(ctx, msgs, m.estimator, budget-systemTokens, summarize)

	if len(compressed) != len(msgs) {
		m.mu.Lock()
		// Only adopt the compressed log if no appends raced us.
		if len(m.messages) == len(msgs) {
			m.messages = compressed
		}
		m.mu.Unlock()
	}

	formatted, formattedSystem := formatter.Format(compressed, system)
	return formatted, formattedSystem, nil
}

// FormattedSystemPrompt returns the system prompt in formatter shape.
func (m *Manager) FormattedSystemPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system
}
