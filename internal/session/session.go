// Package session implements chat sessions (one conversation each, running
// the turn loop) and the session manager that creates, caches, expires, and
// destroys them.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/truffle-ai/saiki/internal/bus"
	"github.com/truffle-ai/saiki/internal/conversation"
	"github.com/truffle-ai/saiki/internal/llm"
	"github.com/truffle-ai/saiki/internal/store"
	"github.com/truffle-ai/saiki/pkg/protocol"
)

// maxIterationsSentinel is returned when the tool loop hits its cap without
// a final answer.
const maxIterationsSentinel = "Reached maximum number of tool call iterations without a final response."

// PromptBuilder resolves the system prompt for a turn.
type PromptBuilder interface {
	Build(ctx context.Context) (string, error)
}

// ToolExecutor exposes the aggregated tool set and routes invocations.
type ToolExecutor interface {
	Tools() []llm.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// Session is one conversation: an LLM adapter, a context manager, and the
// turn loop. Turns are strictly serialized per session by mu; distinct
// sessions run concurrently.
type Session struct {
	id string

	mu      sync.Mutex // serializes turns and adapter swaps
	adapter llm.Adapter
	conv    *conversation.Manager

	prompts PromptBuilder
	tools   ToolExecutor
	events  *bus.Bus
	store   store.SessionStore

	metaMu sync.Mutex
	meta   store.Metadata
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() store.Metadata {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.meta
}

// History returns a copy of the conversation log.
func (s *Session) History() []llm.Message {
	return s.conv.History()
}

// LLMConfig returns the active adapter's configuration.
func (s *Session) LLMConfig() llm.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter.Config()
}

// touch records activity.
func (s *Session) touch() {
	s.metaMu.Lock()
	s.meta.LastActivity = time.Now()
	s.metaMu.Unlock()
}

// lastActivity reads the activity timestamp.
func (s *Session) lastActivity() time.Time {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.meta.LastActivity
}

// Run executes one conversational turn and returns the final assistant
// text. Streaming mode emits intermediate llmservice:chunk events; the
// final text is identical either way.
func (s *Session) Run(ctx context.Context, text string, parts []llm.ContentPart, stream bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.publish(protocol.EventThinking, protocol.ThinkingPayload{SessionID: s.id})

	if err := s.conv.AddUserMessage(text, parts...); err != nil {
		return "", err
	}

	systemPrompt, err := s.prompts.Build(ctx)
	if err != nil {
		slog.Warn("session.prompt.build_failed", "session", s.id, "error", err)
	} else {
		s.conv.SetSystemPrompt(systemPrompt)
	}

	toolDefs := s.tools.Tools()
	cfg := s.adapter.Config()

	var accumulated strings.Builder
	var finalText string
	finished := false

	for iteration := 1; iteration <= cfg.MaxIterations; iteration++ {
		msgs, system, err := s.conv.FormattedMessages(ctx)
		if err != nil {
			return "", err
		}
		req := llm.Request{Messages: msgs, System: system, Tools: toolDefs}

		var res *llm.StepResult
		if stream {
			res, err = s.adapter.Stream(ctx, req, func(delta string) {
				s.publish(protocol.EventChunk, protocol.ChunkPayload{SessionID: s.id, Delta: delta})
			})
		} else {
			res, err = s.adapter.Generate(ctx, req)
		}
		if err != nil {
			s.publish(protocol.EventError, protocol.ErrorPayload{SessionID: s.id, Error: err.Error()})
			return "", err
		}

		if res.Usage != nil {
			s.conv.Calibrate(res.Usage.PromptTokens, len(msgs))
			s.metaMu.Lock()
			s.meta.InputTokens += int64(res.Usage.PromptTokens)
			s.meta.OutputTokens += int64(res.Usage.CompletionTokens)
			s.metaMu.Unlock()
		}

		var content *string
		if res.Text != "" || len(res.ToolCalls) == 0 {
			content = llm.StringPtr(res.Text)
		}
		if err := s.conv.AddAssistantMessage(content, res.ToolCalls); err != nil {
			return "", err
		}
		if res.Text != "" {
			accumulated.WriteString(res.Text)
		}

		if len(res.ToolCalls) == 0 {
			finalText = accumulated.String()
			finished = true
			break
		}

		// Tool executions run sequentially in call order; failures never
		// abort the turn — the model observes the error and recovers.
		for _, tc := range res.ToolCalls {
			args := tc.ArgumentsMap()
			s.publish(protocol.EventToolCall, protocol.ToolCallPayload{
				SessionID: s.id, ToolName: tc.Name, Args: args,
			})

			result, execErr := s.tools.Execute(ctx, tc.Name, args)
			if execErr != nil {
				slog.Warn("session.tool.error", "session", s.id, "tool", tc.Name, "error", execErr)
				if err := s.conv.AddToolResult(tc.ID, tc.Name, map[string]any{"error": execErr.Error()}); err != nil {
					return "", err
				}
				s.publish(protocol.EventToolResult, protocol.ToolResultPayload{
					SessionID: s.id, ToolName: tc.Name, Error: execErr.Error(),
				})
				continue
			}

			if err := s.conv.AddToolResult(tc.ID, tc.Name, result); err != nil {
				return "", err
			}
			s.publish(protocol.EventToolResult, protocol.ToolResultPayload{
				SessionID: s.id, ToolName: tc.Name, Result: result,
			})
		}
	}

	if !finished {
		finalText = accumulated.String()
		if finalText == "" {
			finalText = maxIterationsSentinel
		}
	}

	s.publish(protocol.EventResponse, protocol.ResponsePayload{SessionID: s.id, Text: finalText})

	s.metaMu.Lock()
	s.meta.LastActivity = time.Now()
	s.meta.MessageCount = s.conv.Len()
	meta := s.meta
	s.metaMu.Unlock()
	if err := s.store.SaveMetadata(ctx, s.id, &meta); err != nil {
		slog.Warn("session.metadata.save_failed", "session", s.id, "error", err)
	}

	return finalText, nil
}

// Reset truncates the conversation, preserving the session and adapter.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conv.Reset()
	if err := s.store.TruncateHistory(ctx, s.id); err != nil {
		return fmt.Errorf("truncate history for %s: %w", s.id, err)
	}
	s.metaMu.Lock()
	s.meta.MessageCount = 0
	s.meta.LastActivity = time.Now()
	meta := s.meta
	s.metaMu.Unlock()
	if err := s.store.SaveMetadata(ctx, s.id, &meta); err != nil {
		slog.Warn("session.metadata.save_failed", "session", s.id, "error", err)
	}

	s.publish(protocol.EventConversationReset, protocol.ConversationResetPayload{SessionID: s.id})
	return nil
}

// SwitchAdapter swaps the LLM adapter atomically, preserving the
// conversation log. The formatter follows the new provider so prior
// messages are reshaped on the next call.
func (s *Session) SwitchAdapter(adapter llm.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := adapter.Config()
	s.adapter = adapter
	s.conv.SetFormatter(conversation.FormatterFor(cfg.Provider), adapter.ContextWindow())

	s.metaMu.Lock()
	s.meta.Provider = cfg.Provider
	s.meta.Model = cfg.Model
	s.metaMu.Unlock()

	slog.Info("session.llm.switched", "session", s.id, "provider", cfg.Provider, "model", cfg.Model, "router", cfg.Router)
}

func (s *Session) publish(name string, payload any) {
	if s.events != nil {
		s.events.Publish(bus.Event{Name: name, Payload: payload})
	}
}
