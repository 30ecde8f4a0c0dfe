package conversation

import (
	"log/slog"

	"github.com/truffle-ai/saiki/internal/llm"
)

// Formatter shapes the canonical log for one provider family. The adapter
// layer performs the final SDK conversion; the formatter decides system
// prompt placement, repairs tool-call pairing, and drops what the provider
// cannot represent.
type Formatter interface {
	// Name identifies the wire shape ("anthropic", "openai").
	Name() string

	// Format returns the provider-shaped message array and the system
	// prompt to send alongside it. The returned slice is freshly allocated.
	Format(msgs []llm.Message, system string) ([]llm.Message, string)
}

// FormatterFor picks the formatter for a provider, defaulting to the
// chat-completions shape.
func FormatterFor(provider string) Formatter {
	switch provider {
	case "anthropic":
		return anthropicFormatter{}
	default:
		return openaiFormatter{}
	}
}

// anthropicFormatter keeps the system prompt out of the message array (the
// Messages API takes it as a separate field) and relies on the adapter to
// fold tool results into user turns.
type anthropicFormatter struct{}

func (anthropicFormatter) Name() string { return "anthropic" }

func (anthropicFormatter) Format(msgs []llm.Message, system string) ([]llm.Message, string) {
	return SanitizeToolPairing(msgs), system
}

// openaiFormatter produces the chat-completions shape: the system prompt
// rides as the leading system message and tool results keep their own role.
type openaiFormatter struct{}

func (openaiFormatter) Name() string { return "openai" }

func (openaiFormatter) Format(msgs []llm.Message, system string) ([]llm.Message, string) {
	out := SanitizeToolPairing(msgs)
	if system != "" {
		lead := llm.Message{Role: llm.RoleSystem, Content: llm.StringPtr(system)}
		out = append([]llm.Message{lead}, out...)
	}
	return out, system
}

// SanitizeToolPairing repairs tool_use/tool_result pairing so every
// assistant tool call is closed by exactly one matching tool message before
// the next assistant message:
//
//   - leading orphaned tool messages (left behind by truncation) are dropped
//   - tool results without a matching call are dropped
//   - missing results are synthesized with a placeholder body
func SanitizeToolPairing(msgs []llm.Message) []llm.Message {
	if len(msgs) == 0 {
		return nil
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == llm.RoleTool {
		slog.Warn("context.history.orphaned_tool_dropped", "tool_call_id", msgs[start].ToolCallID)
		start++
	}

	var result []llm.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == llm.RoleAssistant && len(msg.ToolCalls) > 0 {
			expected := make(map[string]string, len(msg.ToolCalls))
			order := make([]string, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expected[tc.ID] = tc.Name
				order = append(order, tc.ID)
			}

			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == llm.RoleTool {
				i++
				toolMsg := msgs[i]
				if _, ok := expected[toolMsg.ToolCallID]; ok {
					result = append(result, toolMsg)
					delete(expected, toolMsg.ToolCallID)
				} else {
					slog.Warn("context.history.mismatched_tool_dropped", "tool_call_id", toolMsg.ToolCallID)
				}
			}

			for _, id := range order {
				name, open := expected[id]
				if !open {
					continue
				}
				slog.Warn("context.history.tool_result_synthesized", "tool_call_id", id)
				result = append(result, llm.Message{
					Role:       llm.RoleTool,
					Content:    llm.StringPtr("[Tool result missing — history was compacted]"),
					ToolCallID: id,
					ToolName:   name,
				})
			}
			continue
		}

		if msg.Role == llm.RoleTool {
			slog.Warn("context.history.orphaned_tool_dropped", "tool_call_id", msg.ToolCallID)
			continue
		}
		result = append(result, msg)
	}
	return result
}
