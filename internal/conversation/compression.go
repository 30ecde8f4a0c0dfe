package conversation

import (
	"context"
	"log/slog"

	"github.com/truffle-ai/saiki/internal/llm"
)

// compressionMargin keeps formatted histories at or below this share of the
// model's context window.
const compressionMargin = 0.9

// truncatedResultKeep is how much of a bulky tool result survives
// truncation as its summary.
const truncatedResultKeep = 160

// minTruncatableResult is the size below which tool results are left alone.
const minTruncatableResult = 512

// SummarizeFunc synthesizes a summary for a span of messages. Injected by
// the caller; when nil, only the elision and truncation strategies run.
type SummarizeFunc func(ctx context.Context, msgs []llm.Message) (string, error)

// turnGroup is one user turn plus everything up to the next user turn.
// Compression always operates on whole groups so tool-call pairing can
// never be split.
type turnGroup struct {
	start, end int // [start, end) into the message slice
}

func groupTurns(msgs []llm.Message) []turnGroup {
	var groups []turnGroup
	start := 0
	for i, m := range msgs {
		if m.Role == llm.RoleUser && i > start {
			groups = append(groups, turnGroup{start: start, end: i})
			start = i
		}
	}
	if start < len(msgs) {
		groups = append(groups, turnGroup{start: start, end: len(msgs)})
	}
	return groups
}

// compress applies strategies in order until the estimate fits the budget
// or strategies are exhausted: oldest-group elision, tool-result
// truncation, then the optional summarizer over the middle window. The
// most recent user turn always survives.
func compress(ctx context.Context, msgs []llm.Message, est *TokenEstimator, budget int, summarize SummarizeFunc) []llm.Message {
	if budget <= 0 || est.Estimate(msgs) <= budget {
		return msgs
	}

	// Strategy 1: drop the oldest turn groups, keeping the latest.
	groups := groupTurns(msgs)
	for len(groups) > 1 && est.Estimate(msgs) > budget {
		dropped := groups[0]
		slog.Info("context.compression.elided_turn", "messages", dropped.end-dropped.start)
		msgs = msgs[dropped.end:]
		groups = groupTurns(msgs)
	}
	if est.Estimate(msgs) <= budget {
		return msgs
	}

	// Strategy 2: truncate bulky tool results in place, oldest first,
	// preserving the call id and a short head of the content.
	msgs = append([]llm.Message(nil), msgs...)
	for i := range msgs {
		if est.Estimate(msgs) <= budget {
			return msgs
		}
		m := &msgs[i]
		if m.Role != llm.RoleTool {
			continue
		}
		body := m.Text()
		if len(body) < minTruncatableResult {
			continue
		}
		summary := body[:truncatedResultKeep]
		elided := "[Tool result elided] " + summary + "…"
		m.Content = llm.StringPtr(elided)
		m.Parts = nil
		slog.Info("context.compression.tool_result_truncated", "tool_call_id", m.ToolCallID, "original_len", len(body))
	}
	if est.Estimate(msgs) <= budget || summarize == nil {
		return msgs
	}

	// Strategy 3: replace the middle span with a synthesized summary,
	// keeping the first and last turn groups intact.
	groups = groupTurns(msgs)
	if len(groups) < 3 {
		return msgs
	}
	midStart := groups[1].start
	midEnd := groups[len(groups)-1].start
	summary, err := summarize(ctx, msgs[midStart:midEnd])
	if err != nil {
		slog.Warn("context.compression.summarize_failed", "error", err)
		return msgs
	}
	slog.Info("context.compression.summarized", "messages", midEnd-midStart)

	out := make([]llm.Message, 0, midStart+1+len(msgs)-midEnd)
	out = append(out, msgs[:midStart]...)
	out = append(out, llm.Message{
		Role:    llm.RoleAssistant,
		Content: llm.StringPtr("[Conversation summary]\n" + summary),
	})
	out = append(out, msgs[midEnd:]...)
	return out
}
