package conversation

import (
	"sync"

	"github.com/truffle-ai/saiki/internal/llm"
)

// charsPerToken is the heuristic ratio used before any calibration data
// exists. Roughly right for English; multilingual content runs denser,
// which calibration corrects for.
const charsPerToken = 4

// perMessageOverhead accounts for role markers and framing tokens.
const perMessageOverhead = 4

// TokenEstimator estimates token counts from character length, calibrated
// by actual prompt token usage reported by the provider: once a real count
// is known for N messages, the per-message average anchors later estimates.
type TokenEstimator struct {
	mu sync.Mutex

	lastPromptTokens int
	lastMessageCount int
}

// NewTokenEstimator creates an uncalibrated estimator.
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{}
}

// Calibrate records the actual prompt token count the provider reported for
// a request containing msgCount messages.
func (e *TokenEstimator) Calibrate(promptTokens, msgCount int) {
	if promptTokens <= 0 || msgCount <= 0 {
		return
	}
	e.mu.Lock()
	e.lastPromptTokens = promptTokens
	e.lastMessageCount = msgCount
	e.mu.Unlock()
}

// Estimate returns the estimated token count for a message slice.
func (e *TokenEstimator) Estimate(msgs []llm.Message) int {
	e.mu.Lock()
	lastTokens, lastCount := e.lastPromptTokens, e.lastMessageCount
	e.mu.Unlock()

	if lastTokens > 0 && lastCount > 0 {
		perMsg := float64(lastTokens) / float64(lastCount)
		base := int(perMsg * float64(min(len(msgs), lastCount)))
		if len(msgs) > lastCount {
			base += e.heuristic(msgs[lastCount:])
		}
		return base
	}
	return e.heuristic(msgs)
}

// EstimateMessage returns the estimate for a single message.
func (e *TokenEstimator) EstimateMessage(msg llm.Message) int {
	return e.heuristic([]llm.Message{msg})
}

func (e *TokenEstimator) heuristic(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += len(m.Text()) / charsPerToken
		for _, p := range m.Parts {
			switch p.Type {
			case llm.PartImage, llm.PartFile:
				// Providers bill media roughly by size; base64 expansion
				// cancels against per-tile discounts, so bytes/4 is close.
				total += len(p.Data) / charsPerToken
			}
		}
		for _, tc := range m.ToolCalls {
			total += (len(tc.Name) + len(tc.Arguments)) / charsPerToken
		}
	}
	return total
}
