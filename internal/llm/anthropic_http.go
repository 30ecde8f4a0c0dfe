package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicHTTP implements Provider for the Anthropic Messages API over
// net/http. It backs the unified router.
type AnthropicHTTP struct {
	apiKey      string
	baseURL     string
	client      *http.Client
	retryConfig RetryConfig
}

// NewAnthropicHTTP creates the unified-router Anthropic provider.
func NewAnthropicHTTP(apiKey, baseURL string) *AnthropicHTTP {
	if baseURL == "" {
		baseURL = anthropicAPIBase
	}
	return &AnthropicHTTP{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: 120 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
}

func (p *AnthropicHTTP) Name() string { return "anthropic" }

func (p *AnthropicHTTP) Chat(ctx context.Context, req Request, opts CallOptions) (*StepResult, error) {
	body := p.buildRequestBody(req, opts, false)

	return RetryDo(ctx, p.retryConfig, func() (*StepResult, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp anthropicResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, NewError(ErrorUnknown, p.Name(), "decode response", err)
		}
		return p.parseResponse(&resp), nil
	})
}

func (p *AnthropicHTTP) ChatStream(ctx context.Context, req Request, opts CallOptions, onDelta func(string)) (*StepResult, error) {
	body := p.buildRequestBody(req, opts, true)

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &StepResult{FinishReason: FinishStop}
	toolJSON := make(map[int]string)

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev struct {
				Message struct {
					Usage anthropicUsage `json:"usage"`
				} `json:"message"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil && ev.Message.Usage.InputTokens > 0 {
				result.Usage = &Usage{PromptTokens: ev.Message.Usage.InputTokens}
			}

		case "content_block_start":
			var ev struct {
				ContentBlock struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil && ev.ContentBlock.Type == "tool_use" {
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:   ev.ContentBlock.ID,
					Name: strings.TrimSpace(ev.ContentBlock.Name),
				})
			}

		case "content_block_delta":
			var ev struct {
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					PartialJSON string `json:"partial_json"`
				} `json:"delta"`
			}
			if json.Unmarshal([]byte(data), &ev) != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				result.Text += ev.Delta.Text
				if onDelta != nil && ev.Delta.Text != "" {
					onDelta(ev.Delta.Text)
				}
			case "input_json_delta":
				if len(result.ToolCalls) > 0 {
					toolJSON[len(result.ToolCalls)-1] += ev.Delta.PartialJSON
				}
			}

		case "message_delta":
			var ev struct {
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
				Usage anthropicUsage `json:"usage"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil {
				if ev.Delta.StopReason != "" {
					result.FinishReason = anthropicFinish(ev.Delta.StopReason)
				}
				if ev.Usage.OutputTokens > 0 {
					if result.Usage == nil {
						result.Usage = &Usage{}
					}
					result.Usage.CompletionTokens = ev.Usage.OutputTokens
					result.Usage.TotalTokens = result.Usage.PromptTokens + ev.Usage.OutputTokens
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewError(ErrorNetwork, p.Name(), "stream read", err)
	}

	for i := range result.ToolCalls {
		raw := toolJSON[i]
		if raw == "" {
			raw = "{}"
		}
		result.ToolCalls[i].Arguments = json.RawMessage(raw)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = FinishToolCalls
	}
	return result, nil
}

// buildRequestBody translates canonical messages into the Anthropic wire
// shape: system as a top-level field, tool results folded into user turns.
func (p *AnthropicHTTP) buildRequestBody(req Request, opts CallOptions, stream bool) map[string]any {
	var messages []map[string]any

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			// Handled via the top-level system field.

		case RoleUser:
			if len(msg.Parts) > 0 {
				var blocks []map[string]any
				for _, part := range msg.Parts {
					switch part.Type {
					case PartText:
						blocks = append(blocks, map[string]any{"type": "text", "text": part.Text})
					case PartImage:
						blocks = append(blocks, map[string]any{
							"type": "image",
							"source": map[string]any{
								"type":       "base64",
								"media_type": part.MimeType,
								"data":       base64.StdEncoding.EncodeToString(part.Data),
							},
						})
					case PartFile:
						blocks = append(blocks, map[string]any{
							"type": "document",
							"source": map[string]any{
								"type":       "base64",
								"media_type": part.MimeType,
								"data":       base64.StdEncoding.EncodeToString(part.Data),
							},
						})
					}
				}
				messages = append(messages, map[string]any{"role": "user", "content": blocks})
			} else {
				messages = append(messages, map[string]any{"role": "user", "content": msg.Text()})
			}

		case RoleAssistant:
			var blocks []map[string]any
			if text := msg.Text(); text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": text})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.ArgumentsMap(),
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, map[string]any{"type": "text", "text": ""})
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": blocks})

		case RoleTool:
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Text(),
				}},
			})
		}
	}

	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := map[string]any{
		"model":      opts.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		body["tools"] = tools
	}
	return body
}

func (p *AnthropicHTTP) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, NewError(ErrorUnknown, p.Name(), "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, NewError(ErrorUnknown, p.Name(), "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewError(ErrorNetwork, p.Name(), "request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, NewError(kindFromStatus(resp.StatusCode), p.Name(),
			fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))), nil)
	}
	return resp.Body, nil
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

func (p *AnthropicHTTP) parseResponse(resp *anthropicResponse) *StepResult {
	result := &StepResult{FinishReason: anthropicFinish(resp.StopReason)}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Text += block.Text
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      strings.TrimSpace(block.Name),
				Arguments: args,
			})
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = FinishToolCalls
	}
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		result.Usage = &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return result
}

func anthropicFinish(stopReason string) FinishReason {
	switch stopReason {
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	default:
		return FinishStop
	}
}
