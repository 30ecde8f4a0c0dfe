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

const openaiAPIBase = "https://api.openai.com/v1"

// OpenAIHTTP implements Provider for OpenAI-compatible chat completion APIs
// (OpenAI, Groq, OpenRouter, vLLM, ...). It backs the unified router for
// both the "openai" and "openai-compatible" providers.
type OpenAIHTTP struct {
	name        string
	apiKey      string
	apiBase     string
	client      *http.Client
	retryConfig RetryConfig
}

// NewOpenAIHTTP creates the unified-router OpenAI-compatible provider.
func NewOpenAIHTTP(name, apiKey, apiBase string) *OpenAIHTTP {
	if apiBase == "" {
		apiBase = openaiAPIBase
	}
	return &OpenAIHTTP{
		name:        name,
		apiKey:      apiKey,
		apiBase:     strings.TrimRight(apiBase, "/"),
		client:      &http.Client{Timeout: 120 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
}

func (p *OpenAIHTTP) Name() string { return p.name }

func (p *OpenAIHTTP) Chat(ctx context.Context, req Request, opts CallOptions) (*StepResult, error) {
	body := p.buildRequestBody(req, opts, false)

	return RetryDo(ctx, p.retryConfig, func() (*StepResult, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, NewError(ErrorUnknown, p.name, "decode response", err)
		}
		return p.parseResponse(&resp), nil
	})
}

func (p *OpenAIHTTP) ChatStream(ctx context.Context, req Request, opts CallOptions, onDelta func(string)) (*StepResult, error) {
	body := p.buildRequestBody(req, opts, true)

	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &StepResult{FinishReason: FinishStop}
	type accumulator struct {
		id, name, args string
	}
	accs := make(map[int]*accumulator)

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil || len(chunk.Choices) == 0 {
			if chunk.Usage != nil {
				result.Usage = chunk.Usage.toUsage()
			}
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			result.Text += delta.Content
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			acc, ok := accs[tc.Index]
			if !ok {
				acc = &accumulator{}
				accs[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = strings.TrimSpace(tc.Function.Name)
			}
			acc.args += tc.Function.Arguments
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			result.FinishReason = openaiFinish(fr)
		}
		if chunk.Usage != nil {
			result.Usage = chunk.Usage.toUsage()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewError(ErrorNetwork, p.name, "stream read", err)
	}

	for i := 0; i < len(accs); i++ {
		acc := accs[i]
		args := acc.args
		if args == "" {
			args = "{}"
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: json.RawMessage(args),
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = FinishToolCalls
	}
	return result, nil
}

// buildRequestBody translates canonical messages into the chat completions
// wire shape: system as a leading message, tool_calls with type+function
// wrappers and arguments as a JSON string.
func (p *OpenAIHTTP) buildRequestBody(req Request, opts CallOptions, stream bool) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": req.System})
	}

	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			continue
		}
		msg := map[string]any{"role": string(m.Role)}

		if m.Role == RoleUser && len(m.Parts) > 0 {
			var parts []map[string]any
			for _, part := range m.Parts {
				switch part.Type {
				case PartText:
					parts = append(parts, map[string]any{"type": "text", "text": part.Text})
				case PartImage:
					parts = append(parts, map[string]any{
						"type": "image_url",
						"image_url": map[string]any{
							"url": fmt.Sprintf("data:%s;base64,%s", part.MimeType, base64.StdEncoding.EncodeToString(part.Data)),
						},
					})
				case PartFile:
					parts = append(parts, map[string]any{
						"type": "file",
						"file": map[string]any{
							"filename":  part.Filename,
							"file_data": fmt.Sprintf("data:%s;base64,%s", part.MimeType, base64.StdEncoding.EncodeToString(part.Data)),
						},
					})
				}
			}
			msg["content"] = parts
		} else if text := m.Text(); text != "" || len(m.ToolCalls) == 0 {
			msg["content"] = text
		}

		if len(m.ToolCalls) > 0 {
			toolCalls := make([]map[string]any, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				toolCalls[i] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": args,
					},
				}
			}
			msg["tool_calls"] = toolCalls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		msgs = append(msgs, msg)
	}

	body := map[string]any{
		"model":    opts.Model,
		"messages": msgs,
		"stream":   stream,
	}
	if stream {
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}
	if opts.MaxOutputTokens > 0 {
		body["max_tokens"] = opts.MaxOutputTokens
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	return body
}

func (p *OpenAIHTTP) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, NewError(ErrorUnknown, p.name, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, NewError(ErrorUnknown, p.name, "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewError(ErrorNetwork, p.name, "request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, NewError(kindFromStatus(resp.StatusCode), p.name,
			fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))), nil)
	}
	return resp.Body, nil
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *openAIUsage) toUsage() *Usage {
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (p *OpenAIHTTP) parseResponse(resp *openAIResponse) *StepResult {
	result := &StepResult{FinishReason: FinishStop}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Text = choice.Message.Content
		result.FinishReason = openaiFinish(choice.FinishReason)
		for _, tc := range choice.Message.ToolCalls {
			args := tc.Function.Arguments
			if args == "" {
				args = "{}"
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: json.RawMessage(args),
			})
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = FinishToolCalls
		}
	}
	if resp.Usage != nil {
		result.Usage = resp.Usage.toUsage()
	}
	return result
}

func openaiFinish(reason string) FinishReason {
	switch reason {
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	default:
		return FinishStop
	}
}
