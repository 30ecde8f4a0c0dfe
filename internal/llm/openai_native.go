package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// openaiNative is the native-router OpenAI adapter, built on the go-openai
// SDK. It also serves openai-compatible endpoints through a custom base URL.
type openaiNative struct {
	client  *openai.Client
	cfg     Config
	window  int
	limiter *rate.Limiter
}

func newOpenAINative(cfg Config) *openaiNative {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	window := cfg.MaxInputTokens
	if window <= 0 {
		window = MaxInputTokens(cfg.Provider, cfg.Model)
	}
	return &openaiNative{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		window:  window,
		limiter: newLimiter(0),
	}
}

func (a *openaiNative) Config() Config     { return a.cfg }
func (a *openaiNative) ContextWindow() int { return a.window }

func (a *openaiNative) Generate(ctx context.Context, req Request) (*StepResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	chatReq := a.buildRequest(req, false)

	return RetryDo(ctx, DefaultRetryConfig(), func() (*StepResult, error) {
		resp, err := a.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return nil, a.wrapError(err)
		}
		return a.parseResponse(&resp), nil
	})
}

func (a *openaiNative) Stream(ctx context.Context, req Request, onDelta func(string)) (*StepResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	chatReq := a.buildRequest(req, true)

	stream, err := RetryDo(ctx, DefaultRetryConfig(), func() (*openai.ChatCompletionStream, error) {
		s, err := a.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return nil, a.wrapError(err)
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	result := &StepResult{FinishReason: FinishStop}
	type accumulator struct {
		id, name, args string
	}
	accs := make(map[int]*accumulator)
	nextIndex := 0

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, a.wrapError(err)
		}
		if chunk.Usage != nil {
			result.Usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			result.Text += choice.Delta.Content
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := nextIndex
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := accs[idx]
			if !ok {
				acc = &accumulator{}
				accs[idx] = acc
				nextIndex = idx + 1
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = strings.TrimSpace(tc.Function.Name)
			}
			acc.args += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			result.FinishReason = openaiFinish(string(choice.FinishReason))
		}
	}

	for i := 0; i < len(accs); i++ {
		acc := accs[i]
		if acc == nil {
			continue
		}
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
	stampStepType(result)
	return result, nil
}

func (a *openaiNative) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			continue
		}
		msg := openai.ChatCompletionMessage{Role: string(m.Role)}

		if m.Role == RoleUser && len(m.Parts) > 0 {
			for _, part := range m.Parts {
				switch part.Type {
				case PartText:
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				case PartImage, PartFile:
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: fmt.Sprintf("data:%s;base64,%s", part.MimeType, base64.StdEncoding.EncodeToString(part.Data)),
						},
					})
				}
			}
		} else {
			msg.Content = m.Text()
		}

		for _, tc := range m.ToolCalls {
			args := string(tc.Arguments)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		msg.ToolCallID = m.ToolCallID
		msgs = append(msgs, msg)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    a.cfg.Model,
		Messages: msgs,
		Stream:   stream,
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if a.cfg.MaxOutputTokens > 0 {
		chatReq.MaxTokens = a.cfg.MaxOutputTokens
	}
	if a.cfg.Temperature != nil {
		chatReq.Temperature = float32(*a.cfg.Temperature)
	}
	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return chatReq
}

func (a *openaiNative) parseResponse(resp *openai.ChatCompletionResponse) *StepResult {
	result := &StepResult{FinishReason: FinishStop}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Text = choice.Message.Content
		result.FinishReason = openaiFinish(string(choice.FinishReason))
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
	result.Usage = &Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	stampStepType(result)
	return result
}

func (a *openaiNative) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewError(kindFromStatus(apiErr.HTTPStatusCode), a.cfg.Provider, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewError(kindFromStatus(reqErr.HTTPStatusCode), a.cfg.Provider, reqErr.Error(), err)
	}
	return NewError(ErrorNetwork, a.cfg.Provider, err.Error(), err)
}
