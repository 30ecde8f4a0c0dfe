package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

// anthropicNative is the native-router Anthropic adapter. It invokes the
// official SDK directly, partitioning the response content blocks into text
// and tool_use and converting the latter into canonical tool calls.
type anthropicNative struct {
	client  anthropic.Client
	cfg     Config
	window  int
	limiter *rate.Limiter
}

func newAnthropicNative(cfg Config) *anthropicNative {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	window := cfg.MaxInputTokens
	if window <= 0 {
		window = MaxInputTokens(cfg.Provider, cfg.Model)
	}
	return &anthropicNative{
		client:  anthropic.NewClient(opts...),
		cfg:     cfg,
		window:  window,
		limiter: newLimiter(0),
	}
}

func (a *anthropicNative) Config() Config     { return a.cfg }
func (a *anthropicNative) ContextWindow() int { return a.window }

func (a *anthropicNative) Generate(ctx context.Context, req Request) (*StepResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	return RetryDo(ctx, DefaultRetryConfig(), func() (*StepResult, error) {
		msg, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return nil, a.wrapError(err)
		}
		return a.parseMessage(msg), nil
	})
}

func (a *anthropicNative) Stream(ctx context.Context, req Request, onDelta func(string)) (*StepResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	result := &StepResult{FinishReason: FinishStop}
	var toolInput strings.Builder
	var currentTool *ToolCall

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			if event.AsMessageStart().Message.Usage.InputTokens > 0 {
				result.Usage = &Usage{PromptTokens: int(event.AsMessageStart().Message.Usage.InputTokens)}
			}
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &ToolCall{ID: toolUse.ID, Name: strings.TrimSpace(toolUse.Name)}
				toolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				result.Text += delta.Text
				if onDelta != nil && delta.Text != "" {
					onDelta(delta.Text)
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentTool != nil {
				args := toolInput.String()
				if args == "" {
					args = "{}"
				}
				currentTool.Arguments = json.RawMessage(args)
				result.ToolCalls = append(result.ToolCalls, *currentTool)
				currentTool = nil
			}
		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Delta.StopReason != "" {
				result.FinishReason = anthropicFinish(string(messageDelta.Delta.StopReason))
			}
			if messageDelta.Usage.OutputTokens > 0 {
				if result.Usage == nil {
					result.Usage = &Usage{}
				}
				result.Usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
				result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, a.wrapError(err)
	}

	if len(result.ToolCalls) > 0 {
		result.FinishReason = FinishToolCalls
	}
	stampStepType(result)
	return result, nil
}

func (a *anthropicNative) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages, err := a.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := a.cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if a.cfg.Temperature != nil {
		params.Temperature = anthropic.Float(*a.cfg.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			raw, err := json.Marshal(t.Parameters)
			if err != nil {
				return anthropic.MessageNewParams{}, NewError(ErrorUnknown, a.cfg.Provider, "marshal tool schema "+t.Name, err)
			}
			var schema anthropic.ToolInputSchemaParam
			if err := json.Unmarshal(raw, &schema); err != nil {
				return anthropic.MessageNewParams{}, NewError(ErrorUnknown, a.cfg.Provider, "invalid tool schema "+t.Name, err)
			}
			toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
			if toolParam.OfTool != nil {
				toolParam.OfTool.Description = anthropic.String(t.Description)
			}
			tools = append(tools, toolParam)
		}
		params.Tools = tools
	}
	return params, nil
}

// convertMessages maps canonical messages onto SDK params. Tool results
// become user-turn tool_result blocks; the system snapshot is handled via
// params.System.
func (a *anthropicNative) convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			continue

		case RoleTool:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text(), false),
			))

		case RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if text := msg.Text(); text != "" {
				content = append(content, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.ArgumentsMap(), tc.Name))
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextBlock(""))
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		case RoleUser:
			var content []anthropic.ContentBlockParamUnion
			if len(msg.Parts) > 0 {
				for _, part := range msg.Parts {
					switch part.Type {
					case PartText:
						content = append(content, anthropic.NewTextBlock(part.Text))
					case PartImage:
						content = append(content, anthropic.NewImageBlockBase64(part.MimeType, base64.StdEncoding.EncodeToString(part.Data)))
					case PartFile:
						content = append(content, anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{
							Data: base64.StdEncoding.EncodeToString(part.Data),
						}))
					}
				}
			} else {
				content = append(content, anthropic.NewTextBlock(msg.Text()))
			}
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (a *anthropicNative) parseMessage(msg *anthropic.Message) *StepResult {
	result := &StepResult{FinishReason: anthropicFinish(string(msg.StopReason))}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			result.Text += variant.Text
		case anthropic.ToolUseBlock:
			args := json.RawMessage(variant.Input)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        variant.ID,
				Name:      strings.TrimSpace(variant.Name),
				Arguments: args,
			})
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = FinishToolCalls
	}
	if msg.Usage.InputTokens > 0 || msg.Usage.OutputTokens > 0 {
		result.Usage = &Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		}
	}
	stampStepType(result)
	return result
}

func (a *anthropicNative) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewError(kindFromStatus(apiErr.StatusCode), a.cfg.Provider, apiErr.Error(), err)
	}
	return NewError(ErrorNetwork, a.cfg.Provider, err.Error(), err)
}
