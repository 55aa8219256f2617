// ABOUTME: Backend built on the official OpenAI Go SDK.
// ABOUTME: Converts chat types to SDK params and SDK responses back to chat types.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/relay-gateway/internal/chat"
)

// OpenAIConfig configures an OpenAIBackend.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint for compatible vendors.
	BaseURL    string
	HTTPClient *http.Client
	Model      string
	MaxTokens  int64
}

// OpenAIBackend calls the Chat Completions API through openai-go.
type OpenAIBackend struct {
	client    openai.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewOpenAIBackend creates an OpenAIBackend. The SDK's retries are disabled.
func NewOpenAIBackend(cfg OpenAIConfig, logger *slog.Logger) *OpenAIBackend {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIBackend{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    logger,
	}
}

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{Status: apiErr.StatusCode, Body: apiErr.RawJSON()}
		}
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformed)
	}
	return fromOpenAI(resp), nil
}

func (b *OpenAIBackend) buildParams(req *chat.Request) (openai.ChatCompletionNewParams, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: toOpenAIMessages(req.Messages),
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = b.maxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(maxTokens)
	}

	for _, t := range req.Tools {
		fn := openai.FunctionDefinitionParam{Name: t.Function.Name}
		if t.Function.Description != "" {
			fn.Description = openai.String(t.Function.Description)
		}
		if len(t.Function.Parameters) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(t.Function.Parameters, &schema); err != nil {
				return params, fmt.Errorf("tool %s: invalid parameters: %w", t.Function.Name, err)
			}
			fn.Parameters = openai.FunctionParameters(schema)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return params, nil
}

func toOpenAIMessages(msgs []chat.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case chat.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Content != "" {
				assistant.Content.OfString = openai.String(m.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case chat.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func fromOpenAI(resp *openai.ChatCompletion) *chat.Response {
	out := &chat.Response{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage: chat.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for i, c := range resp.Choices {
		msg := chat.Message{Role: chat.RoleAssistant, Content: c.Message.Content}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{
				ID:   tc.ID,
				Type: chat.ToolTypeFunction,
				Function: chat.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, chat.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: c.FinishReason,
		})
	}
	return out
}
