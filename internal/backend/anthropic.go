// ABOUTME: Backend built on the Anthropic Messages API Go SDK.
// ABOUTME: Maps system, tool_use, and tool_result blocks to and from chat types.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/relay-gateway/internal/chat"
)

// defaultAnthropicMaxTokens is used when neither request nor config sets a limit;
// the Messages API requires one.
const defaultAnthropicMaxTokens = 4096

// AnthropicConfig configures an AnthropicBackend.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Model      string
	MaxTokens  int64
}

// AnthropicBackend calls the Messages API through anthropic-sdk-go.
type AnthropicBackend struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicBackend creates an AnthropicBackend. The SDK's retries are disabled.
func NewAnthropicBackend(cfg AnthropicConfig, logger *slog.Logger) *AnthropicBackend {
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
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicBackend{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Complete implements Backend.
func (b *AnthropicBackend) Complete(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &ProviderError{Status: apiErr.StatusCode, Body: apiErr.RawJSON()}
		}
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	return fromAnthropic(msg), nil
}

func (b *AnthropicBackend) buildParams(req *chat.Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}

	for _, m := range req.Messages {
		switch m.Role {
		case chat.RoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case chat.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
						input = map[string]any{}
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			params.Messages = appendAnthropic(params.Messages, anthropic.MessageParamRoleAssistant, blocks)
		case chat.RoleTool:
			params.Messages = appendAnthropic(params.Messages, anthropic.MessageParamRoleUser,
				[]anthropic.ContentBlockParamUnion{anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)})
		default:
			params.Messages = appendAnthropic(params.Messages, anthropic.MessageParamRoleUser,
				[]anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)})
		}
	}

	for _, t := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{}
		if len(t.Function.Parameters) > 0 {
			var raw struct {
				Properties any      `json:"properties"`
				Required   []string `json:"required"`
			}
			if err := json.Unmarshal(t.Function.Parameters, &raw); err != nil {
				return params, fmt.Errorf("tool %s: invalid parameters: %w", t.Function.Name, err)
			}
			schema.Properties = raw.Properties
			schema.Required = raw.Required
		}
		tool := anthropic.ToolParam{Name: t.Function.Name, InputSchema: schema}
		if t.Function.Description != "" {
			tool.Description = anthropic.String(t.Function.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return params, nil
}

// appendAnthropic merges consecutive same-role turns, which the Messages API
// expects to alternate.
func appendAnthropic(msgs []anthropic.MessageParam, role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) []anthropic.MessageParam {
	if len(blocks) == 0 {
		return msgs
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == role {
		msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
		return msgs
	}
	return append(msgs, anthropic.MessageParam{Role: role, Content: blocks})
}

func fromAnthropic(msg *anthropic.Message) *chat.Response {
	var texts []string
	out := chat.Message{Role: chat.RoleAssistant}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			texts = append(texts, block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			args := string(tu.Input)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, chat.ToolCall{
				ID:       tu.ID,
				Type:     chat.ToolTypeFunction,
				Function: chat.FunctionCall{Name: tu.Name, Arguments: args},
			})
		}
	}
	out.Content = strings.Join(texts, "\n")

	finish := "stop"
	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		finish = "tool_calls"
	case anthropic.StopReasonMaxTokens:
		finish = "length"
	}

	in, outTok := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &chat.Response{
		ID:      msg.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   string(msg.Model),
		Choices: []chat.Choice{{Index: 0, Message: out, FinishReason: finish}},
		Usage: chat.Usage{
			PromptTokens:     in,
			CompletionTokens: outTok,
			TotalTokens:      in + outTok,
		},
	}
}
