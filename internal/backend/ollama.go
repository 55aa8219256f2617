// ABOUTME: Backend built on the Ollama API client for local models.
// ABOUTME: Non-streaming chat with tool definitions converted to Ollama's schema types.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/2389/relay-gateway/internal/chat"
)

// OllamaConfig configures an OllamaBackend.
type OllamaConfig struct {
	// BaseURL of the Ollama server; empty uses OLLAMA_HOST from the environment.
	BaseURL    string
	HTTPClient *http.Client
	Model      string
}

// OllamaBackend calls an Ollama server's /api/chat.
type OllamaBackend struct {
	client *api.Client
	model  string
	logger *slog.Logger
}

// NewOllamaBackend creates an OllamaBackend.
func NewOllamaBackend(cfg OllamaConfig, logger *slog.Logger) (*OllamaBackend, error) {
	var client *api.Client
	if cfg.BaseURL == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("creating ollama client: %w", err)
		}
		client = c
	} else {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing ollama url: %w", err)
		}
		httpClient := cfg.HTTPClient
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		client = api.NewClient(base, httpClient)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaBackend{client: client, model: cfg.Model, logger: logger}, nil
}

// Complete implements Backend.
func (b *OllamaBackend) Complete(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	model := req.Model
	if model == "" {
		model = b.model
	}
	defs, err := toOllamaTools(req.Tools)
	if err != nil {
		return nil, err
	}
	stream := false
	ollamaReq := &api.ChatRequest{
		Model:    model,
		Messages: toOllamaMessages(req.Messages),
		Tools:    defs,
		Stream:   &stream,
	}

	var final *api.ChatResponse
	err = b.client.Chat(ctx, ollamaReq, func(resp api.ChatResponse) error {
		final = &resp
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return nil, &ProviderError{Status: statusErr.StatusCode, Body: statusErr.ErrorMessage}
		}
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if final == nil {
		return nil, fmt.Errorf("%w: empty ollama response", ErrMalformed)
	}
	return fromOllama(final), nil
}

func toOllamaMessages(msgs []chat.Message) []api.Message {
	out := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		om := api.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var args api.ToolCallFunctionArguments
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					args = api.NewToolCallFunctionArguments()
				}
			} else {
				args = api.NewToolCallFunctionArguments()
			}
			om.ToolCalls = append(om.ToolCalls, api.ToolCall{
				ID:       tc.ID,
				Function: api.ToolCallFunction{Name: tc.Function.Name, Arguments: args},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOllamaTools(defs []chat.Tool) (api.Tools, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make(api.Tools, 0, len(defs))
	for _, t := range defs {
		var schema struct {
			Properties map[string]struct {
				Type        api.PropertyType `json:"type"`
				Description string           `json:"description"`
			} `json:"properties"`
			Required []string `json:"required"`
		}
		if len(t.Function.Parameters) > 0 {
			if err := json.Unmarshal(t.Function.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid parameters: %w", t.Function.Name, err)
			}
		}

		props := api.NewToolPropertiesMap()
		for name, p := range schema.Properties {
			props.Set(name, api.ToolProperty{Type: p.Type, Description: p.Description})
		}

		out = append(out, api.Tool{
			Type: chat.ToolTypeFunction,
			Function: api.ToolFunction{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: props,
					Required:   schema.Required,
				},
			},
		})
	}
	return out, nil
}

func fromOllama(resp *api.ChatResponse) *chat.Response {
	msg := chat.Message{Role: chat.RoleAssistant, Content: resp.Message.Content}
	for i, tc := range resp.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments.ToMap())
		if err != nil {
			args = []byte("{}")
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{
			ID:       id,
			Type:     chat.ToolTypeFunction,
			Function: chat.FunctionCall{Name: tc.Function.Name, Arguments: string(args)},
		})
	}

	finish := resp.DoneReason
	if finish == "" {
		finish = "stop"
	}
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}

	return &chat.Response{
		ID:      chat.NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chat.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage: chat.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
}
