// ABOUTME: Raw HTTP backend for OpenAI-compatible chat completion endpoints.
// ABOUTME: Supports bearer and Google API key header auth and optional proxying.

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/relay-gateway/internal/chat"
)

// Auth header styles.
const (
	AuthBearer = "bearer"
	AuthGoog   = "goog"
)

// maxResponseBytes bounds how much of a provider reply is read.
const maxResponseBytes = 8 << 20

// HTTPConfig configures an HTTPBackend.
type HTTPConfig struct {
	// URL is the API base; "/chat/completions" is appended unless RawURL.
	URL       string
	RawURL    bool
	APIKey    string
	AuthStyle string
	Proxy     bool
	Model     string
	// Client overrides the HTTP client (tests).
	Client *http.Client
}

// HTTPBackend posts OpenAI-shaped requests with net/http.
type HTTPBackend struct {
	client    *http.Client
	url       string
	apiKey    string
	authStyle string
	model     string
	logger    *slog.Logger
}

// NewHTTPBackend creates an HTTPBackend.
func NewHTTPBackend(cfg HTTPConfig, logger *slog.Logger) (*HTTPBackend, error) {
	if cfg.URL == "" {
		return nil, errors.New("api_url is required")
	}
	url := strings.TrimSuffix(cfg.URL, "/")
	if !cfg.RawURL {
		url += "/chat/completions"
	}

	style := strings.ToLower(cfg.AuthStyle)
	if style == "" {
		style = AuthBearer
	}
	if style != AuthBearer && style != AuthGoog {
		return nil, fmt.Errorf("unknown auth_style %q", cfg.AuthStyle)
	}

	client := cfg.Client
	if client == nil {
		client = newHTTPClient(cfg.Proxy)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPBackend{
		client:    client,
		url:       url,
		apiKey:    cfg.APIKey,
		authStyle: style,
		model:     cfg.Model,
		logger:    logger,
	}, nil
}

// Complete implements Backend with a single HTTP attempt.
func (b *HTTPBackend) Complete(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	out := *req
	if out.Model == "" {
		out.Model = b.model
	}
	out.Stream = false

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		switch b.authStyle {
		case AuthGoog:
			httpReq.Header.Set("X-goog-api-key", b.apiKey)
		default:
			httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
		}
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b.logger.Warn("provider error", "status", resp.StatusCode, "body_len", len(data))
		return nil, &ProviderError{Status: resp.StatusCode, Body: string(data)}
	}

	b.logger.Debug("provider response", "status", resp.StatusCode, "body_len", len(data))

	var completion chat.Response
	if err := json.Unmarshal(data, &completion); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformed)
	}
	return &completion, nil
}
