// ABOUTME: Backend interface, error types, and the provider factory.
// ABOUTME: Selects one concrete backend from configuration at startup.

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/relay-gateway/internal/chat"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/correlation"
)

// ErrMalformed indicates a backend reply that could not be used as a completion.
var ErrMalformed = errors.New("malformed backend response")

// ErrUnknownProvider indicates an unsupported provider name.
var ErrUnknownProvider = errors.New("unknown provider")

// ProviderError is a non-success reply from a remote provider.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Body)
}

// Backend produces one completion for a request.
type Backend interface {
	Complete(ctx context.Context, req *chat.Request) (*chat.Response, error)
}

// Provider names accepted by New.
const (
	ProviderHTTP      = "http"
	ProviderGemini    = "gemini"
	ProviderDeepseek  = "deepseek"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderGraph     = "graph"
)

// Deps holds the runtime collaborators some backends need.
type Deps struct {
	Peers  EventSender
	Router *correlation.Router
	Logger *slog.Logger
}

// New builds the backend selected by cfg.Provider.
func New(cfg config.BackendConfig, deps Deps) (Backend, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backend", "provider", cfg.Provider)

	switch strings.ToLower(cfg.Provider) {
	case ProviderHTTP:
		return NewHTTPBackend(HTTPConfig{
			URL:       cfg.APIURL,
			RawURL:    cfg.RawURL,
			APIKey:    cfg.APIKey,
			AuthStyle: cfg.AuthStyle,
			Proxy:     cfg.Proxy,
			Model:     cfg.Model,
		}, logger)
	case ProviderGemini:
		// Gemini's OpenAI-compatible endpoint takes the key as a header and
		// is addressed by its full URL.
		return NewHTTPBackend(HTTPConfig{
			URL:       cfg.APIURL,
			RawURL:    true,
			APIKey:    cfg.APIKey,
			AuthStyle: AuthGoog,
			Proxy:     cfg.Proxy,
			Model:     cfg.Model,
		}, logger)
	case ProviderDeepseek:
		return NewHTTPBackend(HTTPConfig{
			URL:       cfg.APIURL,
			RawURL:    cfg.RawURL,
			APIKey:    cfg.APIKey,
			AuthStyle: AuthBearer,
			Proxy:     cfg.Proxy,
			Model:     cfg.Model,
		}, logger)
	case ProviderOpenAI:
		return NewOpenAIBackend(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.APIURL,
			HTTPClient: newHTTPClient(cfg.Proxy),
			Model:      cfg.Model,
			MaxTokens:  int64(cfg.MaxTokens),
		}, logger), nil
	case ProviderAnthropic:
		return NewAnthropicBackend(AnthropicConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.APIURL,
			HTTPClient: newHTTPClient(cfg.Proxy),
			Model:      cfg.Model,
			MaxTokens:  int64(cfg.MaxTokens),
		}, logger), nil
	case ProviderOllama:
		return NewOllamaBackend(OllamaConfig{
			BaseURL:    cfg.APIURL,
			HTTPClient: newHTTPClient(cfg.Proxy),
			Model:      cfg.Model,
		}, logger)
	case ProviderGraph:
		if deps.Peers == nil || deps.Router == nil {
			return nil, errors.New("graph backend requires peers and router")
		}
		if cfg.Peer == "" {
			return nil, errors.New("graph backend requires backend.peer")
		}
		return NewGraphBackend(cfg.Peer, deps.Peers, deps.Router, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// newHTTPClient returns a client that honours proxy environment variables
// only when proxy is true.
func newHTTPClient(proxy bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !proxy {
		transport.Proxy = nil
	}
	return &http.Client{Transport: transport}
}
