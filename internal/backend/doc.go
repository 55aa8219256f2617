// Package backend provides the upstream chat backends a session talks to.
//
// Every backend implements one method:
//
//	Complete(ctx, *chat.Request) (*chat.Response, error)
//
// The variant is chosen once, at construction, by New from the configured
// provider:
//
//   - http, gemini, deepseek: raw HTTP POST of the OpenAI-shaped body
//   - openai: the OpenAI Go SDK (any compatible base URL)
//   - anthropic: the Anthropic Go SDK
//   - ollama: the Ollama API client
//   - graph: a connected peer reached through the correlation router
//
// Remote backends make exactly one attempt per call. A non-success status is
// reported as *ProviderError carrying the raw body; an unusable success body
// is reported as ErrMalformed. The graph backend has no built-in timeout and
// waits until the peer replies, the pending call is evicted, or ctx is done.
package backend
