// ABOUTME: Context helpers carrying the calling session into tool calls.
// ABOUTME: Lets in-process tools scope their data per conversation.

package tools

import "context"

type sessionKeyCtx struct{}

// DefaultSessionKey is reported for calls made outside any session, such as
// protocol calls from an external client.
const DefaultSessionKey = "global"

// WithSessionKey returns a context that records the calling session.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyCtx{}, key)
}

// SessionKey returns the session recorded in ctx, or DefaultSessionKey.
func SessionKey(ctx context.Context) string {
	if key, ok := ctx.Value(sessionKeyCtx{}).(string); ok && key != "" {
		return key
	}
	return DefaultSessionKey
}
