// ABOUTME: Identifier generators for calls, completions and anonymous users.
// ABOUTME: Call and completion ids carry a stable prefix; user ids are bare UUIDs.

package chat

import "github.com/google/uuid"

// NewCallID returns a fresh correlation identifier.
func NewCallID() string {
	return "call-" + uuid.NewString()
}

// NewCompletionID returns a fresh chat completion identifier.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// NewUserID returns an identifier for a caller that did not supply one.
func NewUserID() string {
	return uuid.NewString()
}
