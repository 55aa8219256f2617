// ABOUTME: Follow-up policy deciding what a turn returns after tools ran.
// ABOUTME: Parses the configured policy name.

package session

import "fmt"

// FollowupPolicy decides the reply of a turn whose response requested tools.
type FollowupPolicy string

const (
	// NextTurn returns the original response; tool results are seen by the
	// model on the caller's next turn.
	NextTurn FollowupPolicy = "next_turn"
	// Reanswer asks the backend once more with the tool results in history
	// and returns that second response.
	Reanswer FollowupPolicy = "reanswer"
)

// ParseFollowupPolicy converts a configuration value; empty means NextTurn.
func ParseFollowupPolicy(s string) (FollowupPolicy, error) {
	switch FollowupPolicy(s) {
	case "", NextTurn:
		return NextTurn, nil
	case Reanswer:
		return Reanswer, nil
	default:
		return "", fmt.Errorf("unknown tool follow-up policy %q", s)
	}
}
