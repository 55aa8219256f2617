// ABOUTME: Clock pack reports the current time.
// ABOUTME: Accepts an optional IANA time zone name.

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ClockPack creates the clock pack. A nil now uses time.Now.
func ClockPack(now func() time.Time) *Pack {
	if now == nil {
		now = time.Now
	}
	c := &clockHandlers{now: now}
	return &Pack{
		ID: "builtin:clock",
		Tools: []*Tool{
			newTool("current_time", "Current date and time, optionally in an IANA time zone",
				`{"type":"object","properties":{"timezone":{"type":"string"}}}`,
				c.Now),
		},
	}
}

type clockHandlers struct {
	now func() time.Time
}

type currentTimeInput struct {
	Timezone string `json:"timezone"`
}

func (c *clockHandlers) Now(_ context.Context, _ string, input json.RawMessage) (json.RawMessage, error) {
	var in currentTimeInput
	if err := decodeInput(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	loc := time.UTC
	if in.Timezone != "" {
		l, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", in.Timezone)
		}
		loc = l
	}

	t := c.now().In(loc)
	return json.Marshal(map[string]any{
		"time":     t.Format(time.RFC3339),
		"timezone": loc.String(),
		"unix":     t.Unix(),
		"weekday":  t.Weekday().String(),
	})
}
