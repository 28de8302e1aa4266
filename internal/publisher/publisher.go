// Package publisher defines the event-publishing seam used to announce
// frontier growth to external consumers.
package publisher

import "context"

// Publisher delivers a payload to a named topic and returns the broker's
// message ID. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// FrontierEvent is published after a discovery submission adds accounts to
// the frontier.
type FrontierEvent struct {
	ParentID   int64   `json:"parentId"`
	Depth      int     `json:"depth"`
	Discovered []int64 `json:"discovered"`
}
