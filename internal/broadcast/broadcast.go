// Package broadcast fans out state-change events to interested listeners.
// Publishing is fire-and-forget: failures are logged and swallowed, never
// surfaced to the pipeline.
package broadcast

import "context"

// ChannelOwner is the fleet-wide channel the owner dashboard listens on.
const ChannelOwner = "owner"

// Event is one broadcast message.
type Event struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// Broadcaster publishes events to a named channel (a session id or
// ChannelOwner).
type Broadcaster interface {
	Publish(ctx context.Context, channel string, event Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) {}
