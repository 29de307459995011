package subscription

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("subscription storage disabled")

// Config configures the subscription store.
//
// Driver values:
//   - "file": single JSON document with atomic replace (default)
//   - "sqlite": SQLite database file (requires -tags sqlite)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Subscription binds a subscriber to a feed and a delivery chat.
type Subscription struct {
	SubscriberID   int64     `json:"subscriber_id"`
	SubscriberName string    `json:"subscriber_name,omitempty"`
	Feed           string    `json:"feed"`   // normalized (lower-cased for subreddits)
	Source         string    `json:"source"` // feed.SourceReddit or feed.SourceRSS
	ChatID         int64     `json:"chat_id"`
	Checkpoint     time.Time `json:"checkpoint,omitzero"` // zero = nothing delivered yet
}

// Key identifies a subscription for checkpoint merging and removal.
type Key struct {
	SubscriberID int64
	Feed         string
	ChatID       int64
}

func (s Subscription) Key() Key {
	return Key{SubscriberID: s.SubscriberID, Feed: s.Feed, ChatID: s.ChatID}
}

// HasCheckpoint reports whether at least one item was ever delivered.
func (s Subscription) HasCheckpoint() bool { return !s.Checkpoint.IsZero() }
