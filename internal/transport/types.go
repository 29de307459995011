// Package transport defines the chat-platform contract the core talks to.
// The concrete Telegram implementation lives in transport/telegram.
package transport

import "context"

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID int64
}

// Subject identifies the user a delivery should mention/attribute.
type Subject struct {
	UserID int64
	Name   string
}

// Payload is a formatted, size-bounded notification ready for delivery.
// Text is HTML (Telegram parse mode); PreviewURL, when set, should be
// rendered as an inline preview by the platform.
type Payload struct {
	Text           string
	PreviewURL     string
	DisablePreview bool
}

// Adapter is the delivery channel the core sends through and receives
// inbound command messages from.
//
// Send failures (chat not found, rate limit, transport errors) are surfaced
// to the caller, not classified further here.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Send(ctx context.Context, to ChatTarget, p Payload, mention Subject) error
	Reply(ctx context.Context, msg *Message, text string) error

	// Ready reports whether the adapter is connected and able to send.
	Ready() bool
}
