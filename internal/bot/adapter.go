// Package bot runs the live collaborator: it listens on one chat channel,
// keeps the open conversation context and answers with the fine-tuned
// model once a burst of messages settles.
package bot

import (
	"context"
	"time"
)

// Adapter is the interface platform-specific transports must satisfy.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages. The channel is closed
	// when the adapter is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage is a message received from the chat platform.
type InboundMessage struct {
	Platform  string // "discord", "slack"
	ChannelID string
	MessageID string
	UserID    string
	UserName  string // platform username, resolved to an identity by the daemon
	Text      string
	Timestamp time.Time
	IsBot     bool
}

// OutboundMessage is a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string
	Text      string
}

// BotUserIDer is implemented by adapters that know the bot's own user ID.
type BotUserIDer interface {
	BotUserID() string
}

// Typer is implemented by adapters that can show a typing indicator.
type Typer interface {
	Typing(ctx context.Context, channelID string) error
}

// HistoryReader is implemented by adapters that can fetch recent channel
// messages, oldest first.
type HistoryReader interface {
	History(ctx context.Context, channelID string, limit int) ([]InboundMessage, error)
}
