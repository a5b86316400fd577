package channel

import (
	"context"
	"time"
)

// Target identifies a remote chat on a specific channel.
type Target struct {
	ChannelID string
	ChatID    string
}

// Inbound is a message received from a remote chat.
type Inbound struct {
	ChannelID string
	ChatID    string
	MessageID string
	Text      string
	SentAt    time.Time
}

func (t Target) String() string {
	return t.ChannelID + ":" + t.ChatID
}

// Adapter is a single channel driver. Implementations own the wire protocol,
// authentication and platform rate limits; callers only see chat ids and text.
type Adapter interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendMessage(ctx context.Context, chatID, text string) (messageID string, err error)
	EditMessage(ctx context.Context, chatID, messageID, text string) error
	SetInboundHandler(handler func(Inbound))
}
