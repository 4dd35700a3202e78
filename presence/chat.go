package presence

import (
	"context"
	"errors"
	"time"
)

// ErrMessageGone is returned by a ChatClient when the referenced message was
// deleted upstream. The engine drops the reference and moves on.
var ErrMessageGone = errors.New("chat message no longer exists")

// Message is the payload of a notification. A nil Content leaves the current
// text untouched on edit.
type Message struct {
	Content *string
	Embed   Embed
}

// Embed is the minimal rich card attached to notifications.
type Embed struct {
	AuthorName    string
	AuthorURL     string
	AuthorIconURL string
	Description   string
	Color         int
	ThumbnailURL  string
	Fields        []EmbedField
	Timestamp     time.Time
}

// EmbedField is a titled value inside an Embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// ChatClient is the notification sink. Implementations translate their
// platform's "unknown message" failures to ErrMessageGone.
type ChatClient interface {
	SendMessage(ctx context.Context, channelID string, msg Message) (NotificationRef, error)
	EditMessage(ctx context.Context, ref NotificationRef, msg Message) (NotificationRef, error)
	DeleteMessage(ctx context.Context, ref NotificationRef) error
	IsFeatureEnabled(ctx context.Context, guildID string) (bool, error)
}
