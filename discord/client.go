// Package discord implements the chat client used by the presence engine on
// top of a discordgo session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/tesence/discord-bot/bindings"
	"github.com/tesence/discord-bot/presence"
)

// API is the subset of *discordgo.Session the client needs.
type API interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

// FeatureStore answers per-guild feature flags.
type FeatureStore interface {
	FeatureEnabled(ctx context.Context, guildID, feature string) (bool, error)
}

// Client implements presence.ChatClient.
type Client struct {
	api      API
	features FeatureStore
}

// NewClient wraps api. Feature checks go to features.
func NewClient(api API, features FeatureStore) *Client {
	return &Client{api: api, features: features}
}

var _ presence.ChatClient = (*Client)(nil)

func (c *Client) SendMessage(ctx context.Context, channelID string, msg presence.Message) (presence.NotificationRef, error) {
	data := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{toEmbed(msg.Embed)}}
	if msg.Content != nil {
		data.Content = *msg.Content
	}
	m, err := c.api.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return presence.NotificationRef{}, classify(err)
	}
	return presence.NotificationRef{ChannelID: channelID, MessageID: m.ID, CreatedAt: m.Timestamp}, nil
}

// EditMessage replaces the embed and, when msg.Content is set, the text.
func (c *Client) EditMessage(ctx context.Context, ref presence.NotificationRef, msg presence.Message) (presence.NotificationRef, error) {
	edit := discordgo.NewMessageEdit(ref.ChannelID, ref.MessageID).
		SetEmbeds([]*discordgo.MessageEmbed{toEmbed(msg.Embed)})
	if msg.Content != nil {
		edit.SetContent(*msg.Content)
	}
	m, err := c.api.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	if err != nil {
		return presence.NotificationRef{}, classify(err)
	}
	out := ref
	if m != nil && m.EditedTimestamp != nil {
		edited := *m.EditedTimestamp
		out.EditedAt = &edited
	}
	return out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, ref presence.NotificationRef) error {
	if err := c.api.ChannelMessageDelete(ref.ChannelID, ref.MessageID, discordgo.WithContext(ctx)); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) IsFeatureEnabled(ctx context.Context, guildID string) (bool, error) {
	if c.features == nil {
		return true, nil
	}
	return c.features.FeatureEnabled(ctx, guildID, bindings.FeatureStream)
}

// classify maps unknown message/channel answers to presence.ErrMessageGone.
func classify(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if rest.Message != nil {
			switch rest.Message.Code {
			case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel:
				return fmt.Errorf("%w: %s", presence.ErrMessageGone, rest.Message.Message)
			}
		}
		if rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %v", presence.ErrMessageGone, err)
		}
	}
	return err
}

func toEmbed(e presence.Embed) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Description: e.Description,
		Color:       e.Color,
	}
	if e.AuthorName != "" {
		out.Author = &discordgo.MessageEmbedAuthor{Name: e.AuthorName, URL: e.AuthorURL, IconURL: e.AuthorIconURL}
	}
	if e.ThumbnailURL != "" {
		out.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.ThumbnailURL}
	}
	if !e.Timestamp.IsZero() {
		out.Timestamp = e.Timestamp.Format(time.RFC3339)
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return out
}

// Bot owns the gateway session.
type Bot struct {
	Session *discordgo.Session
}

// Open connects to the gateway with the guild intent.
func Open(token string) (*Bot, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("open discord gateway: %w", err)
	}
	slog.Info("discord gateway connected", slog.String("component", "discord"))
	return &Bot{Session: s}, nil
}

// OnChannelDelete calls fn for every guild channel deleted upstream.
func (b *Bot) OnChannelDelete(ctx context.Context, fn func(ctx context.Context, channelID string)) {
	b.Session.AddHandler(channelDeleteHandler(ctx, fn))
}

func channelDeleteHandler(ctx context.Context, fn func(context.Context, string)) func(*discordgo.Session, *discordgo.ChannelDelete) {
	return func(_ *discordgo.Session, ev *discordgo.ChannelDelete) {
		if ev == nil || ev.Channel == nil || ev.GuildID == "" {
			return
		}
		slog.Info("channel deleted", slog.String("component", "discord"), slog.String("channel_id", ev.ID), slog.String("guild_id", ev.GuildID))
		fn(ctx, ev.ID)
	}
}

// Close disconnects from the gateway.
func (b *Bot) Close() error {
	return b.Session.Close()
}
