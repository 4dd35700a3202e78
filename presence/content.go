package presence

import (
	"strings"
)

const twitchIconURL = "https://static.twitchcdn.net/assets/favicon-32-d6025c14e900565d6177.png"

// Embed colours.
const (
	ColorOnline  = 0x71368a
	ColorVodcast = 0xe74c3c
	ColorOffline = 0x95a5a6
)

func channelURL(login string) string { return "https://www.twitch.tv/" + login }

func (s *Snapshot) isLive() bool { return s.Type == "" || s.Type == "live" }

func (s *Snapshot) name() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Login
}

// onlineMessage announces the stream, prefixed with the binding tags.
func onlineMessage(s *Snapshot, tags *string) Message {
	text := s.name() + " is streaming!"
	if !s.isLive() {
		text = s.name() + " started a vodcast!"
	}
	if tags != nil && strings.TrimSpace(*tags) != "" {
		text = strings.TrimSpace(*tags) + " " + text
	}
	return Message{Content: &text, Embed: streamEmbed(s, true)}
}

// updateMessage refreshes the embed only.
func updateMessage(s *Snapshot) Message {
	return Message{Embed: streamEmbed(s, true)}
}

func offlineMessage(s *Snapshot) Message {
	text := s.name() + " is offline."
	return Message{Content: &text, Embed: streamEmbed(s, false)}
}

func streamEmbed(s *Snapshot, online bool) Embed {
	url := channelURL(s.Login)
	kind, color := "Stream", ColorOnline
	if !s.isLive() {
		kind, color = "Vodcast", ColorVodcast
	}
	if !online {
		color = ColorOffline
	}
	return Embed{
		AuthorName:    s.name(),
		AuthorURL:     url,
		AuthorIconURL: twitchIconURL,
		Description:   url,
		Color:         color,
		ThumbnailURL:  s.LogoURL,
		Fields: []EmbedField{
			{Name: "Title", Value: s.Title},
			{Name: "Game", Value: s.Game},
			{Name: "Type", Value: kind, Inline: true},
		},
	}
}
