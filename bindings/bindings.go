// Package bindings stores which chat channels follow which Twitch identities.
//
// An identity exists only while at least one channel binding references it:
// the mutating operations report the identities they created or orphaned so
// callers can subscribe or unsubscribe the matching webhook leases.
package bindings

import (
	"context"
	"errors"
)

// FeatureStream gates presence notifications for a guild.
const FeatureStream = "stream"

// ErrNotFound is returned when an identity or channel does not exist.
var ErrNotFound = errors.New("not found")

// Identity is a tracked Twitch user.
type Identity struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Channel is a chat channel receiving notifications.
type Channel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	GuildID   string `json:"guild_id"`
	GuildName string `json:"guild_name"`
}

// Binding links one channel to one identity. Tags is an optional mention
// prefix (e.g. "@everyone") put in front of online notifications.
type Binding struct {
	ChannelID  string  `json:"channel_id"`
	GuildID    string  `json:"guild_id"`
	IdentityID string  `json:"identity_id"`
	Tags       *string `json:"tags,omitempty"`
}

// Listing is a binding joined with its channel and identity names.
type Listing struct {
	ChannelID   string  `json:"channel_id"`
	ChannelName string  `json:"channel_name"`
	GuildID     string  `json:"guild_id"`
	IdentityID  string  `json:"identity_id"`
	Login       string  `json:"login"`
	Tags        *string `json:"tags,omitempty"`
}

// Store is the persistence contract shared by the memory and postgres backends.
type Store interface {
	// ListBindings returns every binding of identityID.
	ListBindings(ctx context.Context, identityID string) ([]Binding, error)
	// ListIdentities returns every tracked identity.
	ListIdentities(ctx context.Context) ([]Identity, error)
	// GetIdentity returns ErrNotFound for untracked ids.
	GetIdentity(ctx context.Context, id string) (Identity, error)
	// CreateBindings ensures channel and identities exist and binds them.
	// Existing bindings get their tags replaced. It returns the identities
	// that were not tracked before the call.
	CreateBindings(ctx context.Context, channel Channel, identities []Identity, tags *string) ([]Identity, error)
	// DeleteBindings unbinds identityIDs from channelID, then purges channels
	// and identities left without bindings. It returns the purged identities.
	DeleteBindings(ctx context.Context, channelID string, identityIDs []string) ([]Identity, error)
	// DeleteChannel removes a channel with all its bindings and returns the
	// identities orphaned by it.
	DeleteChannel(ctx context.Context, channelID string) ([]Identity, error)
	// RenameIdentity updates the login and display name of a tracked identity.
	RenameIdentity(ctx context.Context, id, login, displayName string) error
	// ListChannelBindings lists the bindings of a guild, or of every guild
	// when guildID is empty, ordered by channel then login.
	ListChannelBindings(ctx context.Context, guildID string) ([]Listing, error)
	// SetFeature toggles a guild feature.
	SetFeature(ctx context.Context, guildID, feature string, enabled bool) error
	// FeatureEnabled reports whether a feature is on. Features are off until
	// explicitly enabled.
	FeatureEnabled(ctx context.Context, guildID, feature string) (bool, error)
}
