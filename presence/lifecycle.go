package presence

import "time"

// NotificationRef points at a chat message announcing an identity's stream.
// Only the online/offline marker is cached; message content is rebuilt from
// the snapshot whenever it has to change.
type NotificationRef struct {
	ChannelID string     `json:"channel_id"`
	GuildID   string     `json:"guild_id"`
	MessageID string     `json:"message_id"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Online    bool       `json:"online"`
}

// LastEdit is the edit time, or the creation time of a never edited message.
func (r NotificationRef) LastEdit() time.Time {
	if r.EditedAt != nil {
		return *r.EditedAt
	}
	return r.CreatedAt
}

// State is the lifecycle class of a notification.
type State int

const (
	// StateOnline notifications announce a running stream.
	StateOnline State = iota
	// StateOfflineRecent notifications are reused if the stream comes back.
	StateOfflineRecent
	// StateOffline notifications are kept but neither reused nor deleted.
	StateOffline
	// StateOfflineStale notifications are deleted by the sweeper.
	StateOfflineStale
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOfflineRecent:
		return "offline_recent"
	case StateOffline:
		return "offline"
	case StateOfflineStale:
		return "offline_stale"
	default:
		return "unknown"
	}
}

// Policy holds the lifecycle thresholds.
type Policy struct {
	// RecentWindow is how long after its last edit an offline notification
	// may be reused.
	RecentWindow time.Duration
	// StaleLifespan is how long after its last edit an offline notification
	// is kept.
	StaleLifespan time.Duration
}

// DefaultPolicy reuses notifications for 5 minutes and keeps them for a day.
func DefaultPolicy() Policy {
	return Policy{RecentWindow: 5 * time.Minute, StaleLifespan: 24 * time.Hour}
}

// Classify returns the lifecycle state of ref at now.
func Classify(ref NotificationRef, now time.Time, p Policy) State {
	if ref.Online {
		return StateOnline
	}
	age := now.Sub(ref.LastEdit())
	switch {
	case age < p.RecentWindow:
		return StateOfflineRecent
	case age > p.StaleLifespan:
		return StateOfflineStale
	default:
		return StateOffline
	}
}
