// Package presence turns stream-changed events into chat notifications.
//
// The Engine keeps one in-memory Snapshot per tracked identity and applies the
// transitions Offline→Online (announce or reuse a recent notification),
// Online→Online (refresh title and game) and Online→Offline (grey out the
// notifications). Old offline notifications are removed by Sweep.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tesence/discord-bot/bindings"
	"github.com/tesence/discord-bot/telemetry"
	"github.com/tesence/discord-bot/twitchapi"
)

// Event is a validated stream-changed delivery.
type Event struct {
	IdentityID string
	DeliveryID string
	ReceivedAt time.Time
	// Stream is nil when the identity went offline.
	Stream *twitchapi.Stream
}

// Online reports whether the event carries stream data.
func (e Event) Online() bool { return e.Stream != nil }

// Snapshot is the last known state of an identity.
type Snapshot struct {
	mu sync.Mutex

	IdentityID    string
	Login         string
	DisplayName   string
	LogoURL       string
	Online        bool
	Title         string
	Game          string
	GameID        string
	Type          string
	LastOfflineAt *time.Time
	// Notifications is keyed by chat channel id.
	Notifications map[string][]NotificationRef
}

// Enricher resolves user and game details. *twitchapi.HelixClient satisfies it.
type Enricher interface {
	GetUsersByID(ctx context.Context, ids ...string) ([]twitchapi.User, error)
	GetGames(ctx context.Context, ids ...string) ([]twitchapi.Game, error)
}

// Options configures an Engine.
type Options struct {
	Policy Policy
	// Enricher is optional; without it payload fields are used as is.
	Enricher Enricher
}

// Engine applies presence transitions. Events of one identity are processed
// in delivery order; distinct identities proceed in parallel.
type Engine struct {
	store  bindings.Store
	chat   ChatClient
	helix  Enricher
	policy Policy
	now    func() time.Time

	mu        sync.Mutex
	snapshots map[string]*Snapshot
	// retired holds notifications of forgotten identities whose deletion
	// failed; Sweep retries them.
	retired []NotificationRef

	lanes *dispatcher
}

// NewEngine builds an engine.
func NewEngine(store bindings.Store, chat ChatClient, opts Options) *Engine {
	if opts.Policy.RecentWindow <= 0 || opts.Policy.StaleLifespan <= 0 {
		def := DefaultPolicy()
		if opts.Policy.RecentWindow <= 0 {
			opts.Policy.RecentWindow = def.RecentWindow
		}
		if opts.Policy.StaleLifespan <= 0 {
			opts.Policy.StaleLifespan = def.StaleLifespan
		}
	}
	e := &Engine{
		store:     store,
		chat:      chat,
		helix:     opts.Enricher,
		policy:    opts.Policy,
		now:       time.Now,
		snapshots: map[string]*Snapshot{},
	}
	e.lanes = newDispatcher(e.HandleEvent)
	return e
}

// Submit queues ev on its identity lane and returns immediately.
func (e *Engine) Submit(ctx context.Context, ev Event) {
	e.lanes.submit(ctx, ev)
}

// Wait blocks until every submitted event has been processed.
func (e *Engine) Wait() { e.lanes.wait() }

func (e *Engine) snapshot(ident bindings.Identity) *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.snapshots[ident.ID]
	if !ok {
		s = &Snapshot{
			IdentityID:    ident.ID,
			Login:         ident.Login,
			DisplayName:   ident.DisplayName,
			Notifications: map[string][]NotificationRef{},
		}
		e.snapshots[ident.ID] = s
	}
	return s
}

func (e *Engine) allSnapshots() []*Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Snapshot, 0, len(e.snapshots))
	for _, s := range e.snapshots {
		out = append(out, s)
	}
	return out
}

// HandleEvent applies ev synchronously. Events for identities that are no
// longer tracked are ignored. Chat failures are logged per notification and
// never fail the transition.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) error {
	ctx, span := telemetry.StartSpan(ctx, "presence", "handle_event", telemetry.IdentityAttr(ev.IdentityID))
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("identity_id", ev.IdentityID),
		slog.String("delivery_id", ev.DeliveryID),
		slog.String("component", "presence"))

	ident, err := e.store.GetIdentity(ctx, ev.IdentityID)
	if errors.Is(err, bindings.ErrNotFound) {
		logger.Debug("event for untracked identity ignored")
		telemetry.ObserveTransition("ignored")
		return nil
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("load identity %s: %w", ev.IdentityID, err)
	}

	snap := e.snapshot(ident)
	telemetry.TimeFunc(telemetry.EventDuration, func() {
		snap.mu.Lock()
		defer snap.mu.Unlock()
		if ev.Online() {
			e.applyOnline(ctx, logger, snap, ident, ev.Stream)
		} else {
			e.applyOffline(ctx, logger, snap)
		}
	})
	e.updateGauge()
	return nil
}

func (e *Engine) applyOnline(ctx context.Context, logger *slog.Logger, snap *Snapshot, ident bindings.Identity, st *twitchapi.Stream) {
	prevTitle, prevGame := snap.Title, snap.Game
	e.enrich(ctx, logger, snap, ident, st)

	if !snap.Online {
		logger.Info("stream online", slog.String("login", snap.Login))
		telemetry.ObserveTransition("online")
		e.onOnline(ctx, logger, snap)
		return
	}
	if snap.Title == prevTitle && snap.Game == prevGame {
		logger.Debug("stream update without visible change")
		telemetry.ObserveTransition("ignored")
		return
	}
	logger.Info("stream updated", slog.String("title", snap.Title), slog.String("game", snap.Game))
	telemetry.ObserveTransition("update")
	e.onUpdate(ctx, logger, snap)
}

func (e *Engine) applyOffline(ctx context.Context, logger *slog.Logger, snap *Snapshot) {
	if !snap.Online {
		logger.Debug("offline event for an offline stream ignored")
		telemetry.ObserveTransition("ignored")
		return
	}
	logger.Info("stream offline", slog.String("login", snap.Login))
	telemetry.ObserveTransition("offline")
	e.onOffline(ctx, logger, snap)
}

// enrich refreshes the snapshot from the payload, Helix and the store. Lookup
// failures fall back to the payload.
func (e *Engine) enrich(ctx context.Context, logger *slog.Logger, snap *Snapshot, ident bindings.Identity, st *twitchapi.Stream) {
	login, display := ident.Login, st.UserName
	if st.UserLogin != "" {
		login = st.UserLogin
	}
	if display == "" {
		display = ident.DisplayName
	}
	if e.helix != nil {
		users, err := e.helix.GetUsersByID(ctx, ident.ID)
		switch {
		case err != nil:
			logger.Warn("user lookup failed, using payload", slog.Any("err", err))
		case len(users) > 0:
			login, display = users[0].Login, users[0].DisplayName
			snap.LogoURL = users[0].ProfileImageURL
		}
	}
	if login != "" && login != ident.Login {
		if err := e.store.RenameIdentity(ctx, ident.ID, login, display); err != nil {
			logger.Warn("failed to record name change", slog.String("from", ident.Login), slog.String("to", login), slog.Any("err", err))
		} else {
			logger.Info("identity changed name", slog.String("from", ident.Login), slog.String("to", login))
		}
	}
	if login != "" {
		snap.Login = login
	}
	if display != "" {
		snap.DisplayName = display
	}

	game := ""
	if st.GameID != "" && e.helix != nil {
		if st.GameID == snap.GameID && snap.Game != "" && snap.Game != "No Game" {
			game = snap.Game
		} else if games, err := e.helix.GetGames(ctx, st.GameID); err != nil {
			logger.Warn("game lookup failed", slog.String("game_id", st.GameID), slog.Any("err", err))
		} else if len(games) > 0 {
			game = strings.TrimSpace(games[0].Name)
		}
	}
	if game == "" {
		game = "No Game"
	}
	title := strings.TrimSpace(st.Title)
	if title == "" {
		title = "No Title"
	}
	snap.Title, snap.Game, snap.GameID, snap.Type = title, game, st.GameID, st.Type
}

func (e *Engine) onOnline(ctx context.Context, logger *slog.Logger, snap *Snapshot) {
	snap.Online = true
	snap.LastOfflineAt = nil

	bs, err := e.store.ListBindings(ctx, snap.IdentityID)
	if err != nil {
		logger.Error("failed to list bindings", slog.Any("err", err))
		return
	}
	for _, b := range bs {
		clog := logger.With(slog.String("channel_id", b.ChannelID), slog.String("guild_id", b.GuildID))
		enabled, err := e.chat.IsFeatureEnabled(ctx, b.GuildID)
		if err != nil {
			clog.Warn("feature lookup failed, skipping channel", slog.Any("err", err))
			continue
		}
		if !enabled {
			clog.Debug("stream notifications disabled for guild")
			continue
		}
		msg := onlineMessage(snap, b.Tags)
		if e.reuseRecent(ctx, clog, snap, b.ChannelID, msg) {
			continue
		}
		ref, err := e.chat.SendMessage(ctx, b.ChannelID, msg)
		if err != nil {
			clog.Error("failed to send notification", slog.Any("err", err))
			telemetry.ObserveNotification("failed")
			continue
		}
		ref.ChannelID = b.ChannelID
		ref.GuildID = b.GuildID
		ref.CreatedAt = e.now()
		ref.EditedAt = nil
		ref.Online = true
		snap.Notifications[b.ChannelID] = append(snap.Notifications[b.ChannelID], ref)
		clog.Debug("notification sent", slog.String("message_id", ref.MessageID))
		telemetry.ObserveNotification("sent")
	}
}

// reuseRecent edits the channel's most recently edited OfflineRecent
// notification back online. It reports whether a notification was reused.
func (e *Engine) reuseRecent(ctx context.Context, logger *slog.Logger, snap *Snapshot, channelID string, msg Message) bool {
	for {
		refs := snap.Notifications[channelID]
		now := e.now()
		best := -1
		for i, ref := range refs {
			if Classify(ref, now, e.policy) != StateOfflineRecent {
				continue
			}
			if best < 0 || ref.LastEdit().After(refs[best].LastEdit()) {
				best = i
			}
		}
		if best < 0 {
			return false
		}
		ref := refs[best]
		if _, err := e.chat.EditMessage(ctx, ref, msg); err != nil {
			if errors.Is(err, ErrMessageGone) {
				logger.Warn("recent notification was deleted upstream", slog.String("message_id", ref.MessageID))
				telemetry.ObserveNotification("gone")
				snap.removeRef(channelID, ref.MessageID)
				continue
			}
			logger.Error("failed to reuse notification", slog.String("message_id", ref.MessageID), slog.Any("err", err))
			telemetry.ObserveNotification("failed")
			return true
		}
		edited := e.now()
		refs[best].EditedAt = &edited
		refs[best].Online = true
		logger.Debug("recent notification reused", slog.String("message_id", ref.MessageID))
		telemetry.ObserveNotification("reused")
		return true
	}
}

func (e *Engine) onUpdate(ctx context.Context, logger *slog.Logger, snap *Snapshot) {
	e.editOnline(ctx, logger, snap, updateMessage(snap), true)
}

func (e *Engine) onOffline(ctx context.Context, logger *slog.Logger, snap *Snapshot) {
	now := e.now()
	snap.Online = false
	snap.LastOfflineAt = &now
	e.editOnline(ctx, logger, snap, offlineMessage(snap), false)
}

// editOnline applies msg to every online notification and sets their marker.
func (e *Engine) editOnline(ctx context.Context, logger *slog.Logger, snap *Snapshot, msg Message, online bool) {
	for channelID, refs := range snap.Notifications {
		var gone []string
		for i := range refs {
			if !refs[i].Online {
				continue
			}
			ref := refs[i]
			if _, err := e.chat.EditMessage(ctx, ref, msg); err != nil {
				if errors.Is(err, ErrMessageGone) {
					logger.Warn("notification was deleted upstream", slog.String("channel_id", channelID), slog.String("message_id", ref.MessageID))
					telemetry.ObserveNotification("gone")
					gone = append(gone, ref.MessageID)
					continue
				}
				logger.Error("failed to edit notification", slog.String("channel_id", channelID), slog.String("message_id", ref.MessageID), slog.Any("err", err))
				telemetry.ObserveNotification("failed")
				if !online {
					// The message still looks live, but it must age out and be swept.
					edited := e.now()
					refs[i].EditedAt = &edited
					refs[i].Online = false
				}
				continue
			}
			edited := e.now()
			refs[i].EditedAt = &edited
			refs[i].Online = online
			telemetry.ObserveNotification("edited")
		}
		for _, id := range gone {
			snap.removeRef(channelID, id)
		}
	}
}

func (s *Snapshot) removeRef(channelID, messageID string) {
	refs := s.Notifications[channelID]
	for i, r := range refs {
		if r.MessageID == messageID {
			refs = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	if len(refs) == 0 {
		delete(s.Notifications, channelID)
	} else {
		s.Notifications[channelID] = refs
	}
}

func (e *Engine) updateGauge() {
	e.mu.Lock()
	n := len(e.retired)
	e.mu.Unlock()
	for _, s := range e.allSnapshots() {
		s.mu.Lock()
		n += s.refCount()
		s.mu.Unlock()
	}
	telemetry.SetLiveNotifications(n)
}

func (s *Snapshot) refCount() int {
	n := 0
	for _, refs := range s.Notifications {
		n += len(refs)
	}
	return n
}

// NotificationView is a read-only notification listing entry.
type NotificationView struct {
	IdentityID string `json:"identity_id"`
	Login      string `json:"login"`
	NotificationRef
	State string `json:"state"`
}

// SnapshotView is a read-only copy of a Snapshot.
type SnapshotView struct {
	IdentityID    string     `json:"identity_id"`
	Login         string     `json:"login"`
	DisplayName   string     `json:"display_name"`
	Online        bool       `json:"online"`
	Title         string     `json:"title,omitempty"`
	Game          string     `json:"game,omitempty"`
	Type          string     `json:"type,omitempty"`
	LastOfflineAt *time.Time `json:"last_offline_at,omitempty"`
	Notifications int        `json:"notifications"`
}

// Notifications lists every notification held in memory, oldest first.
func (e *Engine) Notifications() []NotificationView {
	now := e.now()
	var out []NotificationView
	for _, s := range e.allSnapshots() {
		s.mu.Lock()
		for _, refs := range s.Notifications {
			for _, r := range refs {
				out = append(out, NotificationView{
					IdentityID:      s.IdentityID,
					Login:           s.Login,
					NotificationRef: r,
					State:           Classify(r, now, e.policy).String(),
				})
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Snapshots returns a copy of every snapshot ordered by identity id.
func (e *Engine) Snapshots() []SnapshotView {
	var out []SnapshotView
	for _, s := range e.allSnapshots() {
		s.mu.Lock()
		out = append(out, SnapshotView{
			IdentityID:    s.IdentityID,
			Login:         s.Login,
			DisplayName:   s.DisplayName,
			Online:        s.Online,
			Title:         s.Title,
			Game:          s.Game,
			Type:          s.Type,
			LastOfflineAt: s.LastOfflineAt,
			Notifications: s.refCount(),
		})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out
}
