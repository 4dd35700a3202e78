// Package tracking manages which Twitch identities are announced in which
// chat channels and keeps hub leases in step with those bindings.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tesence/discord-bot/bindings"
	"github.com/tesence/discord-bot/subscription"
	"github.com/tesence/discord-bot/telemetry"
	"github.com/tesence/discord-bot/twitchapi"
)

// ErrNoLogins is returned when a track or untrack call names nobody.
var ErrNoLogins = errors.New("no logins given")

// UserResolver looks up Twitch users by login.
type UserResolver interface {
	GetUsersByLogin(ctx context.Context, logins ...string) ([]twitchapi.User, error)
}

// Leases subscribes and unsubscribes identities at the hub.
type Leases interface {
	Subscribe(ctx context.Context, ids ...string) error
	Unsubscribe(ctx context.Context, ids ...string) error
	Reconcile(ctx context.Context, ids []string) (subscription.Report, error)
}

// Forgetter drops presence state and notifications of untracked identities.
type Forgetter interface {
	Forget(ctx context.Context, ids ...string)
}

// Result describes the outcome of Track or Untrack.
type Result struct {
	Identities []bindings.Identity `json:"identities"`
	// Created or Removed identities, i.e. those whose lease changed.
	Changed []bindings.Identity `json:"changed"`
	Unknown []string            `json:"unknown,omitempty"`
	// LeaseErr is set when the hub action failed; the next reconcile pass
	// retries it.
	LeaseErr error `json:"-"`
}

// Service ties the binding store to the lease manager.
type Service struct {
	store  bindings.Store
	users  UserResolver
	leases Leases
	forget Forgetter
}

// NewService builds a Service. forget may be nil.
func NewService(store bindings.Store, users UserResolver, leases Leases, forget Forgetter) *Service {
	return &Service{store: store, users: users, leases: leases, forget: forget}
}

func normalize(logins []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range logins {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// Track binds logins to channel with the given tags, replacing the tags of
// existing bindings. Newly tracked identities are subscribed right away.
func (s *Service) Track(ctx context.Context, channel bindings.Channel, logins []string, tags *string) (Result, error) {
	logins = normalize(logins)
	if len(logins) == 0 {
		return Result{}, ErrNoLogins
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "tracking"), slog.String("channel_id", channel.ID))

	users, err := s.users.GetUsersByLogin(ctx, logins...)
	if err != nil {
		return Result{}, fmt.Errorf("resolve logins: %w", err)
	}
	found := map[string]bool{}
	var idents []bindings.Identity
	for _, u := range users {
		found[strings.ToLower(u.Login)] = true
		idents = append(idents, bindings.Identity{ID: u.ID, Login: u.Login, DisplayName: u.DisplayName})
	}
	res := Result{Identities: idents}
	for _, l := range logins {
		if !found[l] {
			res.Unknown = append(res.Unknown, l)
		}
	}
	if len(idents) == 0 {
		return res, nil
	}

	created, err := s.store.CreateBindings(ctx, channel, idents, tags)
	if err != nil {
		return res, fmt.Errorf("create bindings: %w", err)
	}
	res.Changed = created
	logger.Info("identities tracked", slog.Int("count", len(idents)), slog.Int("new", len(created)), slog.Any("unknown", res.Unknown))

	if len(created) > 0 {
		if err := s.leases.Subscribe(ctx, ids(created)...); err != nil {
			logger.Warn("subscribe failed, next reconcile will retry", slog.Any("err", err))
			res.LeaseErr = err
		}
	}
	s.refreshGauge(ctx)
	return res, nil
}

// Untrack removes the bindings of logins in channelID. Identities left without
// any binding are purged and unsubscribed.
func (s *Service) Untrack(ctx context.Context, channelID string, logins []string) (Result, error) {
	logins = normalize(logins)
	if len(logins) == 0 {
		return Result{}, ErrNoLogins
	}
	all, err := s.store.ListIdentities(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list identities: %w", err)
	}
	byLogin := map[string]bindings.Identity{}
	for _, ident := range all {
		byLogin[strings.ToLower(ident.Login)] = ident
	}
	var res Result
	var targets []string
	for _, l := range logins {
		ident, ok := byLogin[l]
		if !ok {
			res.Unknown = append(res.Unknown, l)
			continue
		}
		res.Identities = append(res.Identities, ident)
		targets = append(targets, ident.ID)
	}
	if len(targets) == 0 {
		return res, nil
	}
	removed, err := s.store.DeleteBindings(ctx, channelID, targets)
	if err != nil {
		return res, fmt.Errorf("delete bindings: %w", err)
	}
	res.Changed = removed
	res.LeaseErr = s.release(ctx, removed)
	telemetry.LoggerWithCorr(ctx).Info("identities untracked",
		slog.String("component", "tracking"),
		slog.String("channel_id", channelID),
		slog.Int("count", len(targets)),
		slog.Int("purged", len(removed)))
	return res, nil
}

// RemoveChannel drops every binding of a deleted channel.
func (s *Service) RemoveChannel(ctx context.Context, channelID string) error {
	removed, err := s.store.DeleteChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("delete channel %s: %w", channelID, err)
	}
	if err := s.release(ctx, removed); err != nil {
		slog.Warn("unsubscribe after channel deletion failed", slog.String("component", "tracking"), slog.String("channel_id", channelID), slog.Any("err", err))
	}
	return nil
}

func (s *Service) release(ctx context.Context, removed []bindings.Identity) error {
	if len(removed) == 0 {
		return nil
	}
	if s.forget != nil {
		s.forget.Forget(ctx, ids(removed)...)
	}
	s.refreshGauge(ctx)
	if err := s.leases.Unsubscribe(ctx, ids(removed)...); err != nil {
		slog.Warn("unsubscribe failed, next reconcile will retry", slog.String("component", "tracking"), slog.Any("err", err))
		return err
	}
	return nil
}

// List returns the bindings of guildID, or of every guild when empty.
func (s *Service) List(ctx context.Context, guildID string) ([]bindings.Listing, error) {
	return s.store.ListChannelBindings(ctx, guildID)
}

// SetFeature toggles a guild feature flag.
func (s *Service) SetFeature(ctx context.Context, guildID, feature string, enabled bool) error {
	return s.store.SetFeature(ctx, guildID, feature, enabled)
}

// Reconcile aligns hub leases with the tracked identities.
func (s *Service) Reconcile(ctx context.Context) (subscription.Report, error) {
	start := time.Now()
	idents, err := s.store.ListIdentities(ctx)
	if err != nil {
		telemetry.ObserveReconcile(false, time.Since(start))
		return subscription.Report{}, fmt.Errorf("list identities: %w", err)
	}
	telemetry.SetTrackedIdentities(len(idents))
	return s.leases.Reconcile(ctx, ids(idents))
}

func (s *Service) refreshGauge(ctx context.Context) {
	if idents, err := s.store.ListIdentities(ctx); err == nil {
		telemetry.SetTrackedIdentities(len(idents))
	}
}

func ids(idents []bindings.Identity) []string {
	out := make([]string, len(idents))
	for i, ident := range idents {
		out[i] = ident.ID
	}
	return out
}
