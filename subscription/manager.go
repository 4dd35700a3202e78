// Package subscription keeps the relay registered with the Twitch webhooks hub:
// one lease per tracked identity, renewed before it expires and cancelled once
// nobody follows the identity anymore.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tesence/discord-bot/telemetry"
	"github.com/tesence/discord-bot/twitchapi"
)

// ErrHandshakeTimeout is returned when Twitch does not confirm a hub action in time.
// The action is retried by the next reconciliation pass.
var ErrHandshakeTimeout = errors.New("hub handshake timed out")

// Hub is the subset of the Helix client the manager needs.
type Hub interface {
	ListSubscriptions(ctx context.Context) ([]twitchapi.Subscription, error)
	PostHub(ctx context.Context, req twitchapi.HubRequest) error
}

// Options configures a Manager.
type Options struct {
	// TopicBase is the Helix root used to build topic URIs.
	TopicBase string
	// CallbackBase is the externally reachable webhook root.
	CallbackBase     string
	Secret           string
	LeaseSeconds     int
	HandshakeTimeout time.Duration
	// RenewThreshold marks leases expiring sooner than this as due for renewal.
	RenewThreshold time.Duration
	// Concurrency bounds the hub actions in flight per batch.
	Concurrency int
}

// Manager reconciles hub leases against the tracked identities.
type Manager struct {
	hub     Hub
	pending *Pending
	opts    Options
	now     func() time.Time

	// Callers reconciling the same identity set share one pass; passes over
	// different sets run one at a time.
	flight singleflight.Group
	passMu sync.Mutex
}

// NewManager builds a manager. The pending registry must be the one the
// webhook server resolves handshakes into.
func NewManager(hub Hub, pending *Pending, opts Options) *Manager {
	if opts.TopicBase == "" {
		opts.TopicBase = twitchapi.DefaultHelixURL
	}
	if opts.LeaseSeconds <= 0 {
		opts.LeaseSeconds = 86400
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.RenewThreshold <= 0 {
		opts.RenewThreshold = time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Manager{hub: hub, pending: pending, opts: opts, now: time.Now}
}

// Report summarizes one reconciliation pass. Identity ids are sorted.
type Report struct {
	Missing      []string         `json:"missing"`
	Expiring     []string         `json:"expiring"`
	Orphaned     []string         `json:"orphaned"`
	Current      []string         `json:"current"`
	Subscribed   []string         `json:"subscribed"`
	Unsubscribed []string         `json:"unsubscribed"`
	Failed       map[string]error `json:"-"`
}

// action is one hub call for one identity.
type action struct {
	mode       string
	identityID string
	topic      string
	callback   string
}

// Reconcile lists the live leases and brings them in line with identityIDs:
// missing leases are created, leases close to expiry are renewed and leases of
// identities no longer tracked are cancelled. Individual failures are recorded
// in the report; only a failed listing aborts the pass.
func (m *Manager) Reconcile(ctx context.Context, identityIDs []string) (Report, error) {
	key := strings.Join(sorted(identityIDs), ",")
	v, err, shared := m.flight.Do(key, func() (any, error) {
		m.passMu.Lock()
		defer m.passMu.Unlock()
		return m.reconcile(ctx, identityIDs)
	})
	if shared {
		slog.Debug("joined in-flight reconcile pass", slog.String("component", "subscription"))
	}
	return v.(Report), err
}

func (m *Manager) reconcile(ctx context.Context, identityIDs []string) (Report, error) {
	start := m.now()
	ctx, span := telemetry.StartSpan(ctx, "subscription", "reconcile", attribute.Int("relay.identities", len(identityIDs)))
	defer span.End()
	logger := slog.Default().With(slog.String("component", "subscription"))

	subs, err := m.hub.ListSubscriptions(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.ObserveReconcile(false, m.now().Sub(start))
		return Report{}, fmt.Errorf("list subscriptions: %w", err)
	}

	leases := m.indexLeases(subs)
	tracked := make(map[string]bool, len(identityIDs))
	rep := Report{Failed: map[string]error{}}

	var unsubs, subsToPost []action
	for _, id := range identityIDs {
		if tracked[id] {
			continue
		}
		tracked[id] = true
		lease, ok := leases[id]
		switch {
		case !ok:
			rep.Missing = append(rep.Missing, id)
			subsToPost = append(subsToPost, m.subscribeAction(id))
		case lease.ExpiresAt.Sub(m.now()) < m.opts.RenewThreshold:
			rep.Expiring = append(rep.Expiring, id)
			unsubs = append(unsubs, action{mode: twitchapi.ModeUnsubscribe, identityID: id, topic: lease.Topic, callback: lease.Callback})
			subsToPost = append(subsToPost, m.subscribeAction(id))
		default:
			rep.Current = append(rep.Current, id)
		}
	}
	for id, lease := range leases {
		if !tracked[id] {
			rep.Orphaned = append(rep.Orphaned, id)
			unsubs = append(unsubs, action{mode: twitchapi.ModeUnsubscribe, identityID: id, topic: lease.Topic, callback: lease.Callback})
		}
	}

	if len(rep.Missing) > 0 {
		logger.Info("no subscription for identities", slog.Any("identities", sorted(rep.Missing)))
	}
	if len(rep.Expiring) > 0 {
		logger.Info("outdated subscriptions", slog.Any("identities", sorted(rep.Expiring)))
	}
	if len(rep.Orphaned) > 0 {
		logger.Info("subscriptions without bindings", slog.Any("identities", sorted(rep.Orphaned)))
	}

	rep.Unsubscribed = m.runBatch(ctx, unsubs, rep.Failed)
	rep.Subscribed = m.runBatch(ctx, subsToPost, rep.Failed)

	for _, s := range [][]string{rep.Missing, rep.Expiring, rep.Orphaned, rep.Current} {
		sort.Strings(s)
	}
	d := m.now().Sub(start)
	telemetry.ObserveReconcile(true, d)
	logger.Info("subscriptions reconciled",
		slog.Int("current", len(rep.Current)),
		slog.Int("subscribed", len(rep.Subscribed)),
		slog.Int("unsubscribed", len(rep.Unsubscribed)),
		slog.Int("failed", len(rep.Failed)),
		slog.Duration("duration", d))
	return rep, nil
}

// Subscribe creates leases for ids immediately, without waiting for the next pass.
func (m *Manager) Subscribe(ctx context.Context, ids ...string) error {
	acts := make([]action, 0, len(ids))
	for _, id := range ids {
		acts = append(acts, m.subscribeAction(id))
	}
	return m.runAll(ctx, acts)
}

// Unsubscribe cancels the leases of ids immediately.
func (m *Manager) Unsubscribe(ctx context.Context, ids ...string) error {
	acts := make([]action, 0, len(ids))
	for _, id := range ids {
		acts = append(acts, action{
			mode:       twitchapi.ModeUnsubscribe,
			identityID: id,
			topic:      StreamChanged.URI(m.opts.TopicBase, id),
			callback:   StreamChanged.Callback(m.opts.CallbackBase, id),
		})
	}
	return m.runAll(ctx, acts)
}

func (m *Manager) runAll(ctx context.Context, acts []action) error {
	failed := map[string]error{}
	m.runBatch(ctx, acts, failed)
	errs := make([]error, 0, len(failed))
	for id, err := range failed {
		errs = append(errs, fmt.Errorf("%s: %w", id, err))
	}
	return errors.Join(errs...)
}

func (m *Manager) subscribeAction(id string) action {
	return action{
		mode:       twitchapi.ModeSubscribe,
		identityID: id,
		topic:      StreamChanged.URI(m.opts.TopicBase, id),
		callback:   StreamChanged.Callback(m.opts.CallbackBase, id),
	}
}

// indexLeases maps identity id to lease. Duplicates should not exist; the
// earliest expiring one is kept so renewal happens sooner rather than later.
func (m *Manager) indexLeases(subs []twitchapi.Subscription) map[string]twitchapi.Subscription {
	out := make(map[string]twitchapi.Subscription, len(subs))
	for _, s := range subs {
		id, ok := StreamChanged.ParseURI(s.Topic)
		if !ok {
			slog.Debug("ignoring lease for unknown topic", slog.String("topic", s.Topic), slog.String("component", "subscription"))
			continue
		}
		if prev, dup := out[id]; dup {
			slog.Warn("duplicate lease for identity",
				slog.String("identity_id", id),
				slog.Time("kept_expires_at", earliest(prev, s).ExpiresAt),
				slog.String("component", "subscription"))
			telemetry.ObserveDuplicateLease()
			out[id] = earliest(prev, s)
			continue
		}
		out[id] = s
	}
	return out
}

func earliest(a, b twitchapi.Subscription) twitchapi.Subscription {
	if b.ExpiresAt.Before(a.ExpiresAt) {
		return b
	}
	return a
}

// runBatch performs acts with bounded concurrency. It returns the identity ids
// confirmed by a handshake and stores failures in failed.
func (m *Manager) runBatch(ctx context.Context, acts []action, failed map[string]error) []string {
	if len(acts) == 0 {
		return nil
	}
	var (
		mu sync.Mutex
		ok []string
		g  errgroup.Group
	)
	g.SetLimit(m.opts.Concurrency)
	for _, a := range acts {
		g.Go(func() error {
			err := m.perform(ctx, a)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[a.identityID] = err
				return nil
			}
			ok = append(ok, a.identityID)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(ok)
	return ok
}

// perform posts one hub action and waits for its handshake.
func (m *Manager) perform(ctx context.Context, a action) error {
	logger := slog.Default().With(
		slog.String("mode", a.mode),
		slog.String("identity_id", a.identityID),
		slog.String("component", "subscription"))

	done, cancel := m.pending.Register(a.mode, a.topic)
	defer cancel()

	req := twitchapi.HubRequest{
		Mode:     a.mode,
		Topic:    a.topic,
		Callback: a.callback,
		Secret:   m.opts.Secret,
	}
	if a.mode == twitchapi.ModeSubscribe {
		req.LeaseSeconds = m.opts.LeaseSeconds
	}
	if err := m.hub.PostHub(ctx, req); err != nil {
		logger.Warn("hub request failed", slog.Bool("transient", twitchapi.IsTransient(err)), slog.Any("err", err))
		telemetry.ObserveLeaseAction(a.mode, "error")
		return err
	}

	timer := time.NewTimer(m.opts.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-done:
		logger.Info("hub action confirmed", slog.String("topic", a.topic))
		telemetry.ObserveLeaseAction(a.mode, "confirmed")
		return nil
	case <-timer.C:
		logger.Warn("hub handshake timed out", slog.Duration("timeout", m.opts.HandshakeTimeout))
		telemetry.ObserveLeaseAction(a.mode, "timeout")
		return ErrHandshakeTimeout
	case <-ctx.Done():
		telemetry.ObserveLeaseAction(a.mode, "error")
		return ctx.Err()
	}
}

func sorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
