package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/tesence/discord-bot/bindings"
	"github.com/tesence/discord-bot/config"
	"github.com/tesence/discord-bot/crypto"
	"github.com/tesence/discord-bot/db"
	"github.com/tesence/discord-bot/discord"
	"github.com/tesence/discord-bot/presence"
	"github.com/tesence/discord-bot/subscription"
	"github.com/tesence/discord-bot/tracking"
	"github.com/tesence/discord-bot/twitchapi"
	"github.com/tesence/discord-bot/webhook"
)

// app holds the wired components of a running relay.
type app struct {
	db      *sql.DB
	store   bindings.Store
	client  *twitchapi.Client
	helix   *twitchapi.HelixClient
	pending *subscription.Pending

	callbackBase string
	manager      *subscription.Manager
	bot          *discord.Bot
	engine       *presence.Engine
	tracker      *tracking.Service
	webhook      *webhook.Server

	closers []func() error
}

// newApp opens the binding store and builds the Twitch clients.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{pending: subscription.NewPending()}

	switch cfg.BindingBackend {
	case config.BackendPostgres:
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, database.Close)
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			a.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.db = database
		a.store = bindings.NewPostgresStore(database)
	default:
		slog.Warn("using in-memory binding store, bindings are lost on restart", slog.String("component", "bindings"))
		a.store = bindings.NewMemoryStore()
	}

	a.client = twitchapi.NewClient(twitchapi.ClientOptions{
		Capacity: cfg.RateCapacity,
		Per:      cfg.RatePeriod,
		Timeout:  cfg.HTTPTimeout,
	})
	a.helix = &twitchapi.HelixClient{
		BaseURL: cfg.TwitchAPIURL,
		Client:  a.client,
		Tokens: &twitchapi.TokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			TokenURL:     cfg.TwitchAuthURL,
			Client:       a.client,
		},
	}
	return a, nil
}

// wire resolves the callback base, connects to Discord and builds the
// presence pipeline.
func (a *app) wire(ctx context.Context, cfg *config.Config) error {
	a.callbackBase = cfg.WebhookExternalHost
	if a.callbackBase == "" {
		host, err := webhook.ResolveExternalHost(ctx, a.client, "", cfg.WebhookPort)
		if err != nil {
			return fmt.Errorf("resolve external host (set TWITCH_WEBHOOK_EXTERNAL_HOST to skip): %w", err)
		}
		a.callbackBase = host
		slog.Info("external host resolved", slog.String("callback_base", host))
	}

	a.manager = subscription.NewManager(a.helix, a.pending, subscription.Options{
		TopicBase:        cfg.TwitchAPIURL,
		CallbackBase:     a.callbackBase,
		Secret:           cfg.WebhookSecret,
		LeaseSeconds:     cfg.LeaseSeconds,
		HandshakeTimeout: cfg.HandshakeTimeout,
		RenewThreshold:   cfg.RenewThreshold,
	})

	bot, err := discord.Open(cfg.DiscordToken)
	if err != nil {
		return err
	}
	a.bot = bot
	a.closers = append(a.closers, bot.Close)

	a.engine = presence.NewEngine(a.store, discord.NewClient(bot.Session, a.store), presence.Options{
		Policy:   presence.Policy{RecentWindow: cfg.RecentWindow, StaleLifespan: cfg.StaleLifespan},
		Enricher: a.helix,
	})
	a.tracker = tracking.NewService(a.store, a.helix, a.manager, a.engine)
	bot.OnChannelDelete(ctx, func(ctx context.Context, channelID string) {
		if err := a.tracker.RemoveChannel(ctx, channelID); err != nil {
			slog.Error("failed to drop bindings of deleted channel", slog.String("channel_id", channelID), slog.Any("err", err))
		}
	})

	var dedup webhook.Deduper
	switch cfg.DedupBackend {
	case config.BackendRedis:
		rd, err := webhook.NewRedisDeduper(ctx, cfg.RedisURL, 0)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rd.Close)
		dedup = rd
	default:
		dedup = webhook.NewRingDeduper(cfg.DedupSize)
	}

	signer, err := crypto.NewHMACSigner(cfg.WebhookSecret)
	if err != nil {
		return err
	}
	a.webhook = &webhook.Server{
		Signer:    signer,
		Dedup:     dedup,
		Pending:   a.pending,
		Sink:      a.engine,
		TopicBase: cfg.TwitchAPIURL,
	}
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Error("failed to close resource", slog.Any("err", err))
		}
	}
	a.closers = nil
}
