package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tesence/discord-bot/config"
	"github.com/tesence/discord-bot/crypto"
	"github.com/tesence/discord-bot/db"
	"github.com/tesence/discord-bot/scheduler"
	"github.com/tesence/discord-bot/server"
	"github.com/tesence/discord-bot/subscription"
	"github.com/tesence/discord-bot/telemetry"
	"github.com/tesence/discord-bot/webhook"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Announce Twitch streams in Discord channels",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newSubscriptionsCmd(), newSecretCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(ctx, "stream-relay", version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", slog.Any("err", err))
		}
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.wire(ctx, cfg); err != nil {
		return err
	}

	// The callback endpoint must be reachable before the first lease request.
	ln, err := net.Listen("tcp", cfg.WebhookListenAddr())
	if err != nil {
		return fmt.Errorf("listen webhook %s: %w", cfg.WebhookListenAddr(), err)
	}
	go func() {
		if err := webhook.Serve(ctx, a.webhook.Handler(), ln); err != nil {
			slog.Error("webhook server exited with error", slog.Any("err", err))
		}
	}()
	go func() {
		deps := server.Deps{DB: a.db, Tracker: a.tracker, Presence: a.engine, Pending: a.pending, Version: version}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	sched := scheduler.New(ctx)
	if err := sched.Every("reconcile", cfg.RenewInterval, cfg.RenewInterval, func(ctx context.Context) error {
		_, err := a.tracker.Reconcile(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := sched.Every("sweep", cfg.SweepInterval, cfg.SweepInterval, func(ctx context.Context) error {
		a.engine.Sweep(ctx)
		return nil
	}); err != nil {
		return err
	}
	go sched.RunNow()
	sched.Start()
	slog.Info("relay started",
		slog.String("callback_base", a.callbackBase),
		slog.String("webhook_addr", cfg.WebhookListenAddr()),
		slog.String("http_addr", cfg.HTTPAddr))

	<-ctx.Done()
	slog.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	sched.Stop(stopCtx)
	a.engine.Wait()
	return nil
}

func newMigrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations, or roll back the latest one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			database, err := db.Connect(cmd.Context(), cfg.DBDsn)
			if err != nil {
				return err
			}
			defer func() {
				if err := database.Close(); err != nil {
					slog.Error("failed to close database", slog.Any("err", err))
				}
			}()
			if down {
				err = db.MigrateDown(database)
			} else {
				err = db.RunMigrations(database)
			}
			if err != nil {
				return err
			}
			v, dirty, err := db.GetMigrationVersion(database)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%v)\n", v, dirty)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the latest migration")
	return cmd
}

func newSubscriptionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscriptions",
		Short: "List hub leases and tracked identities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			subs, err := a.helix.ListSubscriptions(ctx)
			if err != nil {
				return fmt.Errorf("list subscriptions: %w", err)
			}
			idents, err := a.store.ListIdentities(ctx)
			if err != nil {
				return fmt.Errorf("list identities: %w", err)
			}
			leases := map[string]time.Time{}
			for _, s := range subs {
				if id, ok := subscription.StreamChanged.ParseURI(s.Topic); ok {
					leases[id] = s.ExpiresAt
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tLOGIN\tLEASE EXPIRES")
			seen := map[string]bool{}
			for _, ident := range idents {
				seen[ident.ID] = true
				exp := "missing"
				if t, ok := leases[ident.ID]; ok {
					exp = t.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", ident.ID, ident.Login, exp)
			}
			var orphans []string
			for id := range leases {
				if !seen[id] {
					orphans = append(orphans, id)
				}
			}
			sort.Strings(orphans)
			for _, id := range orphans {
				fmt.Fprintf(tw, "%s\t(untracked)\t%s\n", id, leases[id].Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newSecretCmd() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Print a random value for TWITCH_WEBHOOK_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := crypto.GenerateSecret(size)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "bytes", 32, "random bytes before hex encoding")
	return cmd
}
