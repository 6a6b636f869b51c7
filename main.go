package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pix-billing/internal/access"
	"pix-billing/internal/charge"
	"pix-billing/internal/config"
	"pix-billing/internal/confirmation"
	"pix-billing/internal/db"
	"pix-billing/internal/kafka"
	"pix-billing/internal/logging"
	"pix-billing/internal/metrics"
	"pix-billing/internal/outbox"
	"pix-billing/internal/plancache"
	"pix-billing/internal/provider"
	"pix-billing/internal/reconcile"
	"pix-billing/internal/server"
	"pix-billing/internal/verify"
	"pix-billing/internal/webhook"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "pix-billing",
		Short:        "PIX payment confirmation and subscription activation service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(outboxCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds everything the commands share.
type app struct {
	cfg           *config.Config
	logger        *slog.Logger
	pool          *pgxpool.Pool
	redis         *redis.Client
	payments      *db.PaymentRepository
	webhooks      *db.WebhookEventRepository
	subscriptions *db.SubscriptionRepository
	events        *db.SubscriptionEventRepository
	plans         *plancache.Cache
	provider      *provider.Client
	machine       *confirmation.Machine
}

func newApp() (*app, error) {
	cfg := config.MustLoadConfig(configPath)
	logger := logging.GetLogger(cfg.Logs)
	slog.SetDefault(logger)

	metrics.Setup(cfg.Metrics, logger)

	pool, err := db.GetPool(cfg.Database.ConnStr())
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:           cfg,
		logger:        logger,
		pool:          pool,
		payments:      db.NewPaymentRepository(pool),
		webhooks:      db.NewWebhookEventRepository(pool),
		subscriptions: db.NewSubscriptionRepository(pool),
		events:        db.NewSubscriptionEventRepository(pool),
		provider:      provider.NewClient(cfg.Provider, logger),
	}

	ttl := time.Duration(cfg.PlanCache.TTLMs) * time.Millisecond
	if cfg.Redis.Enabled() {
		a.redis = plancache.NewRedisClient(cfg.Redis)
		a.plans = plancache.New(db.NewPlanRepository(pool), a.redis, ttl, logger)
	} else {
		a.plans = plancache.New(db.NewPlanRepository(pool), nil, ttl, logger)
	}

	a.machine = confirmation.NewMachine(a.payments, a.subscriptions, a.events, a.plans, cfg.Subscription, logger)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Error closing redis client", "error", err)
		}
	}
	a.pool.Close()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the reconciler and outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if !skipMigrations {
				if err := db.RunMigrations(a.cfg.Database.ConnStr()); err != nil {
					return err
				}
			}

			workflow, err := charge.NewWorkflow(a.provider, a.payments, a.plans, a.cfg.Provider, a.logger)
			if err != nil {
				return err
			}
			guard := access.NewGuard(a.cfg.Auth.Superadmins, db.NewTenantAdminRepository(a.pool),
				a.cfg.Subscription.UnclaimedTenantID)

			ctx, stop := signalContext()
			defer stop()

			if a.cfg.Reconcile.Enabled {
				reconcile.NewReconciler(a.payments, a.subscriptions, a.provider, a.machine, a.cfg.Reconcile, a.logger).
					Start(ctx)
			}

			if a.cfg.Kafka.Broker.URL != "" {
				writer := kafka.NewWriter(a.cfg.Kafka)
				defer writer.Close()
				outbox.NewProducer(a.events, writer, a.cfg.Outbox, a.logger).Start(ctx)
			} else {
				a.logger.Warn("kafka.broker.url is empty, subscription events stay in the outbox")
			}

			srv := server.New(a.cfg, server.Deps{
				Charges:        workflow,
				Webhooks:       webhook.NewIngestor(a.cfg.Webhook, a.webhooks, a.machine, a.logger),
				Payments:       verify.NewVerifier(a.payments, a.provider, guard, a.machine, a.logger),
				LimiterStorage: server.NewLimiterStorage(a.cfg.Redis),
			}, a.logger)

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("HTTP server listening", "port", a.cfg.Server.Port)
				errCh <- srv.Listen()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on startup")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.MustLoadConfig(configPath)
			if err := db.RunMigrations(cfg.Database.ConnStr()); err != nil {
				log.Fatal(err)
			}
			log.Println("Migrations applied")
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check stale pending payments against the provider once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			summary := reconcile.NewReconciler(a.payments, a.subscriptions, a.provider, a.machine, a.cfg.Reconcile, a.logger).
				RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d confirmed=%d pending=%d failed=%d expired=%d\n",
				summary.Checked, summary.Confirmed, summary.Pending, summary.Failed, summary.Expired)
			return nil
		},
	}
}

func outboxCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Relay subscription events to Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Kafka.Broker.URL == "" {
				return fmt.Errorf("kafka.broker.url is required")
			}
			writer := kafka.NewWriter(a.cfg.Kafka)
			defer writer.Close()

			ctx, stop := signalContext()
			defer stop()

			producer := outbox.NewProducer(a.events, writer, a.cfg.Outbox, a.logger)
			if once {
				producer.Process(ctx)
				return nil
			}

			producer.Start(ctx)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "publish one batch and exit")
	return cmd
}
