package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/presence-relay/config"
	"github.com/mossy-p/presence-relay/internal/fallback"
	"github.com/mossy-p/presence-relay/internal/handlers"
	"github.com/mossy-p/presence-relay/internal/middleware"
	"github.com/mossy-p/presence-relay/internal/presence"
	"github.com/mossy-p/presence-relay/internal/queue"
	"github.com/mossy-p/presence-relay/internal/reaper"
	"github.com/mossy-p/presence-relay/internal/redis"
	"github.com/mossy-p/presence-relay/internal/registry"
	"github.com/mossy-p/presence-relay/internal/relay"
	"github.com/mossy-p/presence-relay/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "signaling",
		Short:        "Presence, room membership and signaling relay",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to relay.yaml")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().String("port", "", "listen port (overrides PORT)")
	serveCmd.Flags().String("environment", "", "development or production (overrides ENVIRONMENT)")

	var (
		subject string
		ttl     time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(nil, configFile)
			if err != nil {
				return err
			}
			tok, err := middleware.IssueToken(cfg.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "ops", "token subject")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	root.AddCommand(serveCmd, tokenCmd)
	// Running the binary without a subcommand serves.
	root.RunE = serveCmd.RunE
	root.Flags().AddFlagSet(serveCmd.Flags())
	return root
}

func newLogger(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()
	logger.Info("Redis connection established", zap.String("addr", cfg.Redis.Addr()))

	metrics := telemetry.New()
	store := presence.NewRedisStore(client, presence.Options{
		PeerTTL: cfg.Relay.PeerTTL,
		RoomTTL: cfg.Relay.RoomTTL,
	}, logger.Named("presence"))
	pending := queue.New(client, cfg.Relay.PendingTTL, logger.Named("queue"))

	rel := relay.New(store, pending, registry.New(), relay.Options{
		GracePeriod:       cfg.Relay.GracePeriod,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		Metrics:           metrics,
	}, logger.Named("relay"))
	defer rel.Shutdown()

	hub := fallback.NewHub(rel, fallback.Options{
		MailboxSize: cfg.Fallback.MailboxSize,
		IdleTimeout: cfg.Fallback.IdleTimeout,
		Metrics:     metrics,
	}, logger.Named("fallback"))

	rp := reaper.New(pending, store, reaper.Options{
		Interval:       cfg.Relay.ReaperInterval,
		StaleThreshold: cfg.Relay.StaleThreshold,
		Notifier:       rel,
		IdleCloser:     hub,
		Metrics:        metrics,
	}, logger.Named("reaper"))
	go rp.Run(ctx)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.New(handlers.Deps{
		Relay:    rel,
		Fallback: hub,
		Store:    store,
		Pending:  pending,
		Reaper:   rp,
		Logger:   logger,
	})
	router := handlers.NewRouter(h, handlers.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting signaling relay", zap.String("port", cfg.Port), zap.String("environment", cfg.Environment))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
