package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"angira/api/internal/app"
	"angira/api/internal/assistant"
	"angira/api/internal/auth"
	"angira/api/internal/chat"
	"angira/api/internal/config"
	"angira/api/internal/files"
	"angira/api/internal/logging"
	"angira/api/internal/realtime"
	"angira/api/internal/session"
	"angira/api/internal/store"
)

const shutdownTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "angira-api",
		Short:         "Angira realtime chat API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), config.Load())
		},
	}
	cmd.AddCommand(newServeCmd(), newMigrateCmd(), newTokenCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), config.Load())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger := logging.New(cfg.LogLevel, cfg.LogFormat)

			db, err := store.Open(cmd.Context(), cfg.DatabaseURL, store.DefaultPoolOptions())
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			applied, err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir)
			if err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			logger.Info("migrations applied", "count", len(applied), "versions", applied)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	params := &struct {
		UserID int64
		TTL    time.Duration
	}{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if params.UserID <= 0 {
				return errors.New("--user-id is required")
			}
			cfg := config.Load()
			ttl := params.TTL
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), params.UserID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&params.UserID, "user-id", 0, "user id to embed in the token")
	cmd.Flags().DurationVar(&params.TTL, "ttl", 0, "token lifetime (defaults to JWT_TTL_SECONDS)")
	return cmd
}

func runServe(parent context.Context, cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "versions", applied)
	}

	dataStore := store.NewPostgresStore(db)

	var presigner files.Presigner
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		client, err := files.NewMinioClient(files.MinioOptions{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return err
		}
		presigner = client
		logger.Info("attachment links enabled", "endpoint", cfg.MinioEndpoint, "bucket", cfg.MinioBucket)
	}
	resolver := files.NewResolver(dataStore, presigner, cfg.MinioBucket, cfg.FileURLTTL)

	hub := realtime.NewHub(logger.With("component", "hub"))
	gateway := chat.NewGateway(dataStore, resolver)
	authenticator := auth.NewAuthenticator(cfg.JWTSecret, dataStore)
	scheduler := assistant.NewScheduler(assistant.MockModel{}, gateway, hub, assistant.Options{
		ReplyLatency:   assistant.Jitter{Base: cfg.ReplyDelay, Spread: cfg.ReplyJitter},
		FeatureLatency: assistant.Jitter{Base: cfg.FeatureDelay, Spread: cfg.FeatureJitter},
		PersistTimeout: cfg.PersistTimeout,
		Logger:         logger.With("component", "assistant"),
	})

	socketOpts := realtime.Options{
		AllowedOrigin:  cfg.CORSOrigin,
		ReadLimit:      cfg.WSReadLimit,
		PongWait:       cfg.WSPongWait,
		HandlerTimeout: cfg.PersistTimeout,
		PresenceTTL:    cfg.PresenceTTL,
		Attachments:    resolver,
		Logger:         logger.With("component", "realtime"),
	}
	deps := app.Deps{
		Store:    dataStore,
		Auth:     authenticator,
		Messages: gateway,
		Files:    resolver,
		Hub:      hub,
		Logger:   logger,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		presence, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer presence.Close()
		socketOpts.Presence = presence
		deps.Presence = presence
		logger.Info("presence mirrored to redis")
	}

	socket := realtime.NewServer(hub, authenticator, gateway, scheduler, socketOpts)
	httpServer := app.NewHTTPServer(app.New(deps), socket, cfg.CORSOrigin, logger.With("component", "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Angira API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		// Hijacked sockets are not covered by Shutdown.
		hub.Close()
		if err := scheduler.Close(shutdownCtx); err != nil {
			logger.Error("assistant drain incomplete", "in_flight", scheduler.InFlight(), "error", err)
		}
		return nil
	})
	return g.Wait()
}
