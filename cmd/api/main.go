package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"brandlift/api/internal/app"
	"brandlift/api/internal/config"
	"brandlift/api/internal/media"
	"brandlift/api/internal/notify"
	"brandlift/api/internal/store"
	"brandlift/api/internal/suggest"
	"brandlift/api/internal/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "brandlift-api",
		Short: "Brand Lift study authoring and approval API",
		// A bare invocation serves, matching the container entrypoint.
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Apply pending migrations and serve the HTTP API",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE:  runMigrate,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// bootstrap loads config, builds the logger and opens the database. check
// runs before anything is touched.
func bootstrap(ctx context.Context, check func(config.Config) error) (config.Config, *zap.Logger, *store.PostgresStore, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}
	if check != nil {
		if err := check(cfg); err != nil {
			return config.Config{}, nil, nil, nil, err
		}
	}
	logger, err := newLogger(cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, nil, nil, fmt.Errorf("build logger: %w", err)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = logger.Sync()
		return config.Config{}, nil, nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir))
	if err != nil {
		_ = db.Close()
		_ = logger.Sync()
		return config.Config{}, nil, nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	for _, version := range applied {
		logger.Info("migration applied", zap.String("version", version))
	}

	cleanup := func() {
		_ = db.Close()
		_ = logger.Sync()
	}
	return cfg, logger, store.NewPostgresStore(db), cleanup, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	_, logger, _, cleanup, err := bootstrap(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer cleanup()
	logger.Info("migrations up to date")
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, dataStore, cleanup, err := bootstrap(ctx, config.Config.ValidateServe)
	if err != nil {
		return err
	}
	defer cleanup()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, "brandlift-api")
	if err != nil {
		return err
	}

	mailer := notify.NewMailer(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !cfg.SMTPConfigured() {
		logger.Warn("SMTP not configured, approval notifications will be skipped")
	}
	dispatcher := notify.NewDispatcher(mailer, logger, cfg.NotifyTimeout, cfg.AppURL)

	var backend suggest.Backend
	if strings.TrimSpace(cfg.OpenAIKey) != "" {
		backend = suggest.NewOpenAIBackend(suggest.OpenAIConfig{
			APIKey:  cfg.OpenAIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		})
		logger.Info("question suggestions use the language model", zap.String("model", cfg.OpenAIModel))
	}
	var cache suggest.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := suggest.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisCache.Close()
		cache = redisCache
	}
	suggester := suggest.NewService(backend, cache, cfg.SuggestTimeout, cfg.SuggestCacheTTL, logger)

	// A typed nil would defeat the service's nil check, so the interface
	// stays unset when storage is not configured.
	var mediaStore app.MediaStore
	if cfg.MediaConfigured() {
		objects, err := media.New(media.Config{
			Endpoint:      cfg.MediaEndpoint,
			AccessKey:     cfg.MediaAccessKey,
			SecretKey:     cfg.MediaSecretKey,
			Bucket:        cfg.MediaBucket,
			UseSSL:        cfg.MediaUseSSL,
			PublicBaseURL: cfg.MediaPublicBaseURL,
		})
		if err != nil {
			return fmt.Errorf("media storage: %w", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.Warn("media bucket check failed", zap.Error(err))
		}
		mediaStore = objects
	} else {
		logger.Warn("media storage not configured, option image uploads are disabled")
	}

	service := app.New(dataStore, dispatcher, suggester, mediaStore, app.TokenConfig{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
	}, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Brand Lift API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Warn("pending notifications abandoned", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("trace flush failed", zap.Error(err))
	}
	return nil
}
