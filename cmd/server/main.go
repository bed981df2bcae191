package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sofia/internal/api"
	"sofia/internal/chat"
	"sofia/internal/config"
	"sofia/internal/metrics"
	"sofia/internal/providers/registry"
	"sofia/internal/queue"
	"sofia/internal/storage"
	"sofia/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("provider", cfg.Provider.Kind).
		Str("model", cfg.Provider.Model).
		Str("db_driver", cfg.DB.Driver).
		Msg("starting sofia")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	m := metrics.Global()
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	if err := jobQueue.EnsureGroup(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to create job consumer group")
	}

	errCh := make(chan error, 2)

	var handler http.Handler
	if cfg.AppMode == config.ModeServer || cfg.AppMode == config.ModeAll {
		provider, err := registry.Build(registry.BuildOptions{
			Kind:    cfg.Provider.Kind,
			BaseURL: cfg.Provider.BaseURL,
			APIKey:  cfg.Provider.APIKey,
			Config: map[string]any{
				"endpoint":      cfg.Provider.Endpoint,
				"body_template": cfg.Provider.BodyTemplate,
			},
			HTTPClient:  &http.Client{Timeout: cfg.HTTP.ClientTimeout},
			MaxRetries:  cfg.HTTP.MaxRetries,
			BackoffBase: cfg.HTTP.BackoffBase,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build provider")
		}

		srv := api.New(api.Config{
			Store:          store,
			Usage:          queue.NewUsageLedger(rdb),
			Sessions:       queue.NewSessionStore(rdb, cfg.Auth.SessionTTL),
			Verify:         queue.NewVerificationTokens(rdb, cfg.Auth.VerificationTTL),
			Dedupe:         queue.NewDeduplicator(rdb, cfg.Redis.DedupeTTL),
			Jobs:           jobQueue,
			Provider:       provider,
			Model:          cfg.Provider.Model,
			SystemPrompt:   cfg.Provider.SystemPrompt,
			MaxTokens:      cfg.Provider.MaxTokens,
			Temperature:    cfg.Provider.Temperature,
			Limits:         chat.UsageLimits{Messages: cfg.Usage.FreeMessages, WebSearches: cfg.Usage.FreeWebSearches},
			AdminEmails:    cfg.Auth.AdminEmails,
			CookieSecure:   cfg.Auth.CookieSecure,
			PublicURL:      cfg.Auth.PublicURL,
			MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
			LoginPerMinute: cfg.Auth.LoginPerMinute,
			HealthPath:     cfg.HTTP.HealthPath,
			MetricsPath:    cfg.HTTP.MetricsPath,
			StaticDir:      cfg.HTTP.StaticDir,
			Logger:         log.Logger,
			Metrics:        m,
		})
		handler = srv.Routes()
	} else {
		mux := http.NewServeMux()
		mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
		handler = mux
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Users:         store,
			Queue:         jobQueue,
			Mailer:        worker.NewLogMailer(log.Logger),
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
