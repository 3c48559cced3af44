package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"festa-bot/internal/cache"
	"festa-bot/internal/config"
	"festa-bot/internal/convo"
	"festa-bot/internal/httpserver"
	"festa-bot/internal/logging"
	"festa-bot/internal/metrics"
	"festa-bot/internal/repo"
	"festa-bot/internal/wa"
	"festa-bot/internal/wapi"
	"festa-bot/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting festa-bot", "env", cfg.AppEnv, "db_driver", cfg.DatabaseDriver, "device_mode", cfg.DeviceMode())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	checks := map[string]httpserver.Pinger{"database": repository}
	var deduper convo.Deduper = repository
	if cfg.RedisAddr == "" {
		go pruneProcessedMessages(ctx, repository, logger)
	} else {
		redisClient := cache.New(cache.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			UseTLS:    cfg.RedisTLS,
			DedupeTTL: cfg.DedupeTTL,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		deduper = redisClient
		checks["redis"] = redisClient
	}

	var sender convo.Sender
	var device *wa.Client
	if cfg.DeviceMode() {
		device, err = wa.New(ctx, wa.Config{
			StorePath:  cfg.WhatsAppStorePath,
			LogLevel:   cfg.WhatsAppLogLevel,
			InstanceID: cfg.WhatsAppInstanceID,
			Metrics:    metricRegistry,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer device.Close()
		sender = device
	} else {
		sender = wapi.New(wapi.Config{
			BaseURL:  cfg.ProviderBaseURL,
			SendPath: cfg.ProviderSendPath,
			Timeout:  cfg.ProviderTimeout,
		}, logger, metricRegistry)
	}

	engine := convo.NewEngine(convo.Deps{
		Store:   repository,
		Sender:  sender,
		Dedupe:  deduper,
		Metrics: metricRegistry,
		Logger:  logger,
	})

	if device != nil {
		device.SetProcessor(engine)
		go func() {
			if err := device.Start(ctx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
				stop()
			}
		}()
	}

	webhookHandler := wapi.NewWebhookHandler(logger, metricRegistry, cfg.WebhookToken, engine)
	if cfg.WebhookToken == "" {
		logger.Warn("webhook token not configured, accepting unauthenticated callbacks")
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		WhatsAppWebhook: webhookHandler,
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Checks:     checks,
		Rewaker:    engine,
		AdminToken: cfg.AdminToken,
	})
	logger.Info("webhook endpoint ready", "path", strings.TrimRight(cfg.PublicBasePath, "/")+"/webhook/whatsapp")

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	if cfg.DatabaseDriver == config.DriverSQLite {
		r, err := repo.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		r.SetDedupeTTL(cfg.DedupeTTL)
		return r, nil
	}
	r, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return nil, err
	}
	r.SetDedupeTTL(cfg.DedupeTTL)
	return r, nil
}

// pruneProcessedMessages drops expired message ids until ctx is done.
func pruneProcessedMessages(ctx context.Context, r repo.Repository, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := r.PruneProcessedMessages(ctx)
		if err != nil {
			logger.Warn("prune processed messages failed", "error", err)
			continue
		}
		if n > 0 {
			logger.Debug("processed messages pruned", "count", n)
		}
	}
}
