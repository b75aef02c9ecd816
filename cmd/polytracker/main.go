package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/polytracker/internal/backend"
	"github.com/rewired-gh/polytracker/internal/config"
	"github.com/rewired-gh/polytracker/internal/dashboard"
	"github.com/rewired-gh/polytracker/internal/logger"
	"github.com/rewired-gh/polytracker/internal/observability"
	"github.com/rewired-gh/polytracker/internal/server"
	"github.com/rewired-gh/polytracker/internal/storage"
	"github.com/rewired-gh/polytracker/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.MaxSnapshots, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	metrics := observability.NewMetrics()

	backendClient := backend.NewClient(cfg.Backend.APIURL, backend.ClientConfig{
		Timeout:        cfg.Backend.Timeout,
		MaxRetries:     cfg.Backend.MaxRetries,
		RetryDelayBase: cfg.Backend.RetryDelayBase,
		Observer:       metrics,
	})

	svc := dashboard.New(backendClient, store, metrics, dashboard.Config{
		CollectDelay:   cfg.Backend.CollectDelay,
		AssertOrdering: cfg.Leaderboard.AssertOrdering,
		Location:       cfg.Location(),
	})

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		svc.SetNotifier(telegramClient)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg.Server.Addr, svc, store, server.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		AccessLog:   logger.AccessWriter(),
	})
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed: %v", err)
			stop()
		}
	}()

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx, svc)
	}

	logger.Info("Starting dashboard refresh loop (interval: %v, timezone: %s, assert_ordering: %t)",
		cfg.Backend.PollInterval,
		cfg.Align.Timezone,
		cfg.Leaderboard.AssertOrdering,
	)

	ticker := time.NewTicker(cfg.Backend.PollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	handleCycleResult := func(err error) {
		if err != nil && ctx.Err() != nil {
			return // cancelled by shutdown
		}
		if err != nil {
			consecutiveFailures++
			logger.Error("Refresh cycle failed: %v", err)
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
			return
		}
		if consecutiveFailures > 0 && telegramClient != nil {
			if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
				logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
			}
		}
		consecutiveFailures = 0
	}

	runCycle := func() error {
		_, err := svc.Refresh(ctx)
		return err
	}

	logger.Debug("Running initial refresh")
	handleCycleResult(runCycle())

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, cleaning up...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP server shutdown: %v", err)
			}
			cancel()
			logger.Info("Service stopped")
			return

		case <-ticker.C:
			logger.Debug("Starting scheduled refresh")
			handleCycleResult(runCycle())
			if err := store.RotateSnapshots(); err != nil {
				logger.Warn("Failed to rotate snapshots: %v", err)
			}
		}
	}
}
