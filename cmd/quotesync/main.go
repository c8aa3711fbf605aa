package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rewired-gh/quotesync/internal/config"
	"github.com/rewired-gh/quotesync/internal/engine"
	"github.com/rewired-gh/quotesync/internal/logger"
	"github.com/rewired-gh/quotesync/internal/notify"
	"github.com/rewired-gh/quotesync/internal/storage"
	"github.com/rewired-gh/quotesync/internal/telegram"
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

	store := storage.Open(cfg.Storage.DBPath)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	var sinks []notify.Sink
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		sinks = append(sinks, telegramClient)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	eng, err := engine.New(cfg, engine.Deps{Storage: store, Sinks: sinks})
	if err != nil {
		logger.Fatal("Failed to initialize engine: %v", err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if telegramClient != nil {
		telegramClient.SetStatus(eng.Status)
		telegramClient.ListenForCommands(ctx)
	}

	logger.Info("Starting quotesync (api: %s, stream: %s)", cfg.API.BaseURL, cfg.Stream.URL)
	if err := eng.Run(ctx); err != nil {
		logger.Error("Engine exited: %v", err)
		return
	}
	logger.Info("Shutdown complete")
}
