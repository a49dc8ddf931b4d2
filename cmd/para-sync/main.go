package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/parakit/para-sync/internal/config"
	"github.com/parakit/para-sync/internal/logging"
	"github.com/parakit/para-sync/internal/realtime"
	"github.com/parakit/para-sync/internal/state"
	"github.com/parakit/para-sync/internal/store"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("para-sync starting",
		slog.String("version", Version),
		slog.String("sync_host", cfg.SyncHost),
		slog.String("principal", cfg.PrincipalID),
	)

	rules, err := config.LoadMergeRules(cfg.RulesFile)
	if err != nil {
		return fmt.Errorf("loading merge rules: %w", err)
	}

	journal, err := state.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer journal.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	items := store.NewClient(cfg.APIBaseURL, cfg.Token, nil)

	engine := realtime.New(realtime.Config{
		Conn: realtime.ConnManagerConfig{
			Host:   cfg.SyncHost,
			Token:  cfg.Token,
			Device: cfg.DeviceName,
		},
		Rules: rules,
	}, items, journal, logger)
	defer engine.Close()

	logConsumer(engine, logger)

	if err := engine.Connect(ctx, cfg.PrincipalID); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	return engine.Run(ctx)
}

// logConsumer subscribes to the engine's topics and logs what a UI layer
// would surface as notifications.
func logConsumer(engine *realtime.Engine, logger *slog.Logger) {
	engine.On(realtime.TopicRealtimeEvent, func(ev realtime.RealtimeEvent) {
		logger.Info("item changed remotely",
			slog.String("type", string(ev.Type)),
			slog.String("item_type", ev.Data.ItemType),
			slog.String("item_id", ev.Data.ItemID),
		)
	})

	engine.On(realtime.TopicSyncConflict, func(ev realtime.RealtimeEvent) {
		logger.Warn("sync conflict needs resolution",
			slog.String("conflict_id", ev.ID),
			slog.String("item_type", ev.Data.ItemType),
			slog.String("item_id", ev.Data.ItemID),
			slog.String("update_id", ev.Data.UpdateID),
		)
	})

	engine.On(realtime.TopicRevertOptimistic, func(ev realtime.RealtimeEvent) {
		logger.Warn("local change rolled back",
			slog.String("item_type", ev.Data.ItemType),
			slog.String("item_id", ev.Data.ItemID),
			slog.String("update_id", ev.Data.UpdateID),
		)
	})

	engine.On(realtime.TopicDisconnected, func(realtime.RealtimeEvent) {
		logger.Warn("sync connection lost")
	})

	engine.On(realtime.TopicConnected, func(realtime.RealtimeEvent) {
		logger.Info("sync connection established")
	})
}
