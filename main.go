package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kampus/internal/api"
	"kampus/internal/chat"
	"kampus/internal/config"
	"kampus/internal/http"
	"kampus/internal/notify"
	"kampus/internal/storage"
	"kampus/internal/ws"

	"golang.org/x/sync/errgroup"
)

// store is what the relay needs from either storage backend.
type store interface {
	chat.MessageStore
	api.SubscriptionWriter
	notify.SubscriptionStore
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg)

	var st store
	if cfg.DBFile != "" {
		bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
		if err != nil {
			return err
		}
		defer func() { _ = bbStorage.Close() }()
		st = bbStorage
		log.Info("using bbolt storage", "path", cfg.DBFile)
	} else {
		st = storage.NewMemoryStore(cfg.HistoryLimit)
		log.Info("using in-memory storage")
	}

	hubCfg := ws.Config{
		Log:              log,
		Store:            st,
		OutboxSize:       cfg.OutboxSize,
		RingTimeout:      cfg.RingTimeout,
		HistoryLimit:     cfg.HistoryLimit,
		PresenceFullSync: cfg.PresenceFullSync,
	}
	var subs api.SubscriptionWriter
	if cfg.PushEnabled() {
		hubCfg.Notifier = notify.New(log, st, notify.Config{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subject:    cfg.VAPIDSubject,
		})
		subs = st
		log.Info("web push enabled")
	}

	hub := ws.NewHub(ctx, hubCfg)
	defer hub.Close()

	adminServer := http.NewAdminServer(log, hub, cfg.AdminAddr)
	apiServer := http.NewAPIServer(ctx, log, hub, subs, cfg.AllowedOrigins, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(adminServer.Start)

	// Start API Server
	g.Go(apiServer.Start)

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error("admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
