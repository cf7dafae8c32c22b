package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/termloom/termloom/internal/api"
	"github.com/termloom/termloom/internal/buffer"
	"github.com/termloom/termloom/internal/config"
	"github.com/termloom/termloom/internal/service"
	"github.com/termloom/termloom/internal/session"
	"github.com/termloom/termloom/internal/storage"
	"github.com/termloom/termloom/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	dataPath := cfg.DataPath
	if dataPath == "" {
		dataPath = storage.DefaultBaseDir()
	}
	store, err := storage.NewJSONFileStorage(dataPath)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}

	ws := workspace.New(logger, store)
	if state, err := store.LoadWorkspace(); err == nil {
		ws.Restore(state)
		logger.Info("workspace restored", "tabs", len(state.Tabs))
	} else if !errors.Is(err, storage.ErrWorkspaceNotFound) {
		logger.Warn("workspace load failed, starting empty", "error", err)
	}

	registry := session.NewRegistry()
	buffers := buffer.NewStore()
	presence := workspace.NewPresence()
	manager := service.NewManager(registry, buffers, ws, presence, service.Config{
		GracePeriod: cfg.GracePeriod,
		Shell:       cfg.Shell,
		Logger:      logger,
	})

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("* * * * *", func() {
		ws.Reconcile(manager.SessionAlive)
	}); err != nil {
		logger.Error("scheduling reconcile failed", "error", err)
		os.Exit(1)
	}
	if _, err := scheduler.AddFunc("0 * * * *", func() {
		if removed := buffers.Sweep(); removed > 0 {
			logger.Info("buffer sweep", "removed", removed)
		}
	}); err != nil {
		logger.Error("scheduling buffer sweep failed", "error", err)
		os.Exit(1)
	}
	if _, err := scheduler.AddFunc("@every 5m", func() {
		stats := buffers.Stats()
		logger.Debug("status report",
			"sessions", registry.Count(),
			"buffers", stats.Buffers,
			"buffer_bytes", stats.TotalBytes)
	}); err != nil {
		logger.Error("scheduling status report failed", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(manager, ws, presence, logger)
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	handler.Mount(r)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	for id := range registry.All() {
		_ = manager.CloseSession(id)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
