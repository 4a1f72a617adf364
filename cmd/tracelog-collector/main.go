package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nacorga/tracelog-lib-sub006/internal/collector"
)

func main() {
	addr := os.Getenv("TRACELOG_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	dbPath := os.Getenv("TRACELOG_DB_PATH")
	if dbPath == "" {
		dbPath = "tracelog.db"
	}
	logger := buildLogger()

	db, err := collector.OpenDB(dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	hub := collector.NewHub(logger)
	server, err := collector.NewServerWithConfig(db, hub, logger, collector.ServerConfig{
		MaxBodyBytes: int64Env("TRACELOG_MAX_BODY_BYTES", 0),
	})
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("collector listening", "addr", addr, "db", dbPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		log.Fatalf("collector failed: %v", err)
	}
}

func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("TRACELOG_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
