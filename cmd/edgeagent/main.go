// Command edgeagent runs the Nutrivize edge agent: an offline-capable proxy
// between the web application and its backend.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/goldenrodger5/nutrivize-edge/agent"
	"github.com/goldenrodger5/nutrivize-edge/config"
	"github.com/goldenrodger5/nutrivize-edge/dbopen"
	"github.com/goldenrodger5/nutrivize-edge/sqltrace"
)

func main() {
	configPath := env("EDGE_CONFIG", "edge.yaml")
	logLevel := env("LOG_LEVEL", "info")
	sqlTrace := env("EDGE_SQL_TRACE", "") != ""

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Config: the file is optional, environment wins.
	cfg, watch := config.Default(), false
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			slog.Error("load config", "path", configPath, "error", err)
			os.Exit(1)
		}
		cfg, watch = loaded, true
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Databases.
	dbOpts := []dbopen.Option{dbopen.WithMkdirAll()}
	if sqlTrace {
		sqltrace.SetLogger(logger)
		dbOpts = append(dbOpts, dbopen.WithDriver(sqltrace.DriverName))
	}
	db, err := dbopen.Open(cfg.Database, dbOpts...)
	if err != nil {
		slog.Error("open database", "path", cfg.Database, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	obsDB, err := dbopen.Open(cfg.ObsDatabase, dbOpts...)
	if err != nil {
		slog.Error("open observability database", "path", cfg.ObsDatabase, "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()

	a, err := agent.New(ctx, agent.Options{Config: cfg, DB: db, ObsDB: obsDB, Logger: logger})
	if err != nil {
		slog.Error("agent init", "error", err)
		os.Exit(1)
	}

	// A failed install is retried on the next version bump or through
	// POST /_agent/lifecycle/install; reads still pass through meanwhile.
	if err := a.Bootstrap(ctx); err != nil {
		slog.Warn("bootstrap failed, serving without a current generation", "version", cfg.Version, "error", err)
	}

	stopped := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(stopped)
	}()

	if watch {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				if err := next.ApplyEnv(os.LookupEnv); err != nil {
					slog.Error("reloaded config rejected", "error", err)
					return
				}
				if err := a.Reconfigure(ctx, next); err != nil {
					slog.Error("reconfigure", "version", next.Version, "error", err)
				}
			})
			if err != nil {
				slog.Error("config watch", "error", err)
			}
		}()
	}

	// HTTP server.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "backend", cfg.BackendURL, "version", cfg.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	<-stopped
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
