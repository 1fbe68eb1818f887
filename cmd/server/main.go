package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"scriptcage/internal/config"
	"scriptcage/internal/expect"
	"scriptcage/internal/handler"
	"scriptcage/internal/hook"
	"scriptcage/internal/logger"
	"scriptcage/internal/metrics"
	"scriptcage/internal/migration"
	"scriptcage/internal/sandbox"
	"scriptcage/internal/service"
	"scriptcage/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CAGE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logg := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty}, nil)

	// Database setup
	db, err := sql.Open("sqlite", cfg.Server.DBPath+"?_foreign_keys=on")
	if err != nil {
		logg.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := migration.Run(db); err != nil {
		logg.Fatal().Err(err).Msg("Failed to run migrations")
	}
	runs := store.New(db)

	// Sandbox and services
	egress, err := hook.New(cfg.Hook, logg)
	if err != nil {
		logg.Fatal().Err(err).Msg("Failed to create fetch hook")
	}
	m := metrics.NewMetrics()

	rules := expect.DefaultRules()
	rules.TruncateThreshold = cfg.Sandbox.TruncateThreshold
	exec := sandbox.New(sandbox.Options{
		Timeout:          cfg.Sandbox.Timeout,
		MaxCallStackSize: cfg.Sandbox.MaxCallStackSize,
		MaxRequests:      cfg.Sandbox.MaxRequests,
		MaxBodyBytes:     cfg.Sandbox.MaxBodyBytes,
		Strict:           cfg.Sandbox.Strict,
		Rules:            &rules,
		Hook:             egress,
		Logger:           logg,
		Observer:         m,
	})

	runner := service.NewScriptRunner(exec, runs, logg)
	collections := service.NewCollectionRunner(runner, service.CollectionOptions{
		Workers:    cfg.Runner.Workers,
		MaxScripts: cfg.Runner.MaxScripts,
		OnRun:      func(mode service.ExecMode) { m.ObserveCollectionRun(string(mode)) },
	})

	router := handler.NewRouter(handler.Deps{
		Runner:         runner,
		Collections:    collections,
		Runs:           runs,
		Metrics:        m,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logg,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logg.Info().Str("addr", srv.Addr).Str("db", cfg.Server.DBPath).Msg("Server starting")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal().Err(err).Msg("Server failed")
		}
	case <-ctx.Done():
		logg.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logg.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}
}
