// Package main is the entry point for the kiota settlement service. It
// turns mobile-money and on-chain deposits into a diversified on-chain
// portfolio: deposit sessions are created over HTTP, funds are detected
// via callback or chain polling, and confirmed deposits are swapped into
// the target basket and recorded as holdings.
//
// The startup sequence is:
//  1. Load configuration from environment variables
//  2. Initialize structured logging
//  3. Wire databases, repositories, services, and cron jobs via the DI container
//  4. Start the HTTP server, the scheduler, and the fill stream (if active)
//  5. Wait for a shutdown signal and drain everything gracefully
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthonykimani/kiota-sub002/internal/config"
	"github.com/anthonykimani/kiota-sub002/internal/di"
	"github.com/anthonykimani/kiota-sub002/internal/scheduler"
	"github.com/anthonykimani/kiota-sub002/internal/server"
	"github.com/anthonykimani/kiota-sub002/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting kiota settlement service")

	// The scheduler is created before wiring so jobs can register their
	// cron schedules during DI setup.
	sched := scheduler.New(log)

	container, _, err := di.Wire(cfg, log, sched)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.CloseDatabases()

	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Config:    cfg,
		Container: container,
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Start the cron scheduler: deposit confirmation polling, swap order
	// polling, the nightly rebalance check, backups, and maintenance.
	sched.Start()
	log.Info().Msg("Scheduler started")

	// The fill stream is only wired when the order book venue is active.
	// A failed initial connect is not fatal; the stream reconnects in the
	// background and the order poller covers anything missed meanwhile.
	if container.FillStream != nil {
		if err := container.FillStream.Start(); err != nil {
			log.Warn().Err(err).Msg("Fill stream connect failed, relying on polling until it recovers")
		} else {
			log.Info().Msg("Order book fill stream started")
		}
	}

	// Resume any settlements interrupted by the previous shutdown before
	// the first poll tick would pick them up.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if resumed, err := container.Orchestrator.ResumeSettlements(startupCtx); err != nil {
		log.Warn().Err(err).Msg("Startup settlement resume incomplete")
	} else if resumed > 0 {
		log.Info().Int("resumed", resumed).Msg("Resumed interrupted settlements")
	}
	startupCancel()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop accepting new job runs first so nothing starts a settlement
	// mid-shutdown, then close the stream, then drain HTTP.
	sched.Stop()
	log.Info().Msg("Scheduler stopped")

	if container.FillStream != nil {
		if err := container.FillStream.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping fill stream")
		} else {
			log.Info().Msg("Fill stream stopped")
		}
	}

	// Graceful shutdown with a 10 second drain window for in-flight requests
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
