package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-escrow/internal/config"
	"github.com/ksred/klear-escrow/internal/database"
	"github.com/ksred/klear-escrow/internal/server"
	"github.com/ksred/klear-escrow/pkg/logger"

	"github.com/gin-gonic/gin"
)

// main runs the escrow API with graceful shutdown support
func main() {
	cfg, err := config.New()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logCloser := logger.Setup(cfg.App, cfg.Log)
	defer logCloser.Close()

	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DB)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	app, err := server.New(cfg, db)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize services")
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	app.Start(workerCtx)

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info().Str("port", cfg.App.Port).Str("env", cfg.App.Env).Msg("escrow service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	workerCancel()
	if err := app.Close(); err != nil {
		zlog.Error().Err(err).Msg("Failed to release resources")
	}

	zlog.Info().Msg("Server exiting")
}
