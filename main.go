// v360batch/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"v360batch/api"
	"v360batch/batch"
	"v360batch/config"
	"v360batch/events"
	"v360batch/ffmpeg"
	"v360batch/logging"

	"go.uber.org/zap"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 2. Initialize dependencies (Runner first)
	runner, err := ffmpeg.NewRunner(cfg, logger.Named("ffmpeg"))
	if err != nil {
		logger.Fatal("Failed to initialize ffmpeg runner", zap.Error(err))
	}
	prober := ffmpeg.NewProber(runner, logger.Named("probe"))
	bus := events.NewBus(cfg.EventBuffer)

	// 3. The orchestrator owns the temp dir until Close
	orchestrator, err := batch.New(cfg, runner, prober, bus, logger.Named("batch"))
	if err != nil {
		logger.Fatal("Failed to initialize batch orchestrator", zap.Error(err))
	}

	// 4. Set up router and server
	router := api.SetupRouter(orchestrator, bus, cfg, logger.Named("http"))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// 5. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	logger.Info("Shutting down gracefully, press Ctrl+C again to force")

	if err := orchestrator.Cancel(); err != nil && !errors.Is(err, batch.ErrNoBatch) {
		logger.Warn("could not cancel running batch", zap.Error(err))
	}

	// The context is used to inform the server it has 5 seconds to finish
	// the requests it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Waits for the running ffmpeg child to exit, then drops the temp dir.
	if err := orchestrator.Close(); err != nil {
		logger.Error("could not remove temporary directory", zap.Error(err))
	}

	logger.Info("Server exiting")
}
