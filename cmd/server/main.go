package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/clock"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/database"
	"github.com/stemsi/oem-proctor/internal/handler"
	"github.com/stemsi/oem-proctor/internal/logger"
	"github.com/stemsi/oem-proctor/internal/middleware"
	"github.com/stemsi/oem-proctor/internal/observability"
	"github.com/stemsi/oem-proctor/internal/repository"
	"github.com/stemsi/oem-proctor/internal/router"
	"github.com/stemsi/oem-proctor/internal/service"
	"github.com/stemsi/oem-proctor/internal/validator"
	"github.com/stemsi/oem-proctor/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting proctoring server")

	validator.Setup()
	observability.RegisterMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)
	violationRepo := repository.NewViolationRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	clk := clock.Real()
	authService := service.NewAuthService(cfg)
	relayService := service.NewRelayService(rdb, cfg, log)
	attemptService := service.NewAttemptService(attemptRepo, answerRepo, examRepo, relayService, rdb, cfg, clk, log)
	violationService := service.NewViolationService(attemptRepo, relayService, rdb, clk, log)
	instructorService := service.NewInstructorService(examRepo, attemptRepo, violationRepo, relayService, clk)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Attempt:    handler.NewAttemptHandler(attemptService, violationService, log),
		Instructor: handler.NewInstructorHandler(instructorService, log),
		WS:         handler.NewWSHandler(attemptService, violationService, instructorService, relayService, log, cfg.AllowedOrigins),
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		}, log),
	}

	violationLimiter := middleware.NewRateLimiter(cfg.ViolationRateLimit, time.Minute)

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workers, workerCtx := errgroup.WithContext(workerCtx)

	violationWorker := worker.NewViolationWorker(violationRepo, rdb, worker.Options{}, log)
	autosaveWorker := worker.NewAutosaveWorker(answerRepo, rdb, worker.Options{}, log)

	workers.Go(func() error { violationWorker.Start(workerCtx); return nil })
	workers.Go(func() error { autosaveWorker.Start(workerCtx); return nil })
	workers.Go(func() error { violationLimiter.RunCleanup(workerCtx); return nil })
	workers.Go(func() error { return relayService.Run(workerCtx) })

	// Serve only once the relay is subscribed, so no cross-instance frame is missed.
	select {
	case <-relayService.Ready():
	case <-workerCtx.Done():
		log.Fatal().Err(workers.Wait()).Msg("Relay failed to start")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, violationLimiter, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")
	case <-workerCtx.Done():
		log.Error().Msg("Background worker failed, shutting down")
	}

	// 1. Stop accepting new HTTP requests (5s timeout). WebSocket peers are hijacked and
	// are closed with the process.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for their buffers to flush.
	workerCancel()
	if err := workers.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker exited with error")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
