package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/audit"
	"github.com/stemsi/exstem-proctor/internal/broadcast"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/store"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
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
		Msg("Starting ExStem Proctor")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

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
	sessionRepo := repository.NewExamSessionRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb)
	examService := service.NewExamService(examRepo, rdb, log)
	sessionService := service.NewExamSessionService(sessionRepo, answerRepo, examService, rdb, log)

	// ─── Initialize Proctoring Engine ─────────────────────────────────
	m := metrics.New(prometheus.DefaultRegisterer)
	st := store.New()
	hub := broadcast.NewHub(st, log,
		broadcast.WithMetrics(m),
		broadcast.WithMirror(broadcast.NewRedisMirror(rdb)),
	)
	sink := audit.NewRedisSink(rdb, log)
	engine := proctor.New(cfg.Proctor, st, hub, sessionService, sink, m, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		WS:      handler.NewWSHandler(engine, cfg.Proctor.SubscriberBuffer, log, cfg.AllowedOrigins),
		Monitor: handler.NewMonitorHandler(rdb, examService, engine, log),
		System:  handler.NewSystemHandler(rdb, engine, log),
	}

	// ─── Start Background Loops ───────────────────────────────────────
	// The sink must outlive the engine so the final snapshots and audit
	// entries still reach Redis during shutdown.
	engineCtx, engineCancel := context.WithCancel(context.Background())
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	workerCtx, workerCancel := context.WithCancel(context.Background())

	var engineWG, sinkWG, workerWG sync.WaitGroup
	engineWG.Go(func() { engine.Run(engineCtx) })
	sinkWG.Go(func() { sink.Run(sinkCtx) })

	auditWorker := worker.NewAuditWorker(pool, rdb, log)
	autosaveWorker := worker.NewAutosaveWorker(pool, rdb, log)
	snapshotWorker := worker.NewSnapshotWorker(pool, rdb, log)
	workerWG.Go(func() { auditWorker.Start(workerCtx) })
	workerWG.Go(func() { autosaveWorker.Start(workerCtx) })
	workerWG.Go(func() { snapshotWorker.Start(workerCtx) })

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout). Hijacked websocket
	// connections are not tracked by Shutdown and close with the process.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the periodic loop and wait for pending snapshot writes.
	engineCancel()
	engineWG.Wait()
	engine.Wait()

	// 3. Flush the audit buffer, then let the workers drain their queues.
	sinkCancel()
	sinkWG.Wait()
	workerCancel()
	workerWG.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
