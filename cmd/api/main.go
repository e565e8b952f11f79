package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/mlsec-arena/evalengine/internal/bootstrap"
	"github.com/mlsec-arena/evalengine/internal/config"
	"github.com/mlsec-arena/evalengine/internal/handler"
	"github.com/mlsec-arena/evalengine/internal/middleware"
	"github.com/mlsec-arena/evalengine/internal/router"
	"github.com/mlsec-arena/evalengine/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := bootstrap.NewLogger(cfg, "api")

	ctx := context.Background()
	infra, err := bootstrap.Connect(ctx, cfg, logger, cfg.AppName+" api")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect backing services")
	}
	defer infra.Close()

	repos := infra.Repositories()
	validate := validator.New(validator.WithRequiredStructEnabled())

	coordinator := service.NewRunCoordinator(repos.Runs, repos.Submissions, repos.Jobs, infra.Queue, infra.Events, service.RunCoordinatorConfig{
		WorkerID:       cfg.WorkerID,
		RunDeadline:    cfg.RunDeadline,
		MaxAttempts:    cfg.RunMaxAttempts,
		StrictOrdering: cfg.StrictPairScoreOrder,
	}, logger)
	resolver := service.NewPairResolver(repos.Submissions, repos.Runs)
	registry := service.NewSubmissionRegistry(repos.Submissions, repos.Scores, resolver, coordinator, logger)
	scoreboard := service.NewScoreboard(repos.Scores)
	submissionJobs := service.NewSubmissionJobs(repos.Submissions, repos.Jobs, infra.Queue, nil, logger)

	submissionHandler := handler.NewSubmissionHandler(registry, submissionJobs, validate, logger)
	evaluationHandler := handler.NewEvaluationHandler(coordinator, scoreboard, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		SubmissionHandler: submissionHandler,
		EvaluationHandler: evaluationHandler,
		HealthChecks: map[string]handler.Pinger{
			"database": infra.PingDatabase,
			"redis":    infra.PingRedis,
		},
		TriggerLimiter: middleware.RateLimit("evaluations", 10, time.Minute),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	waitForShutdown(app, logger)
}

func waitForShutdown(app *fiber.App, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
