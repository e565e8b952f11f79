package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/mlsec-arena/evalengine/internal/bootstrap"
	"github.com/mlsec-arena/evalengine/internal/config"
	"github.com/mlsec-arena/evalengine/internal/service"
	"github.com/mlsec-arena/evalengine/pkg/classifier"
	"github.com/mlsec-arena/evalengine/pkg/docker"
	"github.com/mlsec-arena/evalengine/pkg/objectstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := bootstrap.NewLogger(cfg, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := bootstrap.Connect(ctx, cfg, logger, cfg.AppName+" worker "+cfg.WorkerID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect backing services")
	}
	defer infra.Close()

	store, err := objectstore.NewMinioStore(ctx, objectstore.Config{
		Endpoint:  cfg.ObjectStoreEndpoint,
		AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey,
		Bucket:    cfg.ObjectStoreBucket,
		Secure:    cfg.ObjectStoreSecure,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open object store")
	}

	launcher, err := docker.NewDockerLauncher(docker.Config{
		Host:          cfg.DockerHost,
		Network:       cfg.DockerNetwork,
		MemoryLimitMB: cfg.DefenseMemoryMB,
		NanoCPUs:      cfg.DefenseNanoCPUs,
		PidsLimit:     cfg.DefensePidsLimit,
		Port:          cfg.DefensePort,
		StartTimeout:  cfg.DefenseStartTimeout,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create docker launcher")
	}
	defer launcher.Close()

	classify := classifier.NewClient(classifier.Config{
		GatewayURL:    cfg.GatewayURL,
		GatewaySecret: cfg.GatewaySecret,
		Logger:        logger,
	})
	strictClassify := classifier.NewClient(classifier.Config{
		GatewayURL:    cfg.GatewayURL,
		GatewaySecret: cfg.GatewaySecret,
		RequireJSON:   true,
		Logger:        logger,
	})

	repos := infra.Repositories()

	coordinator := service.NewRunCoordinator(repos.Runs, repos.Submissions, repos.Jobs, infra.Queue, infra.Events, service.RunCoordinatorConfig{
		WorkerID:       cfg.WorkerID,
		RunDeadline:    cfg.RunDeadline,
		MaxAttempts:    cfg.RunMaxAttempts,
		StrictOrdering: cfg.StrictPairScoreOrder,
	}, logger)

	dispatcher := service.NewFileDispatcher(repos.Files, repos.Results, store, service.DispatchConfig{
		MaxInFlight: cfg.DispatchMaxInFlight,
		FileTimeout: cfg.DispatchFileTimeout,
		MaxAttempts: cfg.DispatchMaxAttempts,
		NewBackOff: func() backoff.BackOff {
			b, err := cfg.NewDispatchBackOff()
			if err != nil {
				return backoff.NewExponentialBackOff()
			}
			return b
		},
	}, logger)

	lineage := service.NewLineageLinker(repos.Files)
	ingest := service.NewAttackIngestService(repos.Submissions, repos.Files, lineage, store, service.IngestConfig{
		MaxFiles:          cfg.IngestMaxFiles,
		MaxUncompressedMB: cfg.IngestMaxUncompressedMB,
	}, logger)
	functional := service.NewFunctionalCheckService(repos.Submissions, service.NewDockerEnvironment(launcher, strictClassify), 0, logger)

	worker := service.NewEvaluationWorker(service.WorkerDependencies{
		Queue:       infra.Queue,
		Jobs:        repos.Jobs,
		Submissions: repos.Submissions,
		Coordinator: coordinator,
		Dispatcher:  dispatcher,
		Aggregator:  service.NewScoreAggregator(repos.Files, repos.Results),
		Environment: service.NewDockerEnvironment(launcher, classify),
		Ingest:      ingest,
		Functional:  functional,
	}, service.WorkerConfig{
		Concurrency:   cfg.WorkerConcurrency,
		NewRunBackOff: newRunBackOff,
	}, logger)

	reaper := service.NewReaper(repos.Runs, coordinator, infra.Recoverer(), service.ReaperConfig{
		Interval:          cfg.ReaperInterval,
		QueuedTimeout:     cfg.RunQueuedTimeout,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
	}, logger)

	logger.Info().
		Str("queue_backend", cfg.QueueBackend).
		Int("concurrency", cfg.WorkerConcurrency).
		Msg("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	_ = g.Wait()

	logger.Info().Msg("worker stopped")
}

func newRunBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}
