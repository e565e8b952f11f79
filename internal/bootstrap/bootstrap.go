// Package bootstrap connects the backing services shared by the API and worker processes.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/mlsec-arena/evalengine/internal/config"
	"github.com/mlsec-arena/evalengine/internal/database"
	"github.com/mlsec-arena/evalengine/internal/queue"
	"github.com/mlsec-arena/evalengine/internal/repository"
	"github.com/mlsec-arena/evalengine/internal/service"
)

const queuePollTimeout = 2 * time.Second

// Infrastructure holds the live connections of one process.
type Infrastructure struct {
	DB     *gorm.DB
	Redis  *redis.Client
	NATS   *nats.Conn
	Queue  queue.Queue
	Events service.RunEventPublisher
}

// Repositories groups the gorm repositories built on Infrastructure.DB.
type Repositories struct {
	Submissions repository.SubmissionRepository
	Runs        repository.EvaluationRunRepository
	Jobs        repository.JobRepository
	Files       repository.AttackFileRepository
	Results     repository.EvaluationResultRepository
	Scores      repository.PairScoreRepository
}

// NewLogger returns the process root logger.
func NewLogger(cfg config.Config, process string) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.AppEnv == "development" {
		level = zerolog.DebugLevel
	}

	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("process", process).
		Str("worker_id", cfg.WorkerID).
		Logger()
}

// Connect opens the database, redis and the configured queue backend, and applies migrations.
// NATS is only required when it backs the queue; otherwise a failed connection is logged and events
// fall back to redis alone.
func Connect(ctx context.Context, cfg config.Config, logger zerolog.Logger, clientName string) (*Infrastructure, error) {
	infra := &Infrastructure{}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	infra.DB = db

	if err := database.Migrate(db); err != nil {
		infra.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	redisClient, err := database.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		infra.Close()
		return nil, err
	}
	infra.Redis = redisClient

	if cfg.NATSURL != "" {
		nc, err := database.ConnectNATS(cfg.NATSURL, clientName)
		switch {
		case err == nil:
			infra.NATS = nc
		case cfg.QueueBackend == config.QueueBackendNATS:
			infra.Close()
			return nil, err
		default:
			logger.Warn().Err(err).Msg("nats unavailable, run events go to redis only")
		}
	}

	switch cfg.QueueBackend {
	case config.QueueBackendNATS:
		if infra.NATS == nil {
			infra.Close()
			return nil, fmt.Errorf("queue backend %q requires a nats url", cfg.QueueBackend)
		}
		q, err := queue.NewJetStreamQueue(infra.NATS, cfg.QueueName, cfg.QueueVisibilityTimeout, queuePollTimeout)
		if err != nil {
			infra.Close()
			return nil, err
		}
		infra.Queue = q
	default:
		infra.Queue = queue.NewRedisQueue(infra.Redis, cfg.QueueName, queuePollTimeout)
	}

	infra.Events = service.NewRunEventPublisher(infra.Redis, cfg.EventsChannel, infra.NATS, logger)

	return infra, nil
}

// Repositories builds every repository on the shared database handle.
func (i *Infrastructure) Repositories() Repositories {
	return Repositories{
		Submissions: repository.NewSubmissionRepository(i.DB),
		Runs:        repository.NewEvaluationRunRepository(i.DB),
		Jobs:        repository.NewJobRepository(i.DB),
		Files:       repository.NewAttackFileRepository(i.DB),
		Results:     repository.NewEvaluationResultRepository(i.DB),
		Scores:      repository.NewPairScoreRepository(i.DB),
	}
}

// Recoverer returns the queue's stale-delivery recoverer, or nil when the backend redelivers on its own.
func (i *Infrastructure) Recoverer() queue.Recoverer {
	if r, ok := i.Queue.(queue.Recoverer); ok {
		return r
	}
	return nil
}

// PingDatabase checks the SQL connection.
func (i *Infrastructure) PingDatabase(ctx context.Context) error {
	sqlDB, err := i.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// PingRedis checks the redis connection.
func (i *Infrastructure) PingRedis(ctx context.Context) error {
	return i.Redis.Ping(ctx).Err()
}

// Close releases every open connection; it is safe on a partially connected value.
func (i *Infrastructure) Close() {
	if i.Queue != nil {
		_ = i.Queue.Close()
	}
	if i.NATS != nil {
		i.NATS.Close()
	}
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.DB != nil {
		if sqlDB, err := i.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
