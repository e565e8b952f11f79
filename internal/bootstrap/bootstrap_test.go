package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mlsec-arena/evalengine/internal/config"
	"github.com/mlsec-arena/evalengine/internal/queue"
)

func TestNewLoggerLevelFollowsEnvironment(t *testing.T) {
	dev := NewLogger(config.Config{AppEnv: "development", WorkerID: "w1"}, "api")
	require.Equal(t, zerolog.DebugLevel, dev.GetLevel())

	prod := NewLogger(config.Config{AppEnv: "production", WorkerID: "w1"}, "worker")
	require.Equal(t, zerolog.InfoLevel, prod.GetLevel())
}

func TestRedisQueueIsRecoverer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	infra := &Infrastructure{Redis: client, Queue: queue.NewRedisQueue(client, "test", 0)}
	require.NotNil(t, infra.Recoverer())
	require.NoError(t, infra.PingRedis(context.Background()))

	infra.Close()
	require.Error(t, client.Ping(context.Background()).Err())
}

func TestCloseToleratesPartialSetup(t *testing.T) {
	require.NotPanics(t, func() { (&Infrastructure{}).Close() })
}
