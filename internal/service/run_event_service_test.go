package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mlsec-arena/evalengine/internal/models"
)

func TestRunEventPublisherPublishesToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "arena:events:runs")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	publisher := NewRunEventPublisher(client, "arena:events", nil, zerolog.Nop())
	run := models.EvaluationRun{ID: "r1", DefenseSubmissionID: "d1", AttackSubmissionID: "a1"}
	publisher.Publish(ctx, newRunEvent(run, models.RunStatusDone, &models.EvaluationPairScore{ZipScoreAvg: 0.6, NFilesScored: 2, NFilesError: 1}, ""))

	receiveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(receiveCtx)
	require.NoError(t, err)

	var event RunEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	require.Equal(t, "r1", event.RunID)
	require.Equal(t, models.RunStatusDone, event.Status)
	require.NotNil(t, event.Score)
	require.InDelta(t, 0.6, *event.Score, 1e-9)
	require.Equal(t, 1, event.NFilesError)
	require.NotEmpty(t, event.Source)
}
