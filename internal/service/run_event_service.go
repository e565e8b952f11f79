package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mlsec-arena/evalengine/internal/models"
)

// RunEvent is broadcast whenever an evaluation run reaches a terminal status.
type RunEvent struct {
	Source              string    `json:"source"`
	RunID               string    `json:"run_id"`
	DefenseSubmissionID string    `json:"defense_submission_id"`
	AttackSubmissionID  string    `json:"attack_submission_id"`
	Status              string    `json:"status"`
	NFilesScored        int       `json:"n_files_scored"`
	NFilesError         int       `json:"n_files_error"`
	Score               *float64  `json:"score,omitempty"`
	Error               string    `json:"error,omitempty"`
	SentAt              time.Time `json:"sent_at"`
}

// RunEventPublisher fans run events out to subscribers. Publishing is best effort.
type RunEventPublisher interface {
	Publish(ctx context.Context, event RunEvent)
}

type runEventService struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string
}

// NewRunEventPublisher publishes to redis pub/sub and NATS; either client may be nil.
func NewRunEventPublisher(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) RunEventPublisher {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":runs"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".runs"
	}

	return &runEventService{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "run_events").Logger(),
		nodeID:       uuid.NewString(),
	}
}

func (s *runEventService) Publish(ctx context.Context, event RunEvent) {
	event.Source = s.nodeID
	if event.SentAt.IsZero() {
		event.SentAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode run event")
		return
	}

	if s.redis != nil && s.redisChannel != "" {
		if err := s.redis.Publish(ctx, s.redisChannel, payload).Err(); err != nil {
			s.logger.Warn().Err(err).Str("run_id", event.RunID).Msg("failed to publish run event to redis")
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			s.logger.Warn().Err(err).Str("run_id", event.RunID).Msg("failed to publish run event to nats")
		}
	}
}

func newRunEvent(run models.EvaluationRun, status string, score *models.EvaluationPairScore, reason string) RunEvent {
	event := RunEvent{
		RunID:               run.ID,
		DefenseSubmissionID: run.DefenseSubmissionID,
		AttackSubmissionID:  run.AttackSubmissionID,
		Status:              status,
		Error:               reason,
	}
	if score != nil {
		avg := score.ZipScoreAvg
		event.Score = &avg
		event.NFilesScored = score.NFilesScored
		event.NFilesError = score.NFilesError
	}
	return event
}

type noopRunEvents struct{}

func (noopRunEvents) Publish(context.Context, RunEvent) {}
