package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/observability"
	"github.com/mlsec-arena/evalengine/internal/queue"
	"github.com/mlsec-arena/evalengine/internal/repository"
)

// ScheduleOptions select the file scope of newly created runs.
type ScheduleOptions struct {
	Scope                    string
	IncludeBehaviorDifferent bool
	RequestedByUserID        string
	CorrelationID            string
}

// ScheduleResult reports what a scheduling pass did.
type ScheduleResult struct {
	Created    []models.EvaluationRun
	InProgress []repository.PairKey

	// Failed pairs could not be queued; their runs were failed so a later pass can retry them.
	Failed []repository.PairKey
}

// ClaimedRun is a run held by this worker. Token proves the claim on every later write.
type ClaimedRun struct {
	Run   models.EvaluationRun
	Token string
}

// RunCoordinatorConfig bounds run lifetimes.
type RunCoordinatorConfig struct {
	WorkerID       string
	RunDeadline    time.Duration
	MaxAttempts    int
	StrictOrdering bool

	// NewEnqueueBackOff paces enqueue retries for a freshly created run.
	NewEnqueueBackOff func() backoff.BackOff
}

// RunCoordinator owns the evaluation run state machine: queued, running, then done or failed.
type RunCoordinator interface {
	Schedule(ctx context.Context, pairs []repository.PairKey, opts ScheduleOptions) (ScheduleResult, error)
	Trigger(ctx context.Context, pair repository.PairKey, opts ScheduleOptions) (models.EvaluationRun, error)
	Claim(ctx context.Context, runID string) (ClaimedRun, bool, error)
	BeginAttempt(ctx context.Context, claimed ClaimedRun) (int, bool, error)
	Complete(ctx context.Context, claimed ClaimedRun, score models.EvaluationPairScore) (bool, error)
	Fail(ctx context.Context, claimed ClaimedRun, reason string) (bool, error)
	ForceFail(ctx context.Context, run models.EvaluationRun, reason string) (bool, error)
	GetRun(ctx context.Context, id string) (models.EvaluationRun, error)
}

type runCoordinator struct {
	runs        repository.EvaluationRunRepository
	submissions repository.SubmissionRepository
	jobs        repository.JobRepository
	queue       queue.Queue
	events      RunEventPublisher
	cfg         RunCoordinatorConfig
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewRunCoordinator constructs the run coordinator.
func NewRunCoordinator(
	runs repository.EvaluationRunRepository,
	submissions repository.SubmissionRepository,
	jobs repository.JobRepository,
	q queue.Queue,
	events RunEventPublisher,
	cfg RunCoordinatorConfig,
	logger zerolog.Logger,
) RunCoordinator {
	if events == nil {
		events = noopRunEvents{}
	}
	if cfg.RunDeadline <= 0 {
		cfg.RunDeadline = 30 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.NewEnqueueBackOff == nil {
		cfg.NewEnqueueBackOff = func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
		}
	}

	return &runCoordinator{
		runs:        runs,
		submissions: submissions,
		jobs:        jobs,
		queue:       q,
		events:      events,
		cfg:         cfg,
		logger:      logger.With().Str("component", "run_coordinator").Logger(),
		tracer:      otel.Tracer("github.com/mlsec-arena/evalengine/internal/service/coordinator"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Schedule opens one queued run per pair. Pairs that already have an open run are reported, not
// treated as errors. A pair that cannot be scheduled is listed in Failed and the pass continues; the
// returned error joins every per-pair failure.
func (c *runCoordinator) Schedule(ctx context.Context, pairs []repository.PairKey, opts ScheduleOptions) (ScheduleResult, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.schedule", trace.WithAttributes(
		attribute.Int("pairs", len(pairs)),
	))
	defer span.End()

	result := ScheduleResult{}
	var errs []error
	for _, pair := range pairs {
		run, err := c.open(ctx, pair, opts)
		if errors.Is(err, ErrRunInProgress) {
			result.InProgress = append(result.InProgress, pair)
			continue
		}
		if err != nil {
			span.RecordError(err)
			result.Failed = append(result.Failed, pair)
			errs = append(errs, fmt.Errorf("pair %s/%s: %w", pair.DefenseSubmissionID, pair.AttackSubmissionID, err))
			continue
		}
		result.Created = append(result.Created, run)
	}

	span.SetAttributes(
		attribute.Int("runs.created", len(result.Created)),
		attribute.Int("runs.in_progress", len(result.InProgress)),
		attribute.Int("runs.failed", len(result.Failed)),
	)
	return result, errors.Join(errs...)
}

// Trigger is the manual re-evaluation entry point for a single pair.
func (c *runCoordinator) Trigger(ctx context.Context, pair repository.PairKey, opts ScheduleOptions) (models.EvaluationRun, error) {
	defense, err := c.submissions.GetByID(ctx, pair.DefenseSubmissionID)
	if err != nil {
		return models.EvaluationRun{}, notFoundAs(err, ErrSubmissionNotFound)
	}
	attack, err := c.submissions.GetByID(ctx, pair.AttackSubmissionID)
	if err != nil {
		return models.EvaluationRun{}, notFoundAs(err, ErrSubmissionNotFound)
	}
	if !defense.IsDefense() || attack.IsDefense() {
		return models.EvaluationRun{}, ErrSubmissionTypeMismatch
	}
	if defense.IsDeleted() || attack.IsDeleted() {
		return models.EvaluationRun{}, ErrSubmissionDeleted
	}

	return c.open(ctx, pair, opts)
}

func (c *runCoordinator) open(ctx context.Context, pair repository.PairKey, opts ScheduleOptions) (models.EvaluationRun, error) {
	scope := opts.Scope
	if scope == "" {
		scope = models.ScopeZip
	}

	payload := datatypes.JSONMap{
		"defense_submission_id":      pair.DefenseSubmissionID,
		"attack_submission_id":       pair.AttackSubmissionID,
		"scope":                      scope,
		"include_behavior_different": opts.IncludeBehaviorDifferent,
	}
	if opts.CorrelationID != "" {
		payload["correlation_id"] = opts.CorrelationID
	}
	job := &models.Job{JobType: models.JobTypeEvaluatePair, Payload: payload}
	if opts.RequestedByUserID != "" {
		requester := opts.RequestedByUserID
		job.RequestedByUserID = &requester
	}

	run := &models.EvaluationRun{
		DefenseSubmissionID:      pair.DefenseSubmissionID,
		AttackSubmissionID:       pair.AttackSubmissionID,
		Scope:                    scope,
		IncludeBehaviorDifferent: opts.IncludeBehaviorDifferent,
	}

	if err := c.runs.CreateQueued(ctx, run, job); err != nil {
		if errors.Is(err, repository.ErrPairInProgress) {
			return models.EvaluationRun{}, ErrRunInProgress
		}
		return models.EvaluationRun{}, fmt.Errorf("create run: %w", err)
	}

	logger := c.runLogger(*run)
	task := queue.Task{
		JobID:   job.ID,
		JobType: models.JobTypeEvaluatePair,
		RunID:   run.ID,
	}
	err := backoff.Retry(func() error {
		return c.queue.Enqueue(ctx, task)
	}, backoff.WithContext(c.cfg.NewEnqueueBackOff(), ctx))
	if err != nil {
		logger.Error().Err(err).Msg("failed to enqueue run; failing it to release the pair")
		if _, failErr := c.ForceFail(ctx, *run, "enqueue failed: "+err.Error()); failErr != nil {
			logger.Error().Err(failErr).Msg("failed to release unenqueued run")
		}
		return models.EvaluationRun{}, fmt.Errorf("enqueue run: %w", err)
	}

	logger.Info().Str("scope", scope).Msg("evaluation run queued")
	return *run, nil
}

// Claim takes a queued run for this worker. A false result means another delivery already took it
// or it is no longer queued.
func (c *runCoordinator) Claim(ctx context.Context, runID string) (ClaimedRun, bool, error) {
	now := c.now()
	token := uuid.NewString()

	ok, err := c.runs.Claim(ctx, repository.ClaimParams{
		RunID:      runID,
		WorkerID:   c.cfg.WorkerID,
		Token:      token,
		StartedAt:  now,
		DeadlineAt: now.Add(c.cfg.RunDeadline),
	})
	if err != nil || !ok {
		return ClaimedRun{}, false, err
	}

	run, err := c.runs.GetByID(ctx, runID)
	if err != nil {
		return ClaimedRun{}, false, err
	}
	if run.JobID != nil {
		if err := c.jobs.UpdateStatus(ctx, *run.JobID, models.JobStatusRunning, ""); err != nil {
			c.runLogger(run).Warn().Err(err).Msg("failed to mark job running")
		}
	}

	c.runLogger(run).Info().Str("worker_id", c.cfg.WorkerID).Msg("evaluation run claimed")
	return ClaimedRun{Run: run, Token: token}, true, nil
}

func (c *runCoordinator) BeginAttempt(ctx context.Context, claimed ClaimedRun) (int, bool, error) {
	return c.runs.BeginAttempt(ctx, claimed.Run.ID, claimed.Token, c.cfg.MaxAttempts)
}

// Complete closes the run as done and upserts its pair score atomically.
func (c *runCoordinator) Complete(ctx context.Context, claimed ClaimedRun, score models.EvaluationPairScore) (bool, error) {
	run := claimed.Run
	now := c.now()
	score.DefenseSubmissionID = run.DefenseSubmissionID
	score.AttackSubmissionID = run.AttackSubmissionID
	score.RunCreatedAt = run.CreatedAt
	score.IncludeBehaviorDifferent = run.IncludeBehaviorDifferent

	duration := elapsedMs(run.StartedAt, now)
	ok, err := c.runs.Complete(ctx, repository.CompleteParams{
		RunID:          run.ID,
		Token:          claimed.Token,
		Score:          score,
		DurationMs:     duration,
		FinishedAt:     now,
		StrictOrdering: c.cfg.StrictOrdering,
	})
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	if !ok {
		c.runLogger(run).Warn().Msg("run claim lost before completion; result discarded")
		return false, nil
	}

	c.finished(ctx, run, models.RunStatusDone, &score, "", duration)
	return true, nil
}

// Fail closes the run as failed. The pair score is left as it was.
func (c *runCoordinator) Fail(ctx context.Context, claimed ClaimedRun, reason string) (bool, error) {
	run := claimed.Run
	now := c.now()
	reason = cleanErrorText(reason)

	duration := elapsedMs(run.StartedAt, now)
	ok, err := c.runs.Fail(ctx, run.ID, claimed.Token, reason, duration, now)
	if err != nil {
		return false, fmt.Errorf("fail run: %w", err)
	}
	if !ok {
		c.runLogger(run).Warn().Msg("run claim lost before failure was recorded")
		return false, nil
	}

	c.finished(ctx, run, models.RunStatusFailed, nil, reason, duration)
	return true, nil
}

// ForceFail fails a queued or running run without holding its claim; used by the reaper.
func (c *runCoordinator) ForceFail(ctx context.Context, run models.EvaluationRun, reason string) (bool, error) {
	reason = cleanErrorText(reason)
	ok, err := c.runs.ForceFail(ctx, run.ID, run.Status, reason, c.now())
	if err != nil || !ok {
		return ok, err
	}

	c.finished(ctx, run, models.RunStatusFailed, nil, reason, elapsedMs(run.StartedAt, c.now()))
	return true, nil
}

func (c *runCoordinator) GetRun(ctx context.Context, id string) (models.EvaluationRun, error) {
	run, err := c.runs.GetByID(ctx, id)
	if err != nil {
		return models.EvaluationRun{}, notFoundAs(err, ErrRunNotFound)
	}
	return run, nil
}

func (c *runCoordinator) finished(ctx context.Context, run models.EvaluationRun, status string, score *models.EvaluationPairScore, reason string, durationMs int64) {
	observability.RunsFinished().WithLabelValues(status).Inc()
	if durationMs > 0 {
		observability.RunDuration().Observe(float64(durationMs) / 1000)
	}

	if run.JobID != nil {
		jobStatus := models.JobStatusDone
		if status == models.RunStatusFailed {
			jobStatus = models.JobStatusFailed
		}
		if err := c.jobs.UpdateStatus(ctx, *run.JobID, jobStatus, reason); err != nil {
			c.runLogger(run).Warn().Err(err).Msg("failed to update job status")
		}
	}

	event := c.runLogger(run).Info().Str("status", status).Int64("duration_ms", durationMs)
	if score != nil {
		event = event.Float64("zip_score_avg", score.ZipScoreAvg).
			Int("n_files_scored", score.NFilesScored).
			Int("n_files_error", score.NFilesError)
	}
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("evaluation run finished")

	c.events.Publish(ctx, newRunEvent(run, status, score, reason))
}

func (c *runCoordinator) runLogger(run models.EvaluationRun) *zerolog.Logger {
	logger := c.logger.With().
		Str("run_id", run.ID).
		Str("defense_submission_id", run.DefenseSubmissionID).
		Str("attack_submission_id", run.AttackSubmissionID).
		Logger()
	return &logger
}

func elapsedMs(startedAt *time.Time, now time.Time) int64 {
	if startedAt == nil {
		return 0
	}
	return now.Sub(*startedAt).Milliseconds()
}
