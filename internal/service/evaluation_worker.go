package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/observability"
	"github.com/mlsec-arena/evalengine/internal/queue"
	"github.com/mlsec-arena/evalengine/internal/repository"
)

// WorkerConfig tunes the queue consumer.
type WorkerConfig struct {
	Concurrency int
	// NewRunBackOff paces run-level retries; the attempt budget lives on the run row.
	NewRunBackOff func() backoff.BackOff
	IdleDelay     time.Duration
}

// EvaluationWorker consumes queue tasks and drives them to a terminal state.
type EvaluationWorker struct {
	queue       queue.Queue
	jobs        repository.JobRepository
	submissions repository.SubmissionRepository
	coordinator RunCoordinator
	dispatcher  FileDispatcher
	aggregator  ScoreAggregator
	environment ExecutionEnvironment
	ingest      AttackIngestService
	functional  FunctionalCheckService
	cfg         WorkerConfig
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// WorkerDependencies groups the collaborators of an EvaluationWorker.
type WorkerDependencies struct {
	Queue       queue.Queue
	Jobs        repository.JobRepository
	Submissions repository.SubmissionRepository
	Coordinator RunCoordinator
	Dispatcher  FileDispatcher
	Aggregator  ScoreAggregator
	Environment ExecutionEnvironment
	Ingest      AttackIngestService
	Functional  FunctionalCheckService
}

// NewEvaluationWorker constructs a worker.
func NewEvaluationWorker(deps WorkerDependencies, cfg WorkerConfig, logger zerolog.Logger) *EvaluationWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.NewRunBackOff == nil {
		cfg.NewRunBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = time.Second
	}

	return &EvaluationWorker{
		queue:       deps.Queue,
		jobs:        deps.Jobs,
		submissions: deps.Submissions,
		coordinator: deps.Coordinator,
		dispatcher:  deps.Dispatcher,
		aggregator:  deps.Aggregator,
		environment: deps.Environment,
		ingest:      deps.Ingest,
		functional:  deps.Functional,
		cfg:         cfg,
		logger:      logger.With().Str("component", "evaluation_worker").Logger(),
		tracer:      otel.Tracer("github.com/mlsec-arena/evalengine/internal/service/worker"),
	}
}

// Run consumes tasks with Concurrency loops until ctx is cancelled.
func (w *EvaluationWorker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (w *EvaluationWorker) consume(ctx context.Context, slot int) {
	logger := w.logger.With().Int("slot", slot).Logger()
	for ctx.Err() == nil {
		delivery, err := w.queue.Dequeue(ctx)
		switch {
		case err == nil:
			w.Handle(ctx, delivery)
		case errors.Is(err, queue.ErrQueueEmpty):
		case errors.Is(err, queue.ErrMalformedTask):
			observability.QueueDeliveries().WithLabelValues("unknown", "malformed").Inc()
			logger.Warn().Err(err).Msg("dropped malformed task")
		case ctx.Err() != nil:
			return
		default:
			logger.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.IdleDelay):
			}
		}
	}
}

// Handle processes one delivery and acknowledges it. Only infrastructure errors that prevented any
// state change lead to a nack.
func (w *EvaluationWorker) Handle(ctx context.Context, delivery *queue.Delivery) {
	task := delivery.Task
	logger := w.logger.With().
		Str("job_id", task.JobID).
		Str("job_type", task.JobType).
		Int("redelivered", task.Redelivered).
		Logger()

	var err error
	switch task.JobType {
	case models.JobTypeEvaluatePair:
		err = w.evaluate(ctx, task)
	case models.JobTypeIngestAttack:
		err = w.runJob(ctx, task, func(ctx context.Context) error {
			_, ingestErr := w.ingest.Ingest(ctx, task.SubmissionID)
			return ingestErr
		})
	case models.JobTypeFunctionalCheck:
		err = w.runJob(ctx, task, func(ctx context.Context) error {
			_, checkErr := w.functional.Check(ctx, task.SubmissionID)
			return checkErr
		})
	default:
		err = fmt.Errorf("unknown job type %q", task.JobType)
		w.markJob(ctx, task.JobID, models.JobStatusFailed, err.Error())
	}

	outcome := "ack"
	var retry *retryableError
	if errors.As(err, &retry) && ctx.Err() == nil {
		outcome = "nack"
		logger.Warn().Err(err).Msg("task will be redelivered")
		if nackErr := w.queue.Nack(ctx, delivery); nackErr != nil {
			logger.Error().Err(nackErr).Msg("nack failed")
		}
	} else {
		if err != nil {
			logger.Warn().Err(err).Msg("task finished with error")
		}
		if ackErr := w.queue.Ack(ctx, delivery); ackErr != nil {
			logger.Error().Err(ackErr).Msg("ack failed")
		}
	}
	observability.QueueDeliveries().WithLabelValues(task.JobType, outcome).Inc()
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (w *EvaluationWorker) runJob(ctx context.Context, task queue.Task, fn func(context.Context) error) error {
	w.markJob(ctx, task.JobID, models.JobStatusRunning, "")
	if err := fn(ctx); err != nil {
		w.markJob(ctx, task.JobID, models.JobStatusFailed, cleanErrorText(err.Error()))
		return err
	}
	w.markJob(ctx, task.JobID, models.JobStatusDone, "")
	return nil
}

func (w *EvaluationWorker) markJob(ctx context.Context, jobID, status, reason string) {
	if jobID == "" {
		return
	}
	if err := w.jobs.UpdateStatus(ctx, jobID, status, reason); err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to update job status")
	}
}

func (w *EvaluationWorker) evaluate(ctx context.Context, task queue.Task) error {
	claimed, ok, err := w.coordinator.Claim(ctx, task.RunID)
	if err != nil {
		return &retryableError{err: fmt.Errorf("claim run: %w", err)}
	}
	if !ok {
		w.logger.Debug().Str("run_id", task.RunID).Msg("run not claimable; delivery is a duplicate or the run was reaped")
		return nil
	}

	ctx, span := w.tracer.Start(ctx, "worker.evaluate", trace.WithAttributes(
		attribute.String("run.id", claimed.Run.ID),
		attribute.String("run.defense_submission_id", claimed.Run.DefenseSubmissionID),
		attribute.String("run.attack_submission_id", claimed.Run.AttackSubmissionID),
	))
	defer span.End()

	runCtx := ctx
	if claimed.Run.DeadlineAt != nil {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, *claimed.Run.DeadlineAt)
		defer cancel()
	}

	score, runErr := w.executeRun(runCtx, claimed)

	// Terminal writes must land even when the run context expired.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		reason := runErr.Error()
		if errors.Is(runErr, context.DeadlineExceeded) {
			reason = "deadline exceeded: " + reason
		}
		_, err := w.coordinator.Fail(writeCtx, claimed, reason)
		return err
	}

	_, err = w.coordinator.Complete(writeCtx, claimed, score)
	return err
}

func (w *EvaluationWorker) executeRun(ctx context.Context, claimed ClaimedRun) (models.EvaluationPairScore, error) {
	run := claimed.Run
	defense, err := w.submissions.GetByID(ctx, run.DefenseSubmissionID)
	if err != nil {
		return models.EvaluationPairScore{}, fmt.Errorf("load defense: %w", notFoundAs(err, ErrSubmissionNotFound))
	}

	logger := w.logger.With().Str("run_id", run.ID).Logger()
	operation := func() error {
		attempt, ok, err := w.coordinator.BeginAttempt(ctx, claimed)
		if err != nil {
			return err
		}
		if !ok {
			return backoff.Permanent(ErrRunBudgetExhausted)
		}

		session, err := w.environment.Open(ctx, defense)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if closeErr := session.Close(closeCtx); closeErr != nil {
				logger.Warn().Err(closeErr).Msg("failed to stop defense")
			}
		}()

		report, err := w.dispatcher.Dispatch(ctx, run, session)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			logger.Warn().Err(err).Int("attempt", attempt).Msg("dispatch attempt failed")
			return err
		}

		logger.Debug().Int("attempt", attempt).Int("in_scope", report.InScope).Int("errored", report.Errored).Msg("dispatch complete")
		return nil
	}

	policy := backoff.WithContext(w.cfg.NewRunBackOff(), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return models.EvaluationPairScore{}, err
	}

	return w.aggregator.Aggregate(ctx, run)
}
