package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/observability"
	"github.com/mlsec-arena/evalengine/internal/repository"
	"github.com/mlsec-arena/evalengine/pkg/objectstore"
)

// DispatchConfig bounds per-run fan-out and per-file retries.
type DispatchConfig struct {
	MaxInFlight int
	FileTimeout time.Duration
	MaxAttempts int
	NewBackOff  func() backoff.BackOff
}

// DispatchReport summarises one dispatch pass.
type DispatchReport struct {
	InScope    int
	Dispatched int
	Recorded   int
	Errored    int
}

// FileDispatcher scores every file in a run's scope exactly once.
type FileDispatcher interface {
	Dispatch(ctx context.Context, run models.EvaluationRun, session ExecutionSession) (DispatchReport, error)
}

type fileDispatcher struct {
	files   repository.AttackFileRepository
	results repository.EvaluationResultRepository
	store   objectstore.Store
	cfg     DispatchConfig
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// NewFileDispatcher constructs a file dispatcher.
func NewFileDispatcher(
	files repository.AttackFileRepository,
	results repository.EvaluationResultRepository,
	store objectstore.Store,
	cfg DispatchConfig,
	logger zerolog.Logger,
) FileDispatcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.FileTimeout <= 0 {
		cfg.FileTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}

	return &fileDispatcher{
		files:   files,
		results: results,
		store:   store,
		cfg:     cfg,
		logger:  logger.With().Str("component", "file_dispatcher").Logger(),
		tracer:  otel.Tracer("github.com/mlsec-arena/evalengine/internal/service/dispatcher"),
	}
}

// Dispatch scores the files of the run's scope that have no result yet, at most MaxInFlight at a
// time, and returns once every one of them has a result row. An error means results may be
// missing and the pass can be repeated.
func (d *fileDispatcher) Dispatch(ctx context.Context, run models.EvaluationRun, session ExecutionSession) (DispatchReport, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch", trace.WithAttributes(
		attribute.String("run.id", run.ID),
	))
	defer span.End()

	scope, err := d.files.ListScope(ctx, run.AttackSubmissionID, run.Scope, run.IncludeBehaviorDifferent)
	if err != nil {
		return DispatchReport{}, fmt.Errorf("list scope: %w", err)
	}
	recorded, err := d.results.RecordedFileIDs(ctx, run.ID)
	if err != nil {
		return DispatchReport{}, fmt.Errorf("list recorded results: %w", err)
	}

	report := DispatchReport{InScope: len(scope)}
	pending := make([]models.AttackFile, 0, len(scope))
	for _, file := range scope {
		if _, done := recorded[file.ID]; done {
			continue
		}
		pending = append(pending, file)
	}
	report.Dispatched = len(pending)
	span.SetAttributes(attribute.Int("files.scope", len(scope)), attribute.Int("files.pending", len(pending)))

	outcomes := make([]fileOutcome, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxInFlight)
	for i, file := range pending {
		i, file := i, file
		g.Go(func() error {
			outcome, err := d.scoreFile(gctx, run, file, session)
			outcomes[i] = outcome
			return err
		})
	}
	err = g.Wait()

	for _, outcome := range outcomes {
		if outcome.recorded {
			report.Recorded++
		}
		if outcome.errored {
			report.Errored++
		}
	}
	if err != nil {
		span.RecordError(err)
		return report, err
	}

	d.logger.Debug().
		Str("run_id", run.ID).
		Int("in_scope", report.InScope).
		Int("dispatched", report.Dispatched).
		Int("errored", report.Errored).
		Msg("dispatch pass finished")
	return report, nil
}

type fileOutcome struct {
	recorded bool
	errored  bool
}

func (d *fileDispatcher) scoreFile(ctx context.Context, run models.EvaluationRun, file models.AttackFile, session ExecutionSession) (fileOutcome, error) {
	logger := d.logger.With().
		Str("run_id", run.ID).
		Str("attack_file_id", file.ID).
		Logger()
	start := time.Now()

	attempts := 0
	var label int
	var score float64
	operation := func() error {
		attempts++
		sample, err := d.store.Get(ctx, file.ObjectKey)
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return backoff.Permanent(fmt.Errorf("sample missing from object store: %w", err))
		}
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.FileTimeout)
		defer cancel()
		verdict, err := session.Classify(callCtx, sample)
		if err != nil {
			return err
		}
		label, score = verdict.Label, verdict.Score
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(d.cfg.NewBackOff(), uint64(d.cfg.MaxAttempts-1)), ctx)
	err := backoff.Retry(operation, policy)
	if ctx.Err() != nil {
		return fileOutcome{}, ctx.Err()
	}

	result := &models.EvaluationFileResult{
		EvaluationRunID: run.ID,
		AttackFileID:    file.ID,
		DurationMs:      time.Since(start).Milliseconds(),
	}
	if err != nil {
		reason := cleanErrorText(fmt.Sprintf("%v (after %d attempts)", err, attempts))
		result.Error = &reason
		logger.Warn().Err(err).Int("attempts", attempts).Msg("file scoring failed")
	} else {
		result.ModelOutput = &label
		result.Score = &score
	}

	inserted, recErr := d.results.Record(ctx, result)
	if recErr != nil {
		return fileOutcome{}, fmt.Errorf("record result for file %s: %w", file.ID, recErr)
	}

	outcome := "scored"
	if result.Error != nil {
		outcome = "error"
	}
	if inserted {
		observability.FileResults().WithLabelValues(outcome).Inc()
	}
	return fileOutcome{recorded: inserted, errored: result.Error != nil}, nil
}
