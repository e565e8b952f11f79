package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/repository"
)

// ActivationResult describes the outcome of an activation request.
type ActivationResult struct {
	Submission models.Submission
	// Active is false when a concurrent activation for the same user and type committed later.
	Active   bool
	Schedule ScheduleResult
}

// SubmissionRegistry tracks which submission is active per user and type.
type SubmissionRegistry interface {
	Activate(ctx context.Context, submissionID string) (ActivationResult, error)
	CurrentActive(ctx context.Context, userID, submissionType string) (*models.Submission, error)
	Deactivate(ctx context.Context, submissionID string, purgeScores bool) error
}

type submissionRegistry struct {
	submissions repository.SubmissionRepository
	scores      repository.PairScoreRepository
	resolver    PairResolver
	coordinator RunCoordinator
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewSubmissionRegistry constructs the submission registry.
func NewSubmissionRegistry(
	submissions repository.SubmissionRepository,
	scores repository.PairScoreRepository,
	resolver PairResolver,
	coordinator RunCoordinator,
	logger zerolog.Logger,
) SubmissionRegistry {
	return &submissionRegistry{
		submissions: submissions,
		scores:      scores,
		resolver:    resolver,
		coordinator: coordinator,
		logger:      logger.With().Str("component", "submission_registry").Logger(),
		tracer:      otel.Tracer("github.com/mlsec-arena/evalengine/internal/service/registry"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Activate points the owner's (user, type) slot at the submission and schedules evaluation against
// every active counterpart. Scheduling only happens when this request's write is the one that stuck.
func (s *submissionRegistry) Activate(ctx context.Context, submissionID string) (ActivationResult, error) {
	ctx, span := s.tracer.Start(ctx, "registry.activate", trace.WithAttributes(
		attribute.String("submission.id", submissionID),
	))
	defer span.End()

	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return ActivationResult{}, notFoundAs(err, ErrSubmissionNotFound)
	}
	if submission.IsDeleted() {
		return ActivationResult{}, ErrSubmissionDeleted
	}
	if !models.ValidSubmissionType(submission.SubmissionType) {
		return ActivationResult{}, ErrInvalidSubmissionType
	}

	if err := s.submissions.Activate(ctx, submission, s.now()); err != nil {
		if errors.Is(err, repository.ErrSubmissionGone) {
			return ActivationResult{}, ErrSubmissionDeleted
		}
		span.RecordError(err)
		return ActivationResult{}, fmt.Errorf("activate submission: %w", err)
	}

	result := ActivationResult{Submission: submission}
	current, err := s.submissions.GetActive(ctx, submission.UserID, submission.SubmissionType)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return result, err
	}
	if current.SubmissionID != submission.ID {
		s.logger.Info().
			Str("submission_id", submission.ID).
			Str("active_submission_id", current.SubmissionID).
			Msg("activation superseded by a later request")
		return result, nil
	}
	result.Active = true

	pairs, err := s.resolver.PairsToEvaluate(ctx, submission)
	if err != nil {
		span.RecordError(err)
		return result, err
	}

	scheduled, err := s.coordinator.Schedule(ctx, pairs, ScheduleOptions{
		Scope:             models.ScopeZip,
		RequestedByUserID: submission.UserID,
	})
	result.Schedule = scheduled
	if err != nil {
		// The pointer is already moved; pairs that could not be queued are reported, not retried here.
		span.RecordError(err)
		s.logger.Warn().
			Err(err).
			Str("submission_id", submission.ID).
			Int("pairs_failed", len(scheduled.Failed)).
			Msg("some pairs could not be scheduled")
	}

	s.logger.Info().
		Str("submission_id", submission.ID).
		Str("user_id", submission.UserID).
		Str("submission_type", submission.SubmissionType).
		Int("runs_created", len(scheduled.Created)).
		Int("runs_in_progress", len(scheduled.InProgress)).
		Int("runs_failed", len(scheduled.Failed)).
		Msg("submission activated")

	return result, nil
}

func (s *submissionRegistry) CurrentActive(ctx context.Context, userID, submissionType string) (*models.Submission, error) {
	if !models.ValidSubmissionType(submissionType) {
		return nil, ErrInvalidSubmissionType
	}

	active, err := s.submissions.GetActive(ctx, userID, submissionType)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	submission, err := s.submissions.GetByID(ctx, active.SubmissionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if submission.IsDeleted() {
		return nil, nil
	}
	return &submission, nil
}

// Deactivate soft-deletes the submission and clears its active pointer. Past pair scores stay unless
// purgeScores is set.
func (s *submissionRegistry) Deactivate(ctx context.Context, submissionID string, purgeScores bool) error {
	if _, err := s.submissions.GetByID(ctx, submissionID); err != nil {
		return notFoundAs(err, ErrSubmissionNotFound)
	}

	deleted, err := s.submissions.SoftDelete(ctx, submissionID, s.now())
	if err != nil {
		return fmt.Errorf("soft delete submission: %w", err)
	}
	if _, err := s.submissions.ClearActive(ctx, submissionID); err != nil {
		return fmt.Errorf("clear active pointer: %w", err)
	}

	purged := int64(0)
	if purgeScores {
		purged, err = s.scores.PurgeForSubmission(ctx, submissionID)
		if err != nil {
			return fmt.Errorf("purge pair scores: %w", err)
		}
	}

	s.logger.Info().
		Str("submission_id", submissionID).
		Bool("newly_deleted", deleted).
		Int64("scores_purged", purged).
		Msg("submission deactivated")
	return nil
}
