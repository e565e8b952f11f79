package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/observability"
	"github.com/mlsec-arena/evalengine/internal/repository"
)

// SmokeSample is a minimal PE-looking payload every defense must answer.
func SmokeSample() []byte {
	sample := make([]byte, 4096)
	sample[0], sample[1] = 'M', 'Z'
	return sample
}

// FunctionalCheckReport is the outcome of a functional check.
type FunctionalCheckReport struct {
	Skipped    bool
	Functional bool
	Reason     string
}

// FunctionalCheckService verifies a defense answers the classification contract before it is
// evaluated.
type FunctionalCheckService interface {
	Check(ctx context.Context, submissionID string) (FunctionalCheckReport, error)
}

type functionalCheckService struct {
	submissions repository.SubmissionRepository
	environment ExecutionEnvironment
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewFunctionalCheckService constructs the functional check. environment should use a classifier
// that requires a JSON answer.
func NewFunctionalCheckService(submissions repository.SubmissionRepository, environment ExecutionEnvironment, timeout time.Duration, logger zerolog.Logger) FunctionalCheckService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &functionalCheckService{
		submissions: submissions,
		environment: environment,
		timeout:     timeout,
		logger:      logger.With().Str("component", "functional_check").Logger(),
	}
}

// Check records is_functional for the defense. A defense that fails the smoke sample is a recorded
// outcome, not an error; errors are reserved for the store.
func (s *functionalCheckService) Check(ctx context.Context, submissionID string) (FunctionalCheckReport, error) {
	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return FunctionalCheckReport{}, notFoundAs(err, ErrSubmissionNotFound)
	}
	if !submission.IsDefense() {
		return FunctionalCheckReport{}, ErrSubmissionTypeMismatch
	}
	if submission.IsDeleted() {
		return FunctionalCheckReport{}, ErrSubmissionDeleted
	}
	if submission.IsFunctional != nil {
		return FunctionalCheckReport{Skipped: true, Functional: *submission.IsFunctional, Reason: submission.FunctionalError}, nil
	}

	if _, err := s.submissions.AdvanceStatus(ctx, submission.ID, models.SubmissionStatusEvaluating); err != nil {
		return FunctionalCheckReport{}, fmt.Errorf("mark evaluating: %w", err)
	}

	reason := s.smokeTest(ctx, submission)
	report := FunctionalCheckReport{Functional: reason == "", Reason: cleanErrorText(reason)}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.submissions.RecordFunctionalCheck(writeCtx, submission.ID, report.Functional, report.Reason); err != nil {
		return report, fmt.Errorf("record functional check: %w", err)
	}

	status := models.SubmissionStatusReady
	if !report.Functional {
		status = models.SubmissionStatusFailed
	}
	if _, err := s.submissions.AdvanceStatus(writeCtx, submission.ID, status); err != nil {
		return report, fmt.Errorf("record status: %w", err)
	}
	observability.SubmissionChecks().WithLabelValues("functional", status).Inc()

	s.logger.Info().
		Str("submission_id", submission.ID).
		Bool("functional", report.Functional).
		Str("reason", report.Reason).
		Msg("functional check finished")
	return report, nil
}

func (s *functionalCheckService) smokeTest(ctx context.Context, defense models.Submission) string {
	session, err := s.environment.Open(ctx, defense)
	if err != nil {
		return err.Error()
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := session.Close(closeCtx); err != nil {
			s.logger.Warn().Err(err).Str("submission_id", defense.ID).Msg("failed to stop defense after check")
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := session.Classify(callCtx, SmokeSample()); err != nil {
		return err.Error()
	}
	return ""
}
