package service

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/queue"
	"github.com/mlsec-arena/evalengine/internal/repository"
)

// SubmissionJobs queues the per-submission preparation work: archive ingest for attacks and the
// functional check for defenses.
type SubmissionJobs interface {
	Request(ctx context.Context, submissionID, requestedByUserID string) (models.Job, error)
}

type submissionJobs struct {
	submissions repository.SubmissionRepository
	jobs        repository.JobRepository
	queue       queue.Queue
	newBackOff  func() backoff.BackOff
	logger      zerolog.Logger
}

// NewSubmissionJobs constructs the submission job service. A nil newBackOff retries enqueue twice
// with exponential backoff.
func NewSubmissionJobs(
	submissions repository.SubmissionRepository,
	jobs repository.JobRepository,
	q queue.Queue,
	newBackOff func() backoff.BackOff,
	logger zerolog.Logger,
) SubmissionJobs {
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
		}
	}
	return &submissionJobs{
		submissions: submissions,
		jobs:        jobs,
		queue:       q,
		newBackOff:  newBackOff,
		logger:      logger.With().Str("component", "submission_jobs").Logger(),
	}
}

func jobTypeFor(submissionType string) (string, bool) {
	switch submissionType {
	case models.SubmissionTypeAttack:
		return models.JobTypeIngestAttack, true
	case models.SubmissionTypeDefense:
		return models.JobTypeFunctionalCheck, true
	default:
		return "", false
	}
}

// Request records a job row for the submission and hands it to the queue. The job type follows the
// submission type. A job that cannot be enqueued is marked failed before the error is returned.
func (s *submissionJobs) Request(ctx context.Context, submissionID, requestedByUserID string) (models.Job, error) {
	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return models.Job{}, notFoundAs(err, ErrSubmissionNotFound)
	}
	if submission.IsDeleted() {
		return models.Job{}, ErrSubmissionDeleted
	}
	jobType, ok := jobTypeFor(submission.SubmissionType)
	if !ok {
		return models.Job{}, ErrInvalidSubmissionType
	}

	job := models.Job{
		JobType: jobType,
		Status:  models.JobStatusQueued,
		Payload: datatypes.JSONMap{"submission_id": submission.ID},
	}
	if requestedByUserID != "" {
		job.RequestedByUserID = &requestedByUserID
	}
	if err := s.jobs.Create(ctx, &job); err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}

	logger := s.logger.With().
		Str("job_id", job.ID).
		Str("job_type", jobType).
		Str("submission_id", submission.ID).
		Logger()

	task := queue.Task{JobID: job.ID, JobType: jobType, SubmissionID: submission.ID}
	err = backoff.Retry(func() error {
		return s.queue.Enqueue(ctx, task)
	}, backoff.WithContext(s.newBackOff(), ctx))
	if err != nil {
		logger.Error().Err(err).Msg("failed to enqueue submission job")
		reason := cleanErrorText("enqueue failed: " + err.Error())
		if markErr := s.jobs.UpdateStatus(ctx, job.ID, models.JobStatusFailed, reason); markErr != nil {
			logger.Error().Err(markErr).Msg("failed to mark unenqueued job")
		}
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}

	logger.Info().Msg("submission job queued")
	return job, nil
}
