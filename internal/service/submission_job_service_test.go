package service

import (
	"context"
	"testing"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/require"

	"github.com/mlsec-arena/evalengine/internal/models"
)

func newTestSubmissionJobs(h *harness) SubmissionJobs {
	return NewSubmissionJobs(h.submissions, h.jobs, h.queue, func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}, testLogger())
}

func TestRequestQueuesIngestForAttack(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()
	attack := h.attackWithArchive(t, buildArchive(t, map[string]string{"a.bin": "a", "b.bin": "b"}))

	job, err := newTestSubmissionJobs(h).Request(ctx, attack.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, models.JobTypeIngestAttack, job.JobType)
	require.Equal(t, attack.ID, job.Payload["submission_id"])
	require.NotNil(t, job.RequestedByUserID)

	pending := h.queue.pending()
	require.Len(t, pending, 1)
	require.Equal(t, job.ID, pending[0].JobID)
	require.Equal(t, attack.ID, pending[0].SubmissionID)

	h.drain(t)

	stored, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusDone, stored.Status)
	count, err := h.files.CountBySubmission(ctx, attack.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestRequestQueuesFunctionalCheckForDefense(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	defense := h.submission(t, "alice", models.SubmissionTypeDefense)

	job, err := newTestSubmissionJobs(h).Request(context.Background(), defense.ID, "")
	require.NoError(t, err)
	require.Equal(t, models.JobTypeFunctionalCheck, job.JobType)
	require.Nil(t, job.RequestedByUserID)

	pending := h.queue.pending()
	require.Len(t, pending, 1)
	require.Equal(t, models.JobTypeFunctionalCheck, pending[0].JobType)
	require.Equal(t, defense.ID, pending[0].SubmissionID)
}

func TestRequestRejectsMissingAndDeletedSubmissions(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()
	jobs := newTestSubmissionJobs(h)

	_, err := jobs.Request(ctx, "missing", "")
	require.ErrorIs(t, err, ErrSubmissionNotFound)

	defense := h.submission(t, "alice", models.SubmissionTypeDefense)
	require.NoError(t, h.registry.Deactivate(ctx, defense.ID, false))
	_, err = jobs.Request(ctx, defense.ID, "")
	require.ErrorIs(t, err, ErrSubmissionDeleted)
	require.Empty(t, h.queue.pending())
}

func TestRequestMarksJobFailedWhenQueueIsDown(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()
	defense := h.submission(t, "alice", models.SubmissionTypeDefense)
	jobs := newTestSubmissionJobs(h)

	h.queue.failNext = 1
	job, err := jobs.Request(ctx, defense.ID, "")
	require.NoError(t, err, "a single transient failure is retried")
	require.Len(t, h.queue.pending(), 1)

	h.queue.failOn = true
	_, err = jobs.Request(ctx, defense.ID, "")
	require.ErrorContains(t, err, "queue unavailable")

	var failed []models.Job
	require.NoError(t, h.db.Where("status = ? AND id <> ?", models.JobStatusFailed, job.ID).Find(&failed).Error)
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].Error, "enqueue failed")
}
