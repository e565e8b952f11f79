package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/repository"
)

func TestActivateSchedulesAgainstActiveCounterparts(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()

	attackA := h.submission(t, "alice", models.SubmissionTypeAttack)
	attackB := h.submission(t, "bob", models.SubmissionTypeAttack)
	_, err := h.registry.Activate(ctx, attackA.ID)
	require.NoError(t, err)
	_, err = h.registry.Activate(ctx, attackB.ID)
	require.NoError(t, err)

	defense := h.submission(t, "carol", models.SubmissionTypeDefense)
	result, err := h.registry.Activate(ctx, defense.ID)
	require.NoError(t, err)
	require.True(t, result.Active)
	require.Len(t, result.Schedule.Created, 2)
	require.Empty(t, result.Schedule.InProgress)
	require.Len(t, h.queue.pending(), 2)

	// Re-activating while both runs are still queued creates nothing new.
	again, err := h.registry.Activate(ctx, defense.ID)
	require.NoError(t, err)
	require.Empty(t, again.Schedule.Created)

	runs, err := h.runs.List(ctx, repository.RunFilter{DefenseSubmissionID: defense.ID})
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestActivateRetriesTransientEnqueueFailure(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "dave"} {
		attack := h.submission(t, user, models.SubmissionTypeAttack)
		_, err := h.registry.Activate(ctx, attack.ID)
		require.NoError(t, err)
	}

	h.queue.failNext = 1
	defense := h.submission(t, "carol", models.SubmissionTypeDefense)
	result, err := h.registry.Activate(ctx, defense.ID)
	require.NoError(t, err)
	require.Len(t, result.Schedule.Created, 3)
	require.Empty(t, result.Schedule.Failed)
	require.Len(t, h.queue.pending(), 3)
}

func TestActivateKeepsSchedulingPastAFailedPair(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "dave"} {
		attack := h.submission(t, user, models.SubmissionTypeAttack)
		_, err := h.registry.Activate(ctx, attack.ID)
		require.NoError(t, err)
	}

	// Enough failures to exhaust every retry of the first pair only.
	h.queue.failNext = 3
	defense := h.submission(t, "carol", models.SubmissionTypeDefense)
	result, err := h.registry.Activate(ctx, defense.ID)
	require.NoError(t, err)
	require.True(t, result.Active)
	require.Len(t, result.Schedule.Created, 2)
	require.Len(t, result.Schedule.Failed, 1)
	require.Len(t, h.queue.pending(), 2)

	failed := result.Schedule.Failed[0]
	runs, err := h.runs.List(ctx, repository.RunFilter{
		DefenseSubmissionID: failed.DefenseSubmissionID,
		AttackSubmissionID:  failed.AttackSubmissionID,
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, models.RunStatusFailed, runs[0].Status)
	require.Contains(t, runs[0].Error, "enqueue failed")

	// The released pair is picked up by the next activation; queued pairs are not scheduled twice.
	again, err := h.registry.Activate(ctx, defense.ID)
	require.NoError(t, err)
	require.Len(t, again.Schedule.Created, 1)
	require.Equal(t, failed, repository.PairKey{
		DefenseSubmissionID: again.Schedule.Created[0].DefenseSubmissionID,
		AttackSubmissionID:  again.Schedule.Created[0].AttackSubmissionID,
	})
	require.Len(t, h.queue.pending(), 3)
}

func TestScheduleJoinsPerPairErrors(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()

	defense := h.submission(t, "carol", models.SubmissionTypeDefense)
	first := h.submission(t, "alice", models.SubmissionTypeAttack)
	second := h.submission(t, "bob", models.SubmissionTypeAttack)

	h.queue.failOn = true
	result, err := h.coordinator.Schedule(ctx, []repository.PairKey{
		{DefenseSubmissionID: defense.ID, AttackSubmissionID: first.ID},
		{DefenseSubmissionID: defense.ID, AttackSubmissionID: second.ID},
	}, ScheduleOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), first.ID)
	require.Contains(t, err.Error(), second.ID)
	require.Len(t, result.Failed, 2)
	require.Empty(t, result.Created)
}

func TestActivateReplacesPreviousSubmission(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()

	first := h.submission(t, "alice", models.SubmissionTypeDefense)
	second := h.submission(t, "alice", models.SubmissionTypeDefense)

	_, err := h.registry.Activate(ctx, first.ID)
	require.NoError(t, err)
	_, err = h.registry.Activate(ctx, second.ID)
	require.NoError(t, err)

	current, err := h.registry.CurrentActive(ctx, "alice", models.SubmissionTypeDefense)
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Equal(t, second.ID, current.ID)

	var count int64
	require.NoError(t, h.db.Model(&models.ActiveSubmission{}).Where("user_id = ?", "alice").Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestConcurrentActivationsLeaveOneActiveSubmission(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()

	h.submission(t, "bob", models.SubmissionTypeAttack)
	candidates := make([]models.Submission, 4)
	for i := range candidates {
		candidates[i] = h.submission(t, "alice", models.SubmissionTypeDefense)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(candidates))
	for _, candidate := range candidates {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.registry.Activate(ctx, id)
			errs <- err
		}(candidate.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	current, err := h.registry.CurrentActive(ctx, "alice", models.SubmissionTypeDefense)
	require.NoError(t, err)
	require.NotNil(t, current)

	var count int64
	require.NoError(t, h.db.Model(&models.ActiveSubmission{}).
		Where("user_id = ? AND submission_type = ?", "alice", models.SubmissionTypeDefense).
		Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestActivateRejectsDeletedSubmission(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()

	defense := h.submission(t, "alice", models.SubmissionTypeDefense)
	require.NoError(t, h.registry.Deactivate(ctx, defense.ID, false))

	_, err := h.registry.Activate(ctx, defense.ID)
	require.ErrorIs(t, err, ErrSubmissionDeleted)

	_, err = h.registry.Activate(ctx, "missing")
	require.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestDeactivateClearsActiveAndOptionallyPurgesScores(t *testing.T) {
	env := &stubEnvironment{verdict: verdictsByContent(map[string]float64{"f1": 1})}
	h := newHarness(t, env)
	ctx := context.Background()

	attack := h.submission(t, "bob", models.SubmissionTypeAttack)
	h.attackFiles(t, attack.ID, "f1")
	_, err := h.registry.Activate(ctx, attack.ID)
	require.NoError(t, err)

	defense := h.submission(t, "alice", models.SubmissionTypeDefense)
	_, err = h.registry.Activate(ctx, defense.ID)
	require.NoError(t, err)
	h.drain(t)

	_, err = h.scores.Get(ctx, defense.ID, attack.ID)
	require.NoError(t, err)

	require.NoError(t, h.registry.Deactivate(ctx, attack.ID, false))
	current, err := h.registry.CurrentActive(ctx, "bob", models.SubmissionTypeAttack)
	require.NoError(t, err)
	require.Nil(t, current)
	_, err = h.scores.Get(ctx, defense.ID, attack.ID)
	require.NoError(t, err)

	require.NoError(t, h.registry.Deactivate(ctx, attack.ID, true))
	_, err = h.scores.Get(ctx, defense.ID, attack.ID)
	require.Error(t, err)

	// A deleted attack is no longer a counterpart for new defenses.
	other := h.submission(t, "carol", models.SubmissionTypeDefense)
	result, err := h.registry.Activate(ctx, other.ID)
	require.NoError(t, err)
	require.Empty(t, result.Schedule.Created)
}

func TestPairResolverSkipsOpenPairs(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()
	resolver := NewPairResolver(h.submissions, h.runs)

	defense := h.submission(t, "alice", models.SubmissionTypeDefense)
	busy := h.submission(t, "bob", models.SubmissionTypeAttack)
	idle := h.submission(t, "carol", models.SubmissionTypeAttack)
	for _, attack := range []models.Submission{busy, idle} {
		_, err := h.registry.Activate(ctx, attack.ID)
		require.NoError(t, err)
	}

	_, err := h.coordinator.Trigger(ctx, repository.PairKey{DefenseSubmissionID: defense.ID, AttackSubmissionID: busy.ID}, ScheduleOptions{})
	require.NoError(t, err)

	pairs, err := resolver.PairsToEvaluate(ctx, defense)
	require.NoError(t, err)
	require.Equal(t, []repository.PairKey{{DefenseSubmissionID: defense.ID, AttackSubmissionID: idle.ID}}, pairs)

	attackPairs, err := resolver.PairsToEvaluate(ctx, idle)
	require.NoError(t, err)
	require.Empty(t, attackPairs, "no defense is active yet")

	_, err = resolver.PairsToEvaluate(ctx, models.Submission{SubmissionType: "bogus"})
	require.ErrorIs(t, err, ErrInvalidSubmissionType)
}

func TestCurrentActiveRejectsUnknownType(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})

	_, err := h.registry.CurrentActive(context.Background(), "alice", "bogus")
	require.ErrorIs(t, err, ErrInvalidSubmissionType)

	current, err := h.registry.CurrentActive(context.Background(), "alice", models.SubmissionTypeDefense)
	require.NoError(t, err)
	require.Nil(t, current)
}
