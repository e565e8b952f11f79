package service

import (
	"context"
	"fmt"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/repository"
)

// PairResolver computes the pairs a newly active submission must be evaluated on.
type PairResolver interface {
	PairsToEvaluate(ctx context.Context, submission models.Submission) ([]repository.PairKey, error)
}

type pairResolver struct {
	submissions repository.SubmissionRepository
	runs        repository.EvaluationRunRepository
}

// NewPairResolver constructs a pair resolver.
func NewPairResolver(submissions repository.SubmissionRepository, runs repository.EvaluationRunRepository) PairResolver {
	return &pairResolver{submissions: submissions, runs: runs}
}

// PairsToEvaluate pairs the submission with every active counterpart across all users, minus pairs
// that already have a queued or running run. Each pair appears once.
func (r *pairResolver) PairsToEvaluate(ctx context.Context, submission models.Submission) ([]repository.PairKey, error) {
	if !models.ValidSubmissionType(submission.SubmissionType) {
		return nil, ErrInvalidSubmissionType
	}

	counterparts, err := r.submissions.ListActive(ctx, models.OpposingType(submission.SubmissionType))
	if err != nil {
		return nil, fmt.Errorf("list active counterparts: %w", err)
	}

	open, err := r.runs.OpenPairs(ctx, submission.ID)
	if err != nil {
		return nil, fmt.Errorf("list open pairs: %w", err)
	}

	seen := make(map[repository.PairKey]struct{}, len(counterparts))
	pairs := make([]repository.PairKey, 0, len(counterparts))
	for _, counterpart := range counterparts {
		pair := repository.PairKey{DefenseSubmissionID: submission.ID, AttackSubmissionID: counterpart.ID}
		if !submission.IsDefense() {
			pair = repository.PairKey{DefenseSubmissionID: counterpart.ID, AttackSubmissionID: submission.ID}
		}

		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}

		if _, busy := open[pair]; busy {
			continue
		}
		pairs = append(pairs, pair)
	}

	return pairs, nil
}
