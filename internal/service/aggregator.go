package service

import (
	"context"
	"fmt"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/repository"
)

// ScoreAggregator folds a run's file results into the pair score it would publish.
type ScoreAggregator interface {
	Aggregate(ctx context.Context, run models.EvaluationRun) (models.EvaluationPairScore, error)
}

type scoreAggregator struct {
	files   repository.AttackFileRepository
	results repository.EvaluationResultRepository
}

// NewScoreAggregator constructs a score aggregator.
func NewScoreAggregator(files repository.AttackFileRepository, results repository.EvaluationResultRepository) ScoreAggregator {
	return &scoreAggregator{files: files, results: results}
}

// Aggregate requires a result for every file in scope. It returns ErrEmptyScope when there was
// nothing to score and ErrAllFilesErrored when no file succeeded.
func (a *scoreAggregator) Aggregate(ctx context.Context, run models.EvaluationRun) (models.EvaluationPairScore, error) {
	scope, err := a.files.ListScope(ctx, run.AttackSubmissionID, run.Scope, run.IncludeBehaviorDifferent)
	if err != nil {
		return models.EvaluationPairScore{}, fmt.Errorf("list scope: %w", err)
	}
	if len(scope) == 0 {
		return models.EvaluationPairScore{}, ErrEmptyScope
	}

	results, err := a.results.ListByRun(ctx, run.ID)
	if err != nil {
		return models.EvaluationPairScore{}, fmt.Errorf("list results: %w", err)
	}

	inScope := make(map[string]struct{}, len(scope))
	for _, file := range scope {
		inScope[file.ID] = struct{}{}
	}
	scoped := make([]models.EvaluationFileResult, 0, len(results))
	for _, result := range results {
		if _, ok := inScope[result.AttackFileID]; ok {
			scoped = append(scoped, result)
		}
	}
	if len(scoped) < len(scope) {
		return models.EvaluationPairScore{}, fmt.Errorf("aggregate called with %d of %d results reported", len(scoped), len(scope))
	}

	avg, scored, errored := MeanScore(scoped)
	if scored == 0 {
		return models.EvaluationPairScore{}, ErrAllFilesErrored
	}

	return models.EvaluationPairScore{
		DefenseSubmissionID:      run.DefenseSubmissionID,
		AttackSubmissionID:       run.AttackSubmissionID,
		LatestEvaluationRunID:    run.ID,
		RunCreatedAt:             run.CreatedAt,
		ZipScoreAvg:              avg,
		NFilesScored:             scored,
		NFilesError:              errored,
		IncludeBehaviorDifferent: run.IncludeBehaviorDifferent,
	}, nil
}

// MeanScore averages the scores of successful results. Errored results only count toward errored.
func MeanScore(results []models.EvaluationFileResult) (avg float64, scored, errored int) {
	var sum float64
	for _, result := range results {
		if !result.Succeeded() {
			errored++
			continue
		}
		sum += *result.Score
		scored++
	}
	if scored == 0 {
		return 0, 0, errored
	}
	return sum / float64(scored), scored, errored
}
