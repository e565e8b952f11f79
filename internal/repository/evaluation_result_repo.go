package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mlsec-arena/evalengine/internal/models"
)

// EvaluationResultRepository stores per-file outcomes, at most one per (run, file).
type EvaluationResultRepository interface {
	Record(ctx context.Context, result *models.EvaluationFileResult) (bool, error)
	ListByRun(ctx context.Context, runID string) ([]models.EvaluationFileResult, error)
	RecordedFileIDs(ctx context.Context, runID string) (map[string]struct{}, error)
}

type evaluationResultRepository struct {
	db *gorm.DB
}

// NewEvaluationResultRepository constructs a file result repository.
func NewEvaluationResultRepository(db *gorm.DB) EvaluationResultRepository {
	return &evaluationResultRepository{db: db}
}

// Record inserts the result unless one already exists for the same run and file.
func (r *evaluationResultRepository) Record(ctx context.Context, result *models.EvaluationFileResult) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "evaluation_run_id"}, {Name: "attack_file_id"}},
			DoNothing: true,
		}).
		Create(result)
	return res.RowsAffected == 1, res.Error
}

func (r *evaluationResultRepository) ListByRun(ctx context.Context, runID string) ([]models.EvaluationFileResult, error) {
	var results []models.EvaluationFileResult
	err := r.db.WithContext(ctx).
		Where("evaluation_run_id = ?", runID).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *evaluationResultRepository) RecordedFileIDs(ctx context.Context, runID string) (map[string]struct{}, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.EvaluationFileResult{}).
		Where("evaluation_run_id = ?", runID).
		Pluck("attack_file_id", &ids).Error
	if err != nil {
		return nil, err
	}

	recorded := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		recorded[id] = struct{}{}
	}
	return recorded, nil
}
