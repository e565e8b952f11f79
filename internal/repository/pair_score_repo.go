package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/mlsec-arena/evalengine/internal/models"
)

// PairScoreFilter narrows pair score listings.
type PairScoreFilter struct {
	DefenseSubmissionID string
	AttackSubmissionID  string
}

// PairScoreRepository reads the materialized pair scores. Writes happen in EvaluationRunRepository.Complete.
type PairScoreRepository interface {
	Get(ctx context.Context, defenseSubmissionID, attackSubmissionID string) (models.EvaluationPairScore, error)
	List(ctx context.Context, filter PairScoreFilter) ([]models.EvaluationPairScore, error)
	PurgeForSubmission(ctx context.Context, submissionID string) (int64, error)
}

type pairScoreRepository struct {
	db *gorm.DB
}

// NewPairScoreRepository constructs a pair score repository.
func NewPairScoreRepository(db *gorm.DB) PairScoreRepository {
	return &pairScoreRepository{db: db}
}

func (r *pairScoreRepository) Get(ctx context.Context, defenseSubmissionID, attackSubmissionID string) (models.EvaluationPairScore, error) {
	var score models.EvaluationPairScore
	err := r.db.WithContext(ctx).
		Where("defense_submission_id = ? AND attack_submission_id = ?", defenseSubmissionID, attackSubmissionID).
		First(&score).Error
	if err != nil {
		return models.EvaluationPairScore{}, err
	}
	return score, nil
}

func (r *pairScoreRepository) List(ctx context.Context, filter PairScoreFilter) ([]models.EvaluationPairScore, error) {
	query := r.db.WithContext(ctx).Model(&models.EvaluationPairScore{})
	if filter.DefenseSubmissionID != "" {
		query = query.Where("defense_submission_id = ?", filter.DefenseSubmissionID)
	}
	if filter.AttackSubmissionID != "" {
		query = query.Where("attack_submission_id = ?", filter.AttackSubmissionID)
	}

	var scores []models.EvaluationPairScore
	if err := query.Order("computed_at DESC").Find(&scores).Error; err != nil {
		return nil, err
	}
	return scores, nil
}

func (r *pairScoreRepository) PurgeForSubmission(ctx context.Context, submissionID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("defense_submission_id = ? OR attack_submission_id = ?", submissionID, submissionID).
		Delete(&models.EvaluationPairScore{})
	return res.RowsAffected, res.Error
}
