package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mlsec-arena/evalengine/internal/models"
)

// Attack file sources.
const (
	SourceZip = "zip"
	SourceS3  = "s3"
)

// AttackFileRepository persists samples extracted from attack submissions.
type AttackFileRepository interface {
	CreateBatch(ctx context.Context, files []models.AttackFile) (int64, error)
	GetByID(ctx context.Context, id string) (models.AttackFile, error)
	ListBySubmission(ctx context.Context, attackSubmissionID string) ([]models.AttackFile, error)
	ListScope(ctx context.Context, attackSubmissionID, scope string, includeBehaviorDifferent bool) ([]models.AttackFile, error)
	CountBySubmission(ctx context.Context, attackSubmissionID string) (int64, error)
	SetOriginal(ctx context.Context, fileID, originalFileID string) (bool, error)
}

type attackFileRepository struct {
	db *gorm.DB
}

// NewAttackFileRepository constructs an attack file repository.
func NewAttackFileRepository(db *gorm.DB) AttackFileRepository {
	return &attackFileRepository{db: db}
}

// CreateBatch inserts files, skipping names already present for the submission.
func (r *attackFileRepository) CreateBatch(ctx context.Context, files []models.AttackFile) (int64, error) {
	if len(files) == 0 {
		return 0, nil
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&files, 200)
	return res.RowsAffected, res.Error
}

func (r *attackFileRepository) GetByID(ctx context.Context, id string) (models.AttackFile, error) {
	var file models.AttackFile
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&file).Error; err != nil {
		return models.AttackFile{}, err
	}
	return file, nil
}

func (r *attackFileRepository) ListBySubmission(ctx context.Context, attackSubmissionID string) ([]models.AttackFile, error) {
	var files []models.AttackFile
	err := r.db.WithContext(ctx).
		Where("attack_submission_id = ?", attackSubmissionID).
		Order("created_at ASC, filename ASC").
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ListScope returns the files a run with the given scope must score.
func (r *attackFileRepository) ListScope(ctx context.Context, attackSubmissionID, scope string, includeBehaviorDifferent bool) ([]models.AttackFile, error) {
	query := r.db.WithContext(ctx).Where("attack_submission_id = ?", attackSubmissionID)

	switch scope {
	case models.ScopeS3:
		query = query.Where("source = ?", SourceS3)
	case models.ScopeBoth:
	default:
		query = query.Where("source = ?", SourceZip)
	}

	if !includeBehaviorDifferent {
		query = query.Where("behavior_status <> ?", models.BehaviorStatusDifferent)
	}

	var files []models.AttackFile
	if err := query.Order("filename ASC").Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

func (r *attackFileRepository) CountBySubmission(ctx context.Context, attackSubmissionID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.AttackFile{}).
		Where("attack_submission_id = ?", attackSubmissionID).
		Count(&count).Error
	return count, err
}

// SetOriginal sets the lineage pointer once; an already linked file is left untouched.
func (r *attackFileRepository) SetOriginal(ctx context.Context, fileID, originalFileID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.AttackFile{}).
		Where("id = ? AND original_file_id IS NULL", fileID).
		Update("original_file_id", originalFileID)
	return res.RowsAffected == 1, res.Error
}
