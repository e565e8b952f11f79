package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mlsec-arena/evalengine/internal/models"
)

// ErrSubmissionGone indicates the submission was deleted or never existed when a write required it.
var ErrSubmissionGone = errors.New("submission missing or deleted")

// SubmissionRepository persists submissions and their active pointers.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *models.Submission) error
	GetByID(ctx context.Context, id string) (models.Submission, error)
	AdvanceStatus(ctx context.Context, id, to string) (bool, error)
	RecordFunctionalCheck(ctx context.Context, id string, functional bool, reason string) error
	SoftDelete(ctx context.Context, id string, at time.Time) (bool, error)

	Activate(ctx context.Context, submission models.Submission, at time.Time) error
	GetActive(ctx context.Context, userID, submissionType string) (models.ActiveSubmission, error)
	ListActive(ctx context.Context, submissionType string) ([]models.Submission, error)
	ClearActive(ctx context.Context, submissionID string) (bool, error)
}

// NewSubmissionRepository constructs a submission repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

type submissionRepository struct {
	db *gorm.DB
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	if submission.Status == "" {
		submission.Status = models.SubmissionStatusSubmitted
	}
	return r.db.WithContext(ctx).Create(submission).Error
}

func (r *submissionRepository) GetByID(ctx context.Context, id string) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&submission).Error; err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

// AdvanceStatus moves the submission forward only from a status that precedes to.
func (r *submissionRepository) AdvanceStatus(ctx context.Context, id, to string) (bool, error) {
	from := make([]string, 0, 3)
	for _, candidate := range []string{
		models.SubmissionStatusSubmitted,
		models.SubmissionStatusEvaluating,
		models.SubmissionStatusReady,
		models.SubmissionStatusFailed,
	} {
		if models.CanAdvanceSubmissionStatus(candidate, to) {
			from = append(from, candidate)
		}
	}
	if len(from) == 0 {
		return false, nil
	}

	res := r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	return res.RowsAffected == 1, res.Error
}

func (r *submissionRepository) RecordFunctionalCheck(ctx context.Context, id string, functional bool, reason string) error {
	return r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_functional":    functional,
			"functional_error": reason,
		}).Error
}

func (r *submissionRepository) SoftDelete(ctx context.Context, id string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", at)
	return res.RowsAffected == 1, res.Error
}

// Activate re-points the (user, type) row at the submission with a single upsert; the last
// statement to commit wins.
func (r *submissionRepository) Activate(ctx context.Context, submission models.Submission, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var live int64
		if err := tx.Model(&models.Submission{}).
			Where("id = ? AND deleted_at IS NULL", submission.ID).
			Count(&live).Error; err != nil {
			return err
		}
		if live == 0 {
			return ErrSubmissionGone
		}

		row := models.ActiveSubmission{
			UserID:         submission.UserID,
			SubmissionType: submission.SubmissionType,
			SubmissionID:   submission.ID,
			ActivatedAt:    at,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "submission_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"submission_id", "activated_at"}),
		}).Create(&row).Error
	})
}

func (r *submissionRepository) GetActive(ctx context.Context, userID, submissionType string) (models.ActiveSubmission, error) {
	var row models.ActiveSubmission
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND submission_type = ?", userID, submissionType).
		First(&row).Error
	if err != nil {
		return models.ActiveSubmission{}, err
	}
	return row, nil
}

func (r *submissionRepository) ListActive(ctx context.Context, submissionType string) ([]models.Submission, error) {
	var submissions []models.Submission
	err := r.db.WithContext(ctx).Model(&models.Submission{}).
		Joins("JOIN active_submissions ON active_submissions.submission_id = submissions.id").
		Where("active_submissions.submission_type = ? AND submissions.deleted_at IS NULL", submissionType).
		Order("submissions.created_at ASC").
		Find(&submissions).Error
	if err != nil {
		return nil, err
	}
	return submissions, nil
}

func (r *submissionRepository) ClearActive(ctx context.Context, submissionID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Delete(&models.ActiveSubmission{})
	return res.RowsAffected > 0, res.Error
}
