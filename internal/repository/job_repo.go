package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/mlsec-arena/evalengine/internal/models"
)

// JobRepository persists queue-backed jobs.
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (models.Job, error)
	UpdateStatus(ctx context.Context, id, status, errText string) error
}

type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository constructs a job repository.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepository) GetByID(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// UpdateStatus never moves a finished job back to queued or running.
func (r *jobRepository) UpdateStatus(ctx context.Context, id, status, errText string) error {
	query := r.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id)
	if status == models.JobStatusQueued || status == models.JobStatusRunning {
		query = query.Where("status IN ?", []string{models.JobStatusQueued, models.JobStatusRunning})
	}
	return query.Updates(map[string]interface{}{
		"status":     status,
		"error":      errText,
		"updated_at": time.Now().UTC(),
	}).Error
}
