package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mlsec-arena/evalengine/internal/models"
)

// ErrPairInProgress is returned when a pair already has a queued or running run.
var ErrPairInProgress = errors.New("pair already has an open evaluation run")

// PairKey identifies a (defense, attack) pair.
type PairKey struct {
	DefenseSubmissionID string
	AttackSubmissionID  string
}

// ClaimParams carries the values written when a worker takes a queued run.
type ClaimParams struct {
	RunID      string
	WorkerID   string
	Token      string
	StartedAt  time.Time
	DeadlineAt time.Time
}

// CompleteParams carries the values written when a run finishes successfully.
type CompleteParams struct {
	RunID          string
	Token          string
	Score          models.EvaluationPairScore
	DurationMs     int64
	FinishedAt     time.Time
	StrictOrdering bool
}

// RunFilter narrows run listings.
type RunFilter struct {
	DefenseSubmissionID string
	AttackSubmissionID  string
	Status              string
	Limit               int
}

// EvaluationRunRepository persists evaluation runs. Every state transition is one conditional write.
type EvaluationRunRepository interface {
	CreateQueued(ctx context.Context, run *models.EvaluationRun, job *models.Job) error
	GetByID(ctx context.Context, id string) (models.EvaluationRun, error)
	List(ctx context.Context, filter RunFilter) ([]models.EvaluationRun, error)
	OpenPairs(ctx context.Context, submissionID string) (map[PairKey]struct{}, error)
	Claim(ctx context.Context, params ClaimParams) (bool, error)
	BeginAttempt(ctx context.Context, runID, token string, maxAttempts int) (int, bool, error)
	Complete(ctx context.Context, params CompleteParams) (bool, error)
	Fail(ctx context.Context, runID, token, reason string, durationMs int64, finishedAt time.Time) (bool, error)
	ListExpiredRunning(ctx context.Context, now time.Time, limit int) ([]models.EvaluationRun, error)
	ListStaleQueued(ctx context.Context, createdBefore time.Time, limit int) ([]models.EvaluationRun, error)
	ForceFail(ctx context.Context, runID, fromStatus, reason string, finishedAt time.Time) (bool, error)
}

type evaluationRunRepository struct {
	db *gorm.DB
}

// NewEvaluationRunRepository constructs an evaluation run repository.
func NewEvaluationRunRepository(db *gorm.DB) EvaluationRunRepository {
	return &evaluationRunRepository{db: db}
}

// CreateQueued inserts the backing job and the queued run in one transaction. The open-pair unique
// index turns a concurrent duplicate into ErrPairInProgress.
func (r *evaluationRunRepository) CreateQueued(ctx context.Context, run *models.EvaluationRun, job *models.Job) error {
	run.Status = models.RunStatusQueued
	if run.Scope == "" {
		run.Scope = models.ScopeZip
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&models.EvaluationRun{}).
			Where("defense_submission_id = ? AND attack_submission_id = ?", run.DefenseSubmissionID, run.AttackSubmissionID).
			Where("status IN ?", []string{models.RunStatusQueued, models.RunStatusRunning}).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return ErrPairInProgress
		}

		if job != nil {
			if err := tx.Create(job).Error; err != nil {
				return err
			}
			run.JobID = &job.ID
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(run)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrPairInProgress
		}
		return nil
	})
}

func (r *evaluationRunRepository) GetByID(ctx context.Context, id string) (models.EvaluationRun, error) {
	var run models.EvaluationRun
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		return models.EvaluationRun{}, err
	}
	return run, nil
}

func (r *evaluationRunRepository) List(ctx context.Context, filter RunFilter) ([]models.EvaluationRun, error) {
	query := r.db.WithContext(ctx).Model(&models.EvaluationRun{})
	if filter.DefenseSubmissionID != "" {
		query = query.Where("defense_submission_id = ?", filter.DefenseSubmissionID)
	}
	if filter.AttackSubmissionID != "" {
		query = query.Where("attack_submission_id = ?", filter.AttackSubmissionID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var runs []models.EvaluationRun
	if err := query.Order("created_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// OpenPairs returns the pairs involving submissionID that already have a queued or running run.
func (r *evaluationRunRepository) OpenPairs(ctx context.Context, submissionID string) (map[PairKey]struct{}, error) {
	var runs []models.EvaluationRun
	err := r.db.WithContext(ctx).Model(&models.EvaluationRun{}).
		Select("defense_submission_id", "attack_submission_id").
		Where("defense_submission_id = ? OR attack_submission_id = ?", submissionID, submissionID).
		Where("status IN ?", []string{models.RunStatusQueued, models.RunStatusRunning}).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}

	open := make(map[PairKey]struct{}, len(runs))
	for _, run := range runs {
		open[PairKey{DefenseSubmissionID: run.DefenseSubmissionID, AttackSubmissionID: run.AttackSubmissionID}] = struct{}{}
	}
	return open, nil
}

func (r *evaluationRunRepository) Claim(ctx context.Context, params ClaimParams) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.EvaluationRun{}).
		Where("id = ? AND status = ?", params.RunID, models.RunStatusQueued).
		Updates(map[string]interface{}{
			"status":      models.RunStatusRunning,
			"claimed_by":  params.WorkerID,
			"claim_token": params.Token,
			"started_at":  params.StartedAt,
			"deadline_at": params.DeadlineAt,
			"updated_at":  params.StartedAt,
		})
	return res.RowsAffected == 1, res.Error
}

// BeginAttempt increments the attempt counter while the budget allows and returns the new count.
func (r *evaluationRunRepository) BeginAttempt(ctx context.Context, runID, token string, maxAttempts int) (int, bool, error) {
	res := r.db.WithContext(ctx).Model(&models.EvaluationRun{}).
		Where("id = ? AND status = ? AND claim_token = ? AND attempts < ?", runID, models.RunStatusRunning, token, maxAttempts).
		UpdateColumn("attempts", gorm.Expr("attempts + 1"))
	if res.Error != nil {
		return 0, false, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, false, nil
	}

	var run models.EvaluationRun
	if err := r.db.WithContext(ctx).Select("attempts").Where("id = ?", runID).First(&run).Error; err != nil {
		return 0, false, err
	}
	return run.Attempts, true, nil
}

// Complete moves the run to done and upserts the pair score in the same transaction. A lost claim
// leaves both untouched.
func (r *evaluationRunRepository) Complete(ctx context.Context, params CompleteParams) (bool, error) {
	completed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.EvaluationRun{}).
			Where("id = ? AND status = ? AND claim_token = ?", params.RunID, models.RunStatusRunning, params.Token).
			Updates(map[string]interface{}{
				"status":      models.RunStatusDone,
				"error":       "",
				"duration_ms": params.DurationMs,
				"updated_at":  params.FinishedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		score := params.Score
		score.LatestEvaluationRunID = params.RunID
		score.ComputedAt = params.FinishedAt

		conflict := clause.OnConflict{
			Columns: []clause.Column{{Name: "defense_submission_id"}, {Name: "attack_submission_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"latest_evaluation_run_id",
				"run_created_at",
				"zip_score_avg",
				"n_files_scored",
				"n_files_error",
				"include_behavior_different",
				"computed_at",
			}),
		}
		if params.StrictOrdering {
			conflict.Where = clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "evaluation_pair_scores.run_created_at <= excluded.run_created_at"},
			}}
		}
		if err := tx.Clauses(conflict).Create(&score).Error; err != nil {
			return err
		}

		completed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return completed, nil
}

func (r *evaluationRunRepository) Fail(ctx context.Context, runID, token, reason string, durationMs int64, finishedAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.EvaluationRun{}).
		Where("id = ? AND status = ? AND claim_token = ?", runID, models.RunStatusRunning, token).
		Updates(map[string]interface{}{
			"status":      models.RunStatusFailed,
			"error":       reason,
			"duration_ms": durationMs,
			"updated_at":  finishedAt,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *evaluationRunRepository) ListExpiredRunning(ctx context.Context, now time.Time, limit int) ([]models.EvaluationRun, error) {
	var runs []models.EvaluationRun
	err := r.db.WithContext(ctx).
		Where("status = ? AND deadline_at IS NOT NULL AND deadline_at < ?", models.RunStatusRunning, now).
		Order("deadline_at ASC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *evaluationRunRepository) ListStaleQueued(ctx context.Context, createdBefore time.Time, limit int) ([]models.EvaluationRun, error) {
	var runs []models.EvaluationRun
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.RunStatusQueued, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// ForceFail fails a run regardless of who holds the claim, as long as it is still in fromStatus.
func (r *evaluationRunRepository) ForceFail(ctx context.Context, runID, fromStatus, reason string, finishedAt time.Time) (bool, error) {
	if models.IsTerminalRunStatus(fromStatus) {
		return false, nil
	}
	res := r.db.WithContext(ctx).Model(&models.EvaluationRun{}).
		Where("id = ? AND status = ?", runID, fromStatus).
		Updates(map[string]interface{}{
			"status":     models.RunStatusFailed,
			"error":      reason,
			"updated_at": finishedAt,
		})
	return res.RowsAffected == 1, res.Error
}
