package dto

import (
	"time"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/repository"
)

// TriggerEvaluationRequest asks for a manual re-evaluation of one pair.
type TriggerEvaluationRequest struct {
	DefenseSubmissionID      string `json:"defense_submission_id" validate:"required,uuid"`
	AttackSubmissionID       string `json:"attack_submission_id" validate:"required,uuid"`
	Scope                    string `json:"scope" validate:"omitempty,oneof=zip s3 both"`
	IncludeBehaviorDifferent bool   `json:"include_behavior_different"`
}

// SubmissionJobRequest optionally names the operator that asked for a preparation job.
type SubmissionJobRequest struct {
	RequestedByUserID string `json:"requested_by_user_id" validate:"omitempty,max=64"`
}

// ActiveSubmissionQuery selects a (user, type) active slot.
type ActiveSubmissionQuery struct {
	UserID string `query:"user_id" validate:"required"`
	Type   string `query:"type" validate:"required,oneof=defense attack"`
}

// PairScoreQuery filters the pair score listing.
type PairScoreQuery struct {
	DefenseSubmissionID string `query:"defense_submission_id" validate:"omitempty,uuid"`
	AttackSubmissionID  string `query:"attack_submission_id" validate:"omitempty,uuid"`
}

// SubmissionResponse is the public view of a submission.
type SubmissionResponse struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	SubmissionType  string     `json:"submission_type"`
	Version         string     `json:"version"`
	DisplayName     string     `json:"display_name"`
	Status          string     `json:"status"`
	IsFunctional    *bool      `json:"is_functional"`
	FunctionalError string     `json:"functional_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	DeletedAt       *time.Time `json:"deleted_at"`
}

// PairResponse names a (defense, attack) pair.
type PairResponse struct {
	DefenseSubmissionID string `json:"defense_submission_id"`
	AttackSubmissionID  string `json:"attack_submission_id"`
}

// ActivationResponse reports an activation and the runs it scheduled.
type ActivationResponse struct {
	Submission      SubmissionResponse `json:"submission"`
	Active          bool               `json:"active"`
	RunsCreated     []RunResponse      `json:"runs_created"`
	PairsInProgress []PairResponse     `json:"pairs_in_progress"`
	PairsFailed     []PairResponse     `json:"pairs_failed"`
}

// RunResponse is the public view of an evaluation run.
type RunResponse struct {
	ID                       string     `json:"id"`
	DefenseSubmissionID      string     `json:"defense_submission_id"`
	AttackSubmissionID       string     `json:"attack_submission_id"`
	JobID                    *string    `json:"job_id"`
	Status                   string     `json:"status"`
	Scope                    string     `json:"scope"`
	IncludeBehaviorDifferent bool       `json:"include_behavior_different"`
	Attempts                 int        `json:"attempts"`
	Error                    string     `json:"error,omitempty"`
	DurationMs               int64      `json:"duration_ms"`
	StartedAt                *time.Time `json:"started_at"`
	DeadlineAt               *time.Time `json:"deadline_at"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// PairScoreResponse is the public view of a materialized pair score.
type PairScoreResponse struct {
	DefenseSubmissionID      string    `json:"defense_submission_id"`
	AttackSubmissionID       string    `json:"attack_submission_id"`
	LatestEvaluationRunID    string    `json:"latest_evaluation_run_id"`
	ZipScoreAvg              float64   `json:"zip_score_avg"`
	NFilesScored             int       `json:"n_files_scored"`
	NFilesError              int       `json:"n_files_error"`
	IncludeBehaviorDifferent bool      `json:"include_behavior_different"`
	ComputedAt               time.Time `json:"computed_at"`
}

// NewSubmissionResponse maps a submission model.
func NewSubmissionResponse(submission models.Submission) SubmissionResponse {
	return SubmissionResponse{
		ID:              submission.ID,
		UserID:          submission.UserID,
		SubmissionType:  submission.SubmissionType,
		Version:         submission.Version,
		DisplayName:     submission.DisplayName,
		Status:          submission.Status,
		IsFunctional:    submission.IsFunctional,
		FunctionalError: submission.FunctionalError,
		CreatedAt:       submission.CreatedAt,
		DeletedAt:       submission.DeletedAt,
	}
}

// JobResponse is the public view of a queued job.
type JobResponse struct {
	ID        string    `json:"id"`
	JobType   string    `json:"job_type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// NewJobResponse maps a job model.
func NewJobResponse(job models.Job) JobResponse {
	return JobResponse{ID: job.ID, JobType: job.JobType, Status: job.Status, CreatedAt: job.CreatedAt}
}

// NewRunResponse maps a run model.
func NewRunResponse(run models.EvaluationRun) RunResponse {
	return RunResponse{
		ID:                       run.ID,
		DefenseSubmissionID:      run.DefenseSubmissionID,
		AttackSubmissionID:       run.AttackSubmissionID,
		JobID:                    run.JobID,
		Status:                   run.Status,
		Scope:                    run.Scope,
		IncludeBehaviorDifferent: run.IncludeBehaviorDifferent,
		Attempts:                 run.Attempts,
		Error:                    run.Error,
		DurationMs:               run.DurationMs,
		StartedAt:                run.StartedAt,
		DeadlineAt:               run.DeadlineAt,
		CreatedAt:                run.CreatedAt,
		UpdatedAt:                run.UpdatedAt,
	}
}

// NewRunResponses maps a slice of runs, never returning nil.
func NewRunResponses(runs []models.EvaluationRun) []RunResponse {
	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, NewRunResponse(run))
	}
	return out
}

// NewPairResponses maps pair keys, never returning nil.
func NewPairResponses(pairs []repository.PairKey) []PairResponse {
	out := make([]PairResponse, 0, len(pairs))
	for _, pair := range pairs {
		out = append(out, PairResponse{
			DefenseSubmissionID: pair.DefenseSubmissionID,
			AttackSubmissionID:  pair.AttackSubmissionID,
		})
	}
	return out
}

// NewPairScoreResponses maps pair scores, never returning nil.
func NewPairScoreResponses(scores []models.EvaluationPairScore) []PairScoreResponse {
	out := make([]PairScoreResponse, 0, len(scores))
	for _, score := range scores {
		out = append(out, PairScoreResponse{
			DefenseSubmissionID:      score.DefenseSubmissionID,
			AttackSubmissionID:       score.AttackSubmissionID,
			LatestEvaluationRunID:    score.LatestEvaluationRunID,
			ZipScoreAvg:              score.ZipScoreAvg,
			NFilesScored:             score.NFilesScored,
			NFilesError:              score.NFilesError,
			IncludeBehaviorDifferent: score.IncludeBehaviorDifferent,
			ComputedAt:               score.ComputedAt,
		})
	}
	return out
}
