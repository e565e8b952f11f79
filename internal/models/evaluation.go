package models

import "time"

// Evaluation run statuses.
const (
	RunStatusQueued  = "queued"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// Evaluation scopes.
const (
	ScopeZip  = "zip"
	ScopeS3   = "s3"
	ScopeBoth = "both"
)

// EvaluationRun is one attempt to score a (defense, attack) pair.
type EvaluationRun struct {
	ID                       string     `gorm:"primaryKey;size:36" json:"id"`
	DefenseSubmissionID      string     `gorm:"size:36;not null;index:idx_evaluation_runs_pair" json:"defense_submission_id"`
	AttackSubmissionID       string     `gorm:"size:36;not null;index:idx_evaluation_runs_pair" json:"attack_submission_id"`
	JobID                    *string    `gorm:"size:36" json:"job_id"`
	Status                   string     `gorm:"size:16;not null;index" json:"status"`
	Scope                    string     `gorm:"size:16;not null;default:zip" json:"scope"`
	IncludeBehaviorDifferent bool       `gorm:"not null;default:false" json:"include_behavior_different"`
	ClaimedBy                string     `gorm:"size:128" json:"claimed_by"`
	ClaimToken               string     `gorm:"size:36" json:"-"`
	Attempts                 int        `gorm:"not null;default:0" json:"attempts"`
	Error                    string     `gorm:"type:text" json:"error"`
	DurationMs               int64      `gorm:"not null;default:0" json:"duration_ms"`
	StartedAt                *time.Time `json:"started_at"`
	DeadlineAt               *time.Time `gorm:"index" json:"deadline_at"`
	CreatedAt                time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the run reached done or failed.
func (r EvaluationRun) IsTerminal() bool {
	return IsTerminalRunStatus(r.Status)
}

// IsTerminalRunStatus reports whether status is done or failed.
func IsTerminalRunStatus(status string) bool {
	return status == RunStatusDone || status == RunStatusFailed
}

// EvaluationFileResult is the outcome of scoring one attack file within a run.
// Exactly one of (ModelOutput, Score) or Error is populated.
type EvaluationFileResult struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	EvaluationRunID string    `gorm:"size:36;not null;uniqueIndex:idx_file_results_run_file" json:"evaluation_run_id"`
	AttackFileID    string    `gorm:"size:36;not null;uniqueIndex:idx_file_results_run_file" json:"attack_file_id"`
	ModelOutput     *int      `json:"model_output"`
	Score           *float64  `json:"score"`
	Error           *string   `gorm:"type:text" json:"error"`
	DurationMs      int64     `gorm:"not null;default:0" json:"duration_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// Succeeded reports whether the file was scored without error.
func (r EvaluationFileResult) Succeeded() bool {
	return r.Error == nil && r.Score != nil
}

// EvaluationPairScore is the materialized summary for a (defense, attack) pair.
type EvaluationPairScore struct {
	DefenseSubmissionID      string    `gorm:"primaryKey;size:36" json:"defense_submission_id"`
	AttackSubmissionID       string    `gorm:"primaryKey;size:36" json:"attack_submission_id"`
	LatestEvaluationRunID    string    `gorm:"size:36;not null" json:"latest_evaluation_run_id"`
	RunCreatedAt             time.Time `json:"run_created_at"`
	ZipScoreAvg              float64   `gorm:"not null" json:"zip_score_avg"`
	NFilesScored             int       `gorm:"column:n_files_scored;not null" json:"n_files_scored"`
	NFilesError              int       `gorm:"column:n_files_error;not null" json:"n_files_error"`
	IncludeBehaviorDifferent bool      `gorm:"not null;default:false" json:"include_behavior_different"`
	ComputedAt               time.Time `json:"computed_at"`
}
