package models

import (
	"time"

	"gorm.io/datatypes"
)

// Job types handled by the worker.
const (
	JobTypeEvaluatePair    = "evaluate_pair"
	JobTypeIngestAttack    = "ingest_attack"
	JobTypeFunctionalCheck = "functional_check_defense"
)

// Job statuses.
const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

// Job is a generic asynchronous unit of work delivered through the queue.
type Job struct {
	ID                string            `gorm:"primaryKey;size:36" json:"id"`
	JobType           string            `gorm:"size:64;not null;index" json:"job_type"`
	Status            string            `gorm:"size:16;not null;default:queued" json:"status"`
	RequestedByUserID *string           `gorm:"size:36" json:"requested_by_user_id"`
	Payload           datatypes.JSONMap `json:"payload"`
	Error             string            `gorm:"type:text" json:"error"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}
