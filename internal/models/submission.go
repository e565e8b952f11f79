package models

import "time"

// Submission types.
const (
	SubmissionTypeDefense = "defense"
	SubmissionTypeAttack  = "attack"
)

// Submission statuses. Status only moves forward; a resubmission is a new row.
const (
	SubmissionStatusSubmitted  = "submitted"
	SubmissionStatusEvaluating = "evaluating"
	SubmissionStatusReady      = "ready"
	SubmissionStatusFailed     = "failed"
)

// Submission is an immutable defense or attack artifact uploaded by a user.
type Submission struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	UserID          string     `gorm:"size:36;not null;index" json:"user_id"`
	SubmissionType  string     `gorm:"size:16;not null;index" json:"submission_type"`
	Version         string     `gorm:"size:64;not null" json:"version"`
	DisplayName     string     `gorm:"size:255" json:"display_name"`
	ArtifactRef     string     `gorm:"size:512" json:"artifact_ref"`
	Status          string     `gorm:"size:16;not null;default:submitted" json:"status"`
	IsFunctional    *bool      `json:"is_functional"`
	FunctionalError string     `gorm:"type:text" json:"functional_error"`
	CreatedAt       time.Time  `json:"created_at"`
	DeletedAt       *time.Time `gorm:"index" json:"deleted_at"`
}

// IsDeleted reports whether the submission has been soft-deleted.
func (s Submission) IsDeleted() bool {
	return s.DeletedAt != nil
}

// IsDefense reports whether the submission is a defense.
func (s Submission) IsDefense() bool {
	return s.SubmissionType == SubmissionTypeDefense
}

// ValidSubmissionType reports whether t names a known submission type.
func ValidSubmissionType(t string) bool {
	return t == SubmissionTypeDefense || t == SubmissionTypeAttack
}

// OpposingType returns the submission type evaluated against t.
func OpposingType(t string) string {
	if t == SubmissionTypeDefense {
		return SubmissionTypeAttack
	}
	return SubmissionTypeDefense
}

var submissionStatusRank = map[string]int{
	SubmissionStatusSubmitted:  0,
	SubmissionStatusEvaluating: 1,
	SubmissionStatusReady:      2,
	SubmissionStatusFailed:     2,
}

// CanAdvanceSubmissionStatus reports whether moving from one status to another keeps the order monotonic.
func CanAdvanceSubmissionStatus(from, to string) bool {
	fromRank, ok := submissionStatusRank[from]
	if !ok {
		return false
	}
	toRank, ok := submissionStatusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// ActiveSubmission points at the submission currently counted in standings for a (user, type).
type ActiveSubmission struct {
	UserID         string    `gorm:"primaryKey;size:36" json:"user_id"`
	SubmissionType string    `gorm:"primaryKey;size:16" json:"submission_type"`
	SubmissionID   string    `gorm:"size:36;not null;index" json:"submission_id"`
	ActivatedAt    time.Time `json:"activated_at"`
}
