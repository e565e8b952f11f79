package models

import "time"

// Behavior statuses recorded for attack samples.
const (
	BehaviorStatusUnknown   = "unknown"
	BehaviorStatusSame      = "same"
	BehaviorStatusDifferent = "different"
)

// AttackFile is a single sample extracted from an attack submission.
type AttackFile struct {
	ID                 string    `gorm:"primaryKey;size:36" json:"id"`
	AttackSubmissionID string    `gorm:"size:36;not null;index;uniqueIndex:idx_attack_files_submission_name" json:"attack_submission_id"`
	ObjectKey          string    `gorm:"size:512;not null" json:"object_key"`
	Filename           string    `gorm:"size:255;not null;uniqueIndex:idx_attack_files_submission_name" json:"filename"`
	ByteSize           int64     `gorm:"not null;default:0" json:"byte_size"`
	SHA256             string    `gorm:"column:sha256;size:64;not null;index" json:"sha256"`
	IsMalware          *bool     `json:"is_malware"`
	Source             string    `gorm:"size:16;not null;default:zip" json:"source"`
	BehaviorStatus     string    `gorm:"size:16;not null;default:unknown" json:"behavior_status"`
	OriginalFileID     *string   `gorm:"size:36;index" json:"original_file_id"`
	CreatedAt          time.Time `json:"created_at"`
}

// BehaviorDiffers reports whether the sample no longer behaves as labeled.
func (f AttackFile) BehaviorDiffers() bool {
	return f.BehaviorStatus == BehaviorStatusDifferent
}
