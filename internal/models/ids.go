package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// BeforeCreate assigns an identifier when missing.
func (s *Submission) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}

// BeforeCreate assigns an identifier when missing.
func (f *AttackFile) BeforeCreate(*gorm.DB) error {
	ensureID(&f.ID)
	return nil
}

// BeforeCreate assigns an identifier when missing.
func (r *EvaluationRun) BeforeCreate(*gorm.DB) error {
	ensureID(&r.ID)
	return nil
}

// BeforeCreate assigns an identifier when missing.
func (r *EvaluationFileResult) BeforeCreate(*gorm.DB) error {
	ensureID(&r.ID)
	return nil
}

// BeforeCreate assigns an identifier when missing.
func (j *Job) BeforeCreate(*gorm.DB) error {
	ensureID(&j.ID)
	return nil
}

// All returns every model managed by the evaluation schema, in migration order.
func All() []interface{} {
	return []interface{}{
		&Submission{},
		&ActiveSubmission{},
		&AttackFile{},
		&Job{},
		&EvaluationRun{},
		&EvaluationFileResult{},
		&EvaluationPairScore{},
	}
}
