package service

import (
	"errors"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"gorm.io/gorm"
)

var (
	// ErrSubmissionNotFound indicates the submission does not exist.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrSubmissionDeleted indicates the submission was soft-deleted.
	ErrSubmissionDeleted = errors.New("submission deleted")
	// ErrSubmissionTypeMismatch indicates a submission of the wrong type was supplied.
	ErrSubmissionTypeMismatch = errors.New("submission type mismatch")
	// ErrInvalidSubmissionType indicates an unknown submission type.
	ErrInvalidSubmissionType = errors.New("invalid submission type")
	// ErrRunNotFound indicates the evaluation run does not exist.
	ErrRunNotFound = errors.New("evaluation run not found")
	// ErrRunInProgress indicates the pair already has a queued or running run.
	ErrRunInProgress = errors.New("evaluation already in progress for pair")
	// ErrDefenseUnavailable indicates the defense could not be started or reached.
	ErrDefenseUnavailable = errors.New("defense unavailable")
	// ErrEmptyScope indicates the run had no attack files to score.
	ErrEmptyScope = errors.New("no attack files in scope")
	// ErrAllFilesErrored indicates every file in scope ended with an error.
	ErrAllFilesErrored = errors.New("every file in scope errored")
	// ErrRunBudgetExhausted indicates the run used all of its attempts.
	ErrRunBudgetExhausted = errors.New("run retry budget exhausted")
	// ErrLineageCycle indicates a lineage pointer would not point strictly backwards.
	ErrLineageCycle = errors.New("lineage pointer would create a cycle")
	// ErrInvalidArchive indicates the attack artifact is not a usable ZIP archive.
	ErrInvalidArchive = errors.New("invalid attack archive")
	// ErrArchiveTooLarge indicates the archive exceeds the ingest limits.
	ErrArchiveTooLarge = errors.New("attack archive exceeds limits")
)

const maxStoredErrorLength = 1000

var errorTextPolicy = bluemonday.StrictPolicy()

// cleanErrorText strips markup from text that may originate in a defense container and bounds its
// length. The result is plain text, so the entities the policy escapes are decoded again.
func cleanErrorText(text string) string {
	cleaned := strings.TrimSpace(html.UnescapeString(errorTextPolicy.Sanitize(text)))
	if len(cleaned) <= maxStoredErrorLength {
		return cleaned
	}
	cut := maxStoredErrorLength
	for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
		cut--
	}
	return cleaned[:cut]
}

func notFoundAs(err, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}
