package service

import (
	"context"
	"fmt"

	"github.com/mlsec-arena/evalengine/internal/repository"
)

// maxLineageDepth bounds the parent walk; a longer chain is treated as corrupt.
const maxLineageDepth = 10000

// LineageLinker records which attack file a sample was derived from.
type LineageLinker interface {
	LinkOriginal(ctx context.Context, fileID, originalFileID string) (bool, error)
}

type lineageLinker struct {
	files repository.AttackFileRepository
}

// NewLineageLinker constructs a lineage linker.
func NewLineageLinker(files repository.AttackFileRepository) LineageLinker {
	return &lineageLinker{files: files}
}

// LinkOriginal points fileID at originalFileID. The original must belong to the same submission,
// be strictly older, and must not descend from fileID. A file that is already linked keeps its
// pointer and false is returned.
func (l *lineageLinker) LinkOriginal(ctx context.Context, fileID, originalFileID string) (bool, error) {
	if fileID == originalFileID {
		return false, ErrLineageCycle
	}

	file, err := l.files.GetByID(ctx, fileID)
	if err != nil {
		return false, fmt.Errorf("load file: %w", err)
	}
	original, err := l.files.GetByID(ctx, originalFileID)
	if err != nil {
		return false, fmt.Errorf("load original: %w", err)
	}

	if original.AttackSubmissionID != file.AttackSubmissionID {
		return false, fmt.Errorf("%w: original belongs to another submission", ErrLineageCycle)
	}
	if !original.CreatedAt.Before(file.CreatedAt) {
		return false, fmt.Errorf("%w: original is not older than the file", ErrLineageCycle)
	}

	cursor := original
	for depth := 0; cursor.OriginalFileID != nil; depth++ {
		if *cursor.OriginalFileID == file.ID || depth >= maxLineageDepth {
			return false, ErrLineageCycle
		}
		cursor, err = l.files.GetByID(ctx, *cursor.OriginalFileID)
		if err != nil {
			return false, fmt.Errorf("walk lineage: %w", err)
		}
	}

	return l.files.SetOriginal(ctx, file.ID, original.ID)
}
