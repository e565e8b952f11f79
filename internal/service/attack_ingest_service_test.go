package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/queue"
	"github.com/mlsec-arena/evalengine/pkg/objectstore"
)

func buildArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	writer := zip.NewWriter(buf)
	for name, content := range entries {
		w, err := writer.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func (h *harness) attackWithArchive(t *testing.T, archive []byte) models.Submission {
	t.Helper()
	submission := models.Submission{
		UserID:         "mallory",
		SubmissionType: models.SubmissionTypeAttack,
		Version:        "v1",
		ArtifactRef:    "attacks/mallory-v1.zip",
	}
	require.NoError(t, h.submissions.Create(context.Background(), &submission))
	require.NoError(t, h.store.Put(context.Background(), submission.ArtifactRef, archive, "application/zip"))
	return submission
}

func sha(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestIngestExpandsArchiveAndLinksLineage(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()

	archive := buildArchive(t, map[string]string{
		"a.bin":          "original sample",
		"b.bin":          "variant sample",
		"__MACOSX/._a":   "resource fork",
		"labels.json":    `{"a.bin": {"is_malware": true}, "b.bin": {"is_malware": true, "original": "a.bin", "behavior_status": "different"}}`,
		"nested/c.bin":   "nested sample",
		"nested/.hidden": "ignored",
	})
	attack := h.attackWithArchive(t, archive)
	service := NewAttackIngestService(h.submissions, h.files, NewLineageLinker(h.files), h.store, IngestConfig{}, testLogger())

	report, err := service.Ingest(ctx, attack.ID)
	require.NoError(t, err)
	require.Equal(t, 3, report.Entries)
	require.EqualValues(t, 3, report.Inserted)
	require.Equal(t, 1, report.Linked)

	files, err := h.files.ListBySubmission(ctx, attack.ID)
	require.NoError(t, err)
	require.Len(t, files, 3)
	byName := map[string]models.AttackFile{}
	for _, file := range files {
		byName[file.Filename] = file
	}

	original := byName["a.bin"]
	variant := byName["b.bin"]
	require.Equal(t, objectstore.SampleKey(sha("original sample")), original.ObjectKey)
	require.NotNil(t, original.IsMalware)
	require.True(t, *original.IsMalware)
	require.Nil(t, byName["nested/c.bin"].IsMalware)
	require.Equal(t, models.BehaviorStatusDifferent, variant.BehaviorStatus)
	require.NotNil(t, variant.OriginalFileID)
	require.Equal(t, original.ID, *variant.OriginalFileID)
	require.True(t, original.CreatedAt.Before(variant.CreatedAt))

	stored, err := h.store.Get(ctx, variant.ObjectKey)
	require.NoError(t, err)
	require.Equal(t, "variant sample", string(stored))

	submission, err := h.submissions.GetByID(ctx, attack.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusReady, submission.Status)

	again, err := service.Ingest(ctx, attack.ID)
	require.NoError(t, err)
	require.True(t, again.Skipped)
}

func TestIngestRejectsManifestCycles(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()

	archive := buildArchive(t, map[string]string{
		"x.bin":       "x",
		"y.bin":       "y",
		"labels.json": `{"x.bin": {"original": "y.bin"}, "y.bin": {"original": "x.bin"}}`,
	})
	attack := h.attackWithArchive(t, archive)
	service := NewAttackIngestService(h.submissions, h.files, NewLineageLinker(h.files), h.store, IngestConfig{}, testLogger())

	report, err := service.Ingest(ctx, attack.ID)
	require.NoError(t, err)
	require.Equal(t, 0, report.Linked)

	files, err := h.files.ListBySubmission(ctx, attack.ID)
	require.NoError(t, err)
	for _, file := range files {
		require.Nil(t, file.OriginalFileID)
	}
}

func TestIngestFailsOnInvalidArchive(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()

	attack := h.attackWithArchive(t, []byte("%PDF-1.4 definitely not a zip"))
	service := NewAttackIngestService(h.submissions, h.files, NewLineageLinker(h.files), h.store, IngestConfig{}, testLogger())

	_, err := service.Ingest(ctx, attack.ID)
	require.ErrorIs(t, err, ErrInvalidArchive)

	submission, err := h.submissions.GetByID(ctx, attack.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubmissionStatusFailed, submission.Status)
}

func TestIngestEnforcesFileLimit(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()

	attack := h.attackWithArchive(t, buildArchive(t, map[string]string{"a.bin": "a", "b.bin": "b"}))
	service := NewAttackIngestService(h.submissions, h.files, NewLineageLinker(h.files), h.store, IngestConfig{MaxFiles: 1}, testLogger())

	_, err := service.Ingest(ctx, attack.ID)
	require.ErrorIs(t, err, ErrArchiveTooLarge)

	count, err := h.files.CountBySubmission(ctx, attack.ID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestIngestRejectsInvalidBehaviorStatus(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})

	attack := h.attackWithArchive(t, buildArchive(t, map[string]string{
		"a.bin":       "a",
		"labels.json": `{"a.bin": {"behavior_status": "weird"}}`,
	}))
	service := NewAttackIngestService(h.submissions, h.files, NewLineageLinker(h.files), h.store, IngestConfig{}, testLogger())

	_, err := service.Ingest(context.Background(), attack.ID)
	require.ErrorIs(t, err, ErrInvalidArchive)
}

func TestIngestRejectsDefenseSubmission(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	defense := h.submission(t, "alice", models.SubmissionTypeDefense)

	service := NewAttackIngestService(h.submissions, h.files, NewLineageLinker(h.files), h.store, IngestConfig{}, testLogger())
	_, err := service.Ingest(context.Background(), defense.ID)
	require.ErrorIs(t, err, ErrSubmissionTypeMismatch)
}

func TestLinkOriginalRequiresOlderSameSubmissionFile(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()
	linker := NewLineageLinker(h.files)

	attack := h.submission(t, "mallory", models.SubmissionTypeAttack)
	other := h.submission(t, "trudy", models.SubmissionTypeAttack)
	files := h.attackFiles(t, attack.ID, "root")
	later := h.attackFiles(t, attack.ID, "child")
	foreign := h.attackFiles(t, other.ID, "foreign")

	root := files[0]
	var child models.AttackFile
	for _, file := range later {
		if file.ID != root.ID {
			child = file
		}
	}
	require.NotEmpty(t, child.ID)

	_, err := linker.LinkOriginal(ctx, root.ID, root.ID)
	require.ErrorIs(t, err, ErrLineageCycle)

	_, err = linker.LinkOriginal(ctx, child.ID, foreign[0].ID)
	require.ErrorIs(t, err, ErrLineageCycle)

	ok, err := linker.LinkOriginal(ctx, child.ID, root.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = linker.LinkOriginal(ctx, root.ID, child.ID)
	require.ErrorIs(t, err, ErrLineageCycle)

	ok, err = linker.LinkOriginal(ctx, child.ID, root.ID)
	require.NoError(t, err)
	require.False(t, ok, "an existing pointer is kept")
}

func TestWorkerRunsIngestJob(t *testing.T) {
	h := newHarness(t, &stubEnvironment{verdict: verdictsByContent(nil)})
	ctx := context.Background()

	attack := h.attackWithArchive(t, buildArchive(t, map[string]string{"a.bin": "a"}))
	job := models.Job{JobType: models.JobTypeIngestAttack}
	require.NoError(t, h.jobs.Create(ctx, &job))
	require.NoError(t, h.queue.Enqueue(ctx, queue.Task{JobID: job.ID, JobType: models.JobTypeIngestAttack, SubmissionID: attack.ID}))

	h.drain(t)

	stored, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusDone, stored.Status)

	count, err := h.files.CountBySubmission(ctx, attack.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}
