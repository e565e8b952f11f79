package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/observability"
	"github.com/mlsec-arena/evalengine/internal/repository"
	"github.com/mlsec-arena/evalengine/pkg/objectstore"
)

// LabelsManifest is the optional labels.json entry of an attack archive.
const LabelsManifest = "labels.json"

// ManifestEntry describes one sample in labels.json.
type ManifestEntry struct {
	IsMalware      *bool  `json:"is_malware"`
	Original       string `json:"original"`
	BehaviorStatus string `json:"behavior_status" validate:"omitempty,oneof=same different unknown"`
}

// IngestConfig bounds what a single archive may expand to.
type IngestConfig struct {
	MaxFiles          int
	MaxUncompressedMB int64
}

// IngestReport summarises an ingest job.
type IngestReport struct {
	Skipped  bool
	Entries  int
	Inserted int64
	Linked   int
}

// AttackIngestService expands an attack archive into attack_files rows.
type AttackIngestService interface {
	Ingest(ctx context.Context, submissionID string) (IngestReport, error)
}

type attackIngestService struct {
	submissions repository.SubmissionRepository
	files       repository.AttackFileRepository
	lineage     LineageLinker
	store       objectstore.Store
	cfg         IngestConfig
	validate    *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewAttackIngestService constructs the ingest service.
func NewAttackIngestService(
	submissions repository.SubmissionRepository,
	files repository.AttackFileRepository,
	lineage LineageLinker,
	store objectstore.Store,
	cfg IngestConfig,
	logger zerolog.Logger,
) AttackIngestService {
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 10000
	}
	if cfg.MaxUncompressedMB <= 0 {
		cfg.MaxUncompressedMB = 10240
	}

	return &attackIngestService{
		submissions: submissions,
		files:       files,
		lineage:     lineage,
		store:       store,
		cfg:         cfg,
		validate:    validator.New(),
		logger:      logger.With().Str("component", "attack_ingest").Logger(),
		tracer:      otel.Tracer("github.com/mlsec-arena/evalengine/internal/service/ingest"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *attackIngestService) Ingest(ctx context.Context, submissionID string) (IngestReport, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.attack", trace.WithAttributes(
		attribute.String("submission.id", submissionID),
	))
	defer span.End()

	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return IngestReport{}, notFoundAs(err, ErrSubmissionNotFound)
	}
	if submission.IsDefense() {
		return IngestReport{}, ErrSubmissionTypeMismatch
	}
	if submission.IsDeleted() {
		return IngestReport{}, ErrSubmissionDeleted
	}
	if submission.Status == models.SubmissionStatusReady || submission.Status == models.SubmissionStatusFailed {
		return IngestReport{Skipped: true}, nil
	}

	if _, err := s.submissions.AdvanceStatus(ctx, submission.ID, models.SubmissionStatusEvaluating); err != nil {
		return IngestReport{}, fmt.Errorf("mark evaluating: %w", err)
	}

	logger := s.logger.With().Str("submission_id", submission.ID).Logger()
	report, err := s.ingest(ctx, submission)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		logger.Warn().Err(err).Msg("attack ingest failed")
		s.finish(ctx, submission.ID, models.SubmissionStatusFailed)
		return report, err
	}

	s.finish(ctx, submission.ID, models.SubmissionStatusReady)
	span.SetAttributes(attribute.Int("ingest.entries", report.Entries), attribute.Int64("ingest.inserted", report.Inserted))
	logger.Info().
		Int("entries", report.Entries).
		Int64("inserted", report.Inserted).
		Int("linked", report.Linked).
		Msg("attack archive ingested")
	return report, nil
}

func (s *attackIngestService) finish(ctx context.Context, submissionID, status string) {
	observability.SubmissionChecks().WithLabelValues("ingest", status).Inc()
	if _, err := s.submissions.AdvanceStatus(ctx, submissionID, status); err != nil {
		s.logger.Error().Err(err).Str("submission_id", submissionID).Msg("failed to record ingest status")
	}
}

type archiveEntry struct {
	name     string
	data     []byte
	manifest ManifestEntry
}

func (s *attackIngestService) ingest(ctx context.Context, submission models.Submission) (IngestReport, error) {
	if submission.ArtifactRef == "" {
		return IngestReport{}, fmt.Errorf("%w: submission has no artifact", ErrInvalidArchive)
	}

	payload, err := s.store.Get(ctx, submission.ArtifactRef)
	if err != nil {
		return IngestReport{}, fmt.Errorf("load archive: %w", err)
	}
	if !isZip(payload) {
		return IngestReport{}, fmt.Errorf("%w: detected %s", ErrInvalidArchive, mimetype.Detect(payload).String())
	}

	entries, err := s.extract(payload)
	if err != nil {
		return IngestReport{}, err
	}

	report := IngestReport{Entries: len(entries)}
	depths := lineageDepths(entries)
	base := s.now()
	rows := make([]models.AttackFile, 0, len(entries))
	for _, entry := range entries {
		sum := sha256.Sum256(entry.data)
		digest := hex.EncodeToString(sum[:])
		key := objectstore.SampleKey(digest)
		if err := s.store.Put(ctx, key, entry.data, "application/octet-stream"); err != nil {
			return report, fmt.Errorf("store sample %s: %w", entry.name, err)
		}
		observability.IngestedFiles().WithLabelValues("stored").Inc()

		behavior := entry.manifest.BehaviorStatus
		if behavior == "" {
			behavior = models.BehaviorStatusUnknown
		}
		rows = append(rows, models.AttackFile{
			AttackSubmissionID: submission.ID,
			ObjectKey:          key,
			Filename:           entry.name,
			ByteSize:           int64(len(entry.data)),
			SHA256:             digest,
			IsMalware:          entry.manifest.IsMalware,
			Source:             repository.SourceZip,
			BehaviorStatus:     behavior,
			// Originals must be created strictly before the samples derived from them.
			CreatedAt: base.Add(time.Duration(depths[entry.name]) * time.Millisecond),
		})
	}

	inserted, err := s.files.CreateBatch(ctx, rows)
	if err != nil {
		return report, fmt.Errorf("insert attack files: %w", err)
	}
	report.Inserted = inserted

	linked, err := s.linkOriginals(ctx, submission.ID, entries)
	report.Linked = linked
	return report, err
}

func (s *attackIngestService) extract(payload []byte) ([]archiveEntry, error) {
	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	budget := s.cfg.MaxUncompressedMB * 1024 * 1024
	var declared uint64
	var manifest map[string]ManifestEntry
	entries := make([]archiveEntry, 0, len(reader.File))
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		declared += f.UncompressedSize64
		if declared > uint64(budget) {
			return nil, fmt.Errorf("%w: more than %d MB uncompressed", ErrArchiveTooLarge, s.cfg.MaxUncompressedMB)
		}

		name, ok := entryName(f.Name)
		if !ok {
			observability.IngestedFiles().WithLabelValues("skipped").Inc()
			continue
		}

		data, err := readEntry(f, budget)
		if err != nil {
			return nil, err
		}
		budget -= int64(len(data))

		if name == LabelsManifest {
			if err := json.Unmarshal(data, &manifest); err != nil {
				return nil, fmt.Errorf("%w: labels.json: %v", ErrInvalidArchive, err)
			}
			continue
		}

		entries = append(entries, archiveEntry{name: name, data: data})
		if len(entries) > s.cfg.MaxFiles {
			return nil, fmt.Errorf("%w: more than %d files", ErrArchiveTooLarge, s.cfg.MaxFiles)
		}
	}

	for i := range entries {
		entry, ok := manifest[entries[i].name]
		if !ok {
			continue
		}
		if err := s.validate.Struct(entry); err != nil {
			return nil, fmt.Errorf("%w: labels.json entry %s: %v", ErrInvalidArchive, entries[i].name, err)
		}
		entries[i].manifest = entry
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

// linkOriginals applies manifest lineage. Pointers rejected by the linker are logged and skipped.
func (s *attackIngestService) linkOriginals(ctx context.Context, submissionID string, entries []archiveEntry) (int, error) {
	needsLink := false
	for _, entry := range entries {
		if entry.manifest.Original != "" {
			needsLink = true
			break
		}
	}
	if !needsLink {
		return 0, nil
	}

	stored, err := s.files.ListBySubmission(ctx, submissionID)
	if err != nil {
		return 0, fmt.Errorf("list attack files: %w", err)
	}
	byName := make(map[string]string, len(stored))
	for _, file := range stored {
		byName[file.Filename] = file.ID
	}

	linked := 0
	for _, entry := range entries {
		if entry.manifest.Original == "" {
			continue
		}
		fileID, hasFile := byName[entry.name]
		originalID, hasOriginal := byName[entry.manifest.Original]
		if !hasFile || !hasOriginal {
			s.logger.Warn().Str("filename", entry.name).Str("original", entry.manifest.Original).Msg("lineage original not in archive")
			continue
		}

		ok, err := s.lineage.LinkOriginal(ctx, fileID, originalID)
		if errors.Is(err, ErrLineageCycle) {
			s.logger.Warn().Err(err).Str("filename", entry.name).Msg("lineage pointer rejected")
			continue
		}
		if err != nil {
			return linked, err
		}
		if ok {
			linked++
		}
	}
	return linked, nil
}

// lineageDepths returns each entry's distance from the root of its manifest chain. Entries on a
// cycle get depth 0 and are rejected later by the linker.
func lineageDepths(entries []archiveEntry) map[string]int {
	parent := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.manifest.Original != "" {
			parent[entry.name] = entry.manifest.Original
		}
	}

	depths := make(map[string]int, len(entries))
	for _, entry := range entries {
		seen := map[string]struct{}{entry.name: {}}
		depth := 0
		cursor := entry.name
		for {
			next, ok := parent[cursor]
			if !ok {
				break
			}
			if _, loop := seen[next]; loop {
				depth = 0
				break
			}
			seen[next] = struct{}{}
			depth++
			cursor = next
		}
		depths[entry.name] = depth
	}
	return depths
}

func isZip(payload []byte) bool {
	for m := mimetype.Detect(payload); m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}

// entryName flattens an archive path into a sample filename. Hidden files and paths that try to
// escape the archive root are rejected.
func entryName(raw string) (string, bool) {
	cleaned := path.Clean(strings.ReplaceAll(raw, "\\", "/"))
	if strings.HasPrefix(cleaned, "../") || cleaned == ".." || strings.HasPrefix(cleaned, "/") {
		return "", false
	}
	if strings.HasPrefix(path.Base(cleaned), ".") || strings.HasPrefix(cleaned, "__MACOSX/") {
		return "", false
	}
	return cleaned, true
}

func readEntry(f *zip.File, budget int64) ([]byte, error) {
	handle, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrInvalidArchive, f.Name, err)
	}
	defer handle.Close()

	data, err := io.ReadAll(io.LimitReader(handle, budget+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidArchive, f.Name, err)
	}
	if int64(len(data)) > budget {
		return nil, ErrArchiveTooLarge
	}
	return data, nil
}
