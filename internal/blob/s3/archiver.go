package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"trailbot/internal/domain"
)

// Narrow store interfaces required by the archiver. The Postgres stores
// satisfy these implicitly; the archiver only needs the time-ranged queries
// it actually calls, not the full store interfaces.

// PositionArchiveSource provides read access to closed positions for
// archival purposes.
type PositionArchiveSource interface {
	// ListClosedBefore returns closed positions whose close time is strictly
	// before the given cutoff.
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
}

// AuditArchiveSource provides read access to audit entries for archival
// purposes.
type AuditArchiveSource interface {
	// ListBefore returns audit entries created strictly before the cutoff.
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
}

// ArchiverConfig tunes the archival schedule.
type ArchiverConfig struct {
	// Interval between archival sweeps. Zero or negative defaults to 24h.
	Interval time.Duration
	// RetentionDays is how long records stay in the primary store before
	// they are eligible for archival. Zero or negative defaults to 30.
	RetentionDays int
	// SnapshotPath, when non-empty, is a local snapshot file mirrored to
	// object storage on every sweep.
	SnapshotPath string
}

// ArchiveImpl implements domain.Archiver by querying the stores for records
// older than the retention cutoff, serializing them to JSONL, and uploading
// the result to S3-compatible storage.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	positions PositionArchiveSource
	audit     AuditArchiveSource
	auditLog  domain.AuditStore
	cfg       ArchiverConfig
	logger    *slog.Logger
}

// NewArchiver creates a new ArchiveImpl. auditLog may equal audit when the
// same store serves both reads and writes.
func NewArchiver(
	writer domain.BlobWriter,
	positions PositionArchiveSource,
	audit AuditArchiveSource,
	auditLog domain.AuditStore,
	cfg ArchiverConfig,
	logger *slog.Logger,
) *ArchiveImpl {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	return &ArchiveImpl{
		writer:    writer,
		positions: positions,
		audit:     audit,
		auditLog:  auditLog,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
// Individual sweep failures are logged and retried on the next tick.
func (a *ArchiveImpl) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *ArchiveImpl) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.RetentionDays)

	if n, err := a.ArchivePositions(ctx, cutoff); err != nil {
		a.logger.WarnContext(ctx, "position archival failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.InfoContext(ctx, "positions archived", slog.Int64("count", n))
	}

	if n, err := a.ArchiveAudit(ctx, cutoff); err != nil {
		a.logger.WarnContext(ctx, "audit archival failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.InfoContext(ctx, "audit entries archived", slog.Int64("count", n))
	}

	if a.cfg.SnapshotPath != "" {
		if err := a.MirrorSnapshot(ctx, a.cfg.SnapshotPath); err != nil {
			a.logger.WarnContext(ctx, "snapshot mirror failed", slog.String("error", err.Error()))
		}
	}
}

// ArchivePositions queries closed positions before the cutoff, serializes
// them to JSONL, and uploads the file at archive/positions/YYYY-MM.jsonl.
// The archival event is recorded in the audit log and the count of archived
// records is returned.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(positions))

	if err := a.logArchive(ctx, "archive.positions", path, count, before); err != nil {
		return count, err
	}
	return count, nil
}

// ArchiveAudit queries audit entries before the cutoff, serializes them to
// JSONL, and uploads the file at archive/audit/YYYY-MM.jsonl. The archival
// event is recorded in the audit log and the count of archived records is
// returned.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.logArchive(ctx, "archive.audit", path, count, before); err != nil {
		return count, err
	}
	return count, nil
}

// MirrorSnapshot uploads the local snapshot file to snapshots/positions.json
// as an off-site copy. A missing snapshot file is not an error; there is
// simply nothing to mirror yet.
func (a *ArchiveImpl) MirrorSnapshot(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("s3blob: read snapshot %s: %w", path, err)
	}

	if err := a.writer.Put(ctx, "snapshots/positions.json", bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: mirror snapshot: %w", err)
	}
	return nil
}

func (a *ArchiveImpl) logArchive(ctx context.Context, event, path string, count int64, before time.Time) error {
	if a.auditLog == nil {
		return nil
	}
	if err := a.auditLog.Log(ctx, event, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("s3blob: %s audit log: %w", event, err)
	}
	return nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/positions/2025-01.jsonl
//	archive/audit/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
