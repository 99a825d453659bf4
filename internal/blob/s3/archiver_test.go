package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWriter struct {
	puts map[string][]byte
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{puts: map[string][]byte{}}
}

func (w *fakeWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return err
	}
	w.puts[path] = buf.Bytes()
	return nil
}

func (w *fakeWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "")
}

type fakePositionSource struct {
	positions []domain.Position
	cutoffs   []time.Time
}

func (s *fakePositionSource) ListClosedBefore(_ context.Context, before time.Time) ([]domain.Position, error) {
	s.cutoffs = append(s.cutoffs, before)
	return s.positions, nil
}

type fakeAuditSource struct {
	entries []domain.AuditEntry
}

func (s *fakeAuditSource) ListBefore(context.Context, time.Time) ([]domain.AuditEntry, error) {
	return s.entries, nil
}

type fakeAuditLog struct {
	events []string
}

func (l *fakeAuditLog) Log(_ context.Context, event string, _ map[string]any) error {
	l.events = append(l.events, event)
	return nil
}

func (l *fakeAuditLog) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (l *fakeAuditLog) ListBefore(context.Context, time.Time) ([]domain.AuditEntry, error) {
	return nil, nil
}

func closedPosition(id string, closedAt time.Time) domain.Position {
	exit := 60500.0
	return domain.Position{
		ID:          id,
		Symbol:      "BTCUSDT",
		Direction:   domain.DirectionLong,
		EntryPrice:  60000,
		Quantity:    0.1,
		State:       domain.StateClosed,
		CloseReason: domain.CloseReasonTrailingStop,
		ExitPrice:   &exit,
		ClosedAt:    &closedAt,
	}
}

func TestArchivePositionsUploadsJSONL(t *testing.T) {
	closedAt := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	src := &fakePositionSource{positions: []domain.Position{
		closedPosition("pos-1", closedAt),
		closedPosition("pos-2", closedAt),
	}}
	writer := newFakeWriter()
	auditLog := &fakeAuditLog{}
	arch := NewArchiver(writer, src, &fakeAuditSource{}, auditLog, ArchiverConfig{}, testLogger())

	cutoff := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	count, err := arch.ArchivePositions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	data, ok := writer.puts["archive/positions/2025-07.jsonl"]
	require.True(t, ok, "expected upload at the year-month partitioned key, got %v", writer.puts)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	var first domain.Position
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "pos-1", first.ID)
	assert.Equal(t, domain.CloseReasonTrailingStop, first.CloseReason)

	assert.Equal(t, []string{"archive.positions"}, auditLog.events)
	require.Len(t, src.cutoffs, 1)
	assert.True(t, src.cutoffs[0].Equal(cutoff))
}

func TestArchivePositionsNothingToArchive(t *testing.T) {
	writer := newFakeWriter()
	auditLog := &fakeAuditLog{}
	arch := NewArchiver(writer, &fakePositionSource{}, &fakeAuditSource{}, auditLog, ArchiverConfig{}, testLogger())

	count, err := arch.ArchivePositions(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, writer.puts)
	assert.Empty(t, auditLog.events)
}

func TestArchiveAuditUploadsJSONL(t *testing.T) {
	src := &fakeAuditSource{entries: []domain.AuditEntry{
		{ID: 1, Event: "trailing_activated", CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
		{ID: 2, Event: "position_closed", CreatedAt: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)},
		{ID: 3, Event: "close_failed", CreatedAt: time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)},
	}}
	writer := newFakeWriter()
	auditLog := &fakeAuditLog{}
	arch := NewArchiver(writer, &fakePositionSource{}, src, auditLog, ArchiverConfig{}, testLogger())

	cutoff := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	count, err := arch.ArchiveAudit(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	data, ok := writer.puts["archive/audit/2025-07.jsonl"]
	require.True(t, ok)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 3)

	assert.Equal(t, []string{"archive.audit"}, auditLog.events)
}

func TestMirrorSnapshotUploadsLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"taken_at":"2025-07-01T00:00:00Z"}`), 0o600))

	writer := newFakeWriter()
	arch := NewArchiver(writer, &fakePositionSource{}, &fakeAuditSource{}, nil, ArchiverConfig{}, testLogger())

	require.NoError(t, arch.MirrorSnapshot(context.Background(), path))
	assert.Contains(t, writer.puts, "snapshots/positions.json")
	assert.JSONEq(t, `{"taken_at":"2025-07-01T00:00:00Z"}`, string(writer.puts["snapshots/positions.json"]))
}

func TestMirrorSnapshotMissingFileIsNoop(t *testing.T) {
	writer := newFakeWriter()
	arch := NewArchiver(writer, &fakePositionSource{}, &fakeAuditSource{}, nil, ArchiverConfig{}, testLogger())

	require.NoError(t, arch.MirrorSnapshot(context.Background(), filepath.Join(t.TempDir(), "absent.json")))
	assert.Empty(t, writer.puts)
}
