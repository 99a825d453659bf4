package snapshot

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/domain"
	"trailbot/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleSnapshot(takenAt time.Time) engine.Snapshot {
	return engine.Snapshot{
		TakenAt: takenAt,
		Positions: []domain.Position{
			{
				ID:              "pos-1",
				Symbol:          "BTCUSDT",
				Direction:       domain.DirectionLong,
				EntryPrice:      60000,
				Quantity:        0.1,
				InitialQuantity: 0.1,
				HighestPrice:    60600,
				LowestPrice:     60000,
				LastPrice:       60600,
				TrailingActive:  true,
				Variant:         domain.VariantPercentage,
				Params: domain.VariantParams{
					ActivationPercent: 1.0,
					CallbackPercent:   0.5,
				},
				StepIndex: -1,
				State:     domain.StateTrailingActive,
			},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "positions.json")
	store := NewStore(path, time.Hour, testLogger())

	taken := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Save(sampleSnapshot(taken)))

	got, err := store.Load()
	require.NoError(t, err)
	assert.True(t, got.TakenAt.Equal(taken))
	require.Len(t, got.Positions, 1)
	assert.Equal(t, "pos-1", got.Positions[0].ID)
	assert.True(t, got.Positions[0].TrailingActive)
	assert.InDelta(t, 60600.0, got.Positions[0].HighestPrice, 1e-9)
}

func TestLoadMissingFileReturnsNotFound(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.json"), time.Hour, testLogger())

	_, err := store.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLoadStaleSnapshotRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	store := NewStore(path, 10*time.Minute, testLogger())

	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Save(sampleSnapshot(old)))

	_, err := store.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSnapshotStale)
	assert.True(t, IsStale(err))
}

func TestLoadCorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewStore(path, time.Hour, testLogger())
	_, err := store.Load()
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrSnapshotStale)
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "positions.json")
	store := NewStore(path, 0, testLogger())

	require.NoError(t, store.Save(sampleSnapshot(time.Now().UTC())))
	require.NoError(t, store.Save(sampleSnapshot(time.Now().UTC())))

	// No temp files left behind after successful saves.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "positions.json", entries[0].Name())
}

func TestNoMaxAgeAcceptsOldSnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	store := NewStore(path, 0, testLogger())

	old := time.Now().UTC().Add(-24 * time.Hour)
	require.NoError(t, store.Save(sampleSnapshot(old)))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, got.Positions, 1)
}
