// Package snapshot persists the engine's registry to disk so protective
// state survives restarts.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"trailbot/internal/domain"
	"trailbot/internal/engine"
	"trailbot/internal/metrics"
)

// Store writes and reads registry snapshots as JSON files. Writes are atomic:
// the snapshot lands in a temp file first and is renamed into place, so a
// crash mid-write never corrupts the previous snapshot.
type Store struct {
	path   string
	maxAge time.Duration
	logger *slog.Logger
}

// NewStore creates a snapshot store at path. maxAge bounds how old a snapshot
// may be before Load refuses it; non-positive means no bound.
func NewStore(path string, maxAge time.Duration, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		maxAge: maxAge,
		logger: logger.With(slog.String("component", "snapshot")),
	}
}

// Path returns the snapshot file location.
func (s *Store) Path() string {
	return s.path
}

// Save writes snap atomically to the configured path, creating parent
// directories as needed.
func (s *Store) Save(snap engine.Snapshot) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: create dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".positions-*.json")
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: rename into place: %w", err)
	}

	metrics.SnapshotAge.Set(0)
	return nil
}

// Load reads the snapshot from disk. A missing file returns ErrNotFound; a
// snapshot older than the staleness bound returns ErrSnapshotStale (the
// caller should reconcile against the live exchange instead); a corrupt file
// is reported as an error after a loud warning.
func (s *Store) Load() (engine.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return engine.Snapshot{}, fmt.Errorf("snapshot: %s: %w", s.path, domain.ErrNotFound)
		}
		return engine.Snapshot{}, fmt.Errorf("snapshot: read %s: %w", s.path, err)
	}

	var snap engine.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("snapshot file is corrupt, discarding",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return engine.Snapshot{}, fmt.Errorf("snapshot: decode %s: %w", s.path, err)
	}

	if s.maxAge > 0 {
		age := time.Since(snap.TakenAt)
		if age > s.maxAge {
			return engine.Snapshot{}, fmt.Errorf("snapshot: taken %s ago (bound %s): %w",
				age.Round(time.Second), s.maxAge, domain.ErrSnapshotStale)
		}
	}

	return snap, nil
}

// Run saves the engine's snapshot on a fixed interval and once more on
// shutdown. Save failures are logged and retried on the next tick.
func (s *Store) Run(ctx context.Context, eng *engine.Engine, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	s.logger.Info("snapshot loop started",
		slog.String("path", s.path),
		slog.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastSaved time.Time
	for {
		select {
		case <-ctx.Done():
			// Final save so a graceful shutdown never loses state.
			if err := s.Save(eng.Snapshot()); err != nil {
				s.logger.Error("final snapshot save failed", slog.String("error", err.Error()))
			} else {
				s.logger.Info("final snapshot saved")
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.Save(eng.Snapshot()); err != nil {
				s.logger.Error("snapshot save failed", slog.String("error", err.Error()))
				if !lastSaved.IsZero() {
					metrics.SnapshotAge.Set(time.Since(lastSaved).Seconds())
				}
				continue
			}
			lastSaved = time.Now()
		}
	}
}

// IsStale reports whether err is the staleness sentinel.
func IsStale(err error) bool {
	return errors.Is(err, domain.ErrSnapshotStale)
}
