// Package migrate moves a legacy flat JSON snapshot into the relational store.
//
// The whole migration runs in one SQLite transaction. Each normalized entity
// is written under its own savepoint, so an entity that cannot be stored is
// rolled back completely, counted and skipped while the rest of the
// transaction commits. Success therefore means best-effort completion: callers
// that need all-or-nothing must check Stats.Errors.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dotsetgreg/dotstate/pkg/logger"
	"github.com/dotsetgreg/dotstate/pkg/snapshot"
	"github.com/dotsetgreg/dotstate/pkg/sqlstore"
)

const (
	// MarkerFile is written into the data directory after a committed migration.
	MarkerFile = ".migrated_to_sqlite"
	// BackupSuffix is appended to the legacy file name for the pre-migration copy.
	BackupSuffix = ".backup"
)

var ErrNoLegacySnapshot = errors.New("migrate: legacy snapshot not found")

// EntityError is one entity skipped during migration.
type EntityError struct {
	Module  string `json:"module"`
	Table   string `json:"table"`
	Index   int    `json:"index"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// Stats summarises one migration run. A run skipped because the marker
// exists returns the zero value.
type Stats struct {
	PerEntity    map[string]int `json:"perEntity"`
	Errors       int            `json:"errors"`
	EntityErrors []EntityError  `json:"entityErrors,omitempty"`
}

// Marker is the content of MarkerFile.
type Marker struct {
	MigratedAt     time.Time `json:"migratedAt"`
	LegacySnapshot string    `json:"legacySnapshot"`
	Checksum       string    `json:"checksum"`
	Stats          Stats     `json:"stats"`
}

type Migrator struct {
	store       *sqlstore.Store
	dataDir     string
	dataVersion int
	now         func() time.Time
}

type Option func(*Migrator)

// WithDataVersion sets the data version recorded for legacy snapshots that
// do not carry one.
func WithDataVersion(v int) Option {
	return func(m *Migrator) { m.dataVersion = v }
}

func WithClock(now func() time.Time) Option {
	return func(m *Migrator) { m.now = now }
}

func New(store *sqlstore.Store, dataDir string, opts ...Option) *Migrator {
	m := &Migrator{store: store, dataDir: dataDir, dataVersion: 1, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Migrator) markerPath() string { return filepath.Join(m.dataDir, MarkerFile) }

// Done reports whether a migration has already been committed.
func (m *Migrator) Done() bool {
	_, err := os.Stat(m.markerPath())
	return err == nil
}

// ReadMarker returns the recorded marker.
func (m *Migrator) ReadMarker() (*Marker, error) {
	data, err := os.ReadFile(m.markerPath())
	if err != nil {
		return nil, err
	}
	var mk Marker
	if err := json.Unmarshal(data, &mk); err != nil {
		return nil, fmt.Errorf("decode migration marker: %w", err)
	}
	return &mk, nil
}

// Migrate imports legacyPath into the store. While the marker exists it
// returns zero stats without touching storage.
func (m *Migrator) Migrate(ctx context.Context, legacyPath string) (Stats, error) {
	if m.Done() {
		logger.InfoCF("migrate", "Migration marker present, skipping", map[string]any{"marker": m.markerPath()})
		return Stats{}, nil
	}

	legacy, err := readLegacy(legacyPath)
	if err != nil {
		return Stats{}, err
	}
	if err := copyFile(legacyPath, legacyPath+BackupSuffix); err != nil {
		return Stats{}, fmt.Errorf("migrate: backup legacy snapshot: %w", err)
	}

	now := m.now().UTC()
	stats := Stats{PerEntity: map[string]int{}}
	dataVersion := legacy.DataVersion
	if dataVersion == 0 {
		dataVersion = m.dataVersion
	}
	agg := &snapshot.Aggregate{
		Version:     snapshot.FormatVersion,
		DataVersion: dataVersion,
		SavedAt:     now,
		Tick:        legacy.Tick,
		Day:         legacy.Day,
		State:       make(map[string]json.RawMessage, len(legacy.State)),
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	names := make([]string, 0, len(legacy.State))
	for name := range legacy.State {
		names = append(names, name)
	}
	sort.Strings(names)

	var summaries []snapshot.ModuleSummary
	for _, name := range names {
		res, err := tx.ImportModule(ctx, name, legacy.State[name], now)
		if err != nil {
			return Stats{}, fmt.Errorf("migrate module %s: %w", name, err)
		}
		for table, n := range res.Rows {
			stats.PerEntity[table] += n
		}
		for _, f := range res.Failures {
			ee := EntityError{Module: name, Table: f.Table, Index: f.Index, ID: f.ID, Message: f.Err.Error()}
			stats.EntityErrors = append(stats.EntityErrors, ee)
			logger.WarnCF("migrate", "Skipping entity", map[string]any{
				"module": name, "table": f.Table, "index": f.Index, "id": f.ID, "error": f.Err.Error(),
			})
		}
		agg.State[name] = res.Record.Data
		summaries = append(summaries, snapshot.ModuleSummary{
			Name:         name,
			Size:         len(res.Record.Data),
			Checksum:     res.Record.Checksum,
			LastModified: now,
			Dirty:        true,
		})
	}
	stats.Errors = len(stats.EntityErrors)

	if err := agg.Seal(); err != nil {
		return Stats{}, fmt.Errorf("migrate: %w", err)
	}
	if err := tx.WriteAggregate(ctx, agg, snapshot.BuildManifest(agg, summaries, false)); err != nil {
		return Stats{}, fmt.Errorf("migrate: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Stats{}, fmt.Errorf("migrate: %w", err)
	}

	marker := Marker{MigratedAt: now, LegacySnapshot: filepath.Base(legacyPath), Checksum: agg.Checksum, Stats: stats}
	if err := m.writeMarker(marker); err != nil {
		// the data is committed; a missing marker only means the next run repeats the import
		return stats, fmt.Errorf("migrate: write marker: %w", err)
	}
	logger.InfoCF("migrate", "Legacy snapshot migrated", map[string]any{
		"modules": len(names), "errors": stats.Errors, "legacy": legacyPath,
	})
	return stats, nil
}

func (m *Migrator) writeMarker(mk Marker) error {
	data, err := json.MarshalIndent(mk, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.markerPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.markerPath())
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
