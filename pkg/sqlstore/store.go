// Package sqlstore is the relational snapshot backend.
//
// High-value module collections are normalized into a fixed catalog of
// tables (see catalog.go); everything else is kept in module_blobs. The
// aggregate snapshot is not stored separately: it is rebuilt from committed
// module rows and verified against the checksum in snapshot_manifest.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/dotstate/pkg/checksum"
	"github.com/dotsetgreg/dotstate/pkg/snapshot"
	_ "modernc.org/sqlite"
)

const (
	backendKind = "sqlite"
	backupExt   = ".db"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a SQLite-backed snapshot.Backend.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool

	mu       sync.Mutex
	txOpen   bool
	bindings map[string]snapshot.AdapterKind
}

var (
	_ snapshot.Backend = (*Store)(nil)
	_ snapshot.Binder  = (*Store)(nil)
)

// Open creates or opens the database at path and applies pending DDL.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer process, one connection: per-connection pragmas stay in force
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path, bindings: map[string]snapshot.AdapterKind{}}
	ctx := context.Background()
	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrateSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens an existing database, such as a backup, without
// applying pragmas or DDL.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, path: path, readOnly: true, bindings: map[string]snapshot.AdapterKind{}}
	v, err := userVersion(context.Background(), db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if v != schemaVersion {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite db %s has schema version %d, want %d", filepath.Base(path), v, schemaVersion)
	}
	return s, nil
}

func (s *Store) Kind() string { return backendKind }

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SchemaVersion reports the DDL version recorded in the database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return userVersion(ctx, s.db)
}

// Bind resolves the storage adapter for a module once, at registration.
func (s *Store) Bind(name string) snapshot.AdapterKind {
	kind := snapshot.AdapterBlob
	if _, ok := lookupMapping(name); ok {
		kind = snapshot.AdapterNormalized
	}
	s.mu.Lock()
	s.bindings[name] = kind
	s.mu.Unlock()
	return kind
}

func (s *Store) mappingFor(name string) (*Mapping, bool) {
	s.mu.Lock()
	kind, bound := s.bindings[name]
	s.mu.Unlock()
	if bound && kind != snapshot.AdapterNormalized {
		return nil, false
	}
	return lookupMapping(name)
}

// Begin implements snapshot.Backend.
func (s *Store) Begin(ctx context.Context) (snapshot.Tx, error) {
	return s.BeginTx(ctx)
}

// BeginTx opens the single write transaction.
func (s *Store) BeginTx(ctx context.Context) (*Tx, error) {
	if s.readOnly {
		return nil, errors.New("sqlite store: read-only")
	}
	s.mu.Lock()
	if s.txOpen {
		s.mu.Unlock()
		return nil, errors.New("sqlite store: transaction already open")
	}
	s.txOpen = true
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.endTx()
		return nil, fmt.Errorf("sqlite store: begin: %w", err)
	}
	return &Tx{s: s, tx: tx}, nil
}

func (s *Store) endTx() {
	s.mu.Lock()
	s.txOpen = false
	s.mu.Unlock()
}

// Recover is a no-op: SQLite transactions are atomic, so an interrupted save
// leaves the previous commit intact.
func (s *Store) Recover(context.Context, bool) error { return nil }

func (s *Store) LoadModule(ctx context.Context, name string) (snapshot.Record, error) {
	return s.loadModule(ctx, s.db, name)
}

func (s *Store) loadModule(ctx context.Context, q querier, name string) (snapshot.Record, error) {
	var (
		blob, sum, updated string
		normalized         bool
	)
	err := q.QueryRowContext(ctx,
		`SELECT blob, checksum, updated_at, normalized FROM module_blobs WHERE module_name = ?`, name,
	).Scan(&blob, &sum, &updated, &normalized)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.Record{}, fmt.Errorf("%w: module %s", snapshot.ErrNotFound, name)
	}
	if err != nil {
		return snapshot.Record{}, fmt.Errorf("load module %s: %w", name, err)
	}

	data := []byte(blob)
	if normalized {
		m, ok := lookupMapping(name)
		if !ok {
			return snapshot.Record{}, fmt.Errorf("%w: module %s marked normalized but has no table", snapshot.ErrIntegrity, name)
		}
		items, err := readEntities(ctx, q, m)
		if err != nil {
			return snapshot.Record{}, fmt.Errorf("load module %s: %w", name, err)
		}
		if data, err = joinModule(m, data, items); err != nil {
			return snapshot.Record{}, fmt.Errorf("%w: module %s: %v", snapshot.ErrIntegrity, name, err)
		}
	}

	savedAt, _ := time.Parse(time.RFC3339Nano, updated)
	rec := snapshot.Record{Name: name, Data: data, Checksum: sum, SavedAt: savedAt}
	if err := rec.Verify(); err != nil {
		return snapshot.Record{}, err
	}
	if rec.Data, err = checksum.Canonical(rec.Data); err != nil {
		return snapshot.Record{}, fmt.Errorf("%w: module %s: %v", snapshot.ErrIntegrity, name, err)
	}
	return rec, nil
}

func (s *Store) ListModules(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT module_name FROM module_blobs ORDER BY module_name`)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *Store) ReadManifest(ctx context.Context) (*snapshot.Manifest, error) {
	return readManifest(ctx, s.db)
}

func readManifest(ctx context.Context, q querier) (*snapshot.Manifest, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT manifest_json FROM snapshot_manifest WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: manifest", snapshot.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m snapshot.Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", snapshot.ErrIntegrity, err)
	}
	return &m, nil
}

// ReadAggregate rebuilds the aggregate from the modules named in the
// manifest and verifies it against the manifest checksum.
func (s *Store) ReadAggregate(ctx context.Context) (*snapshot.Aggregate, *snapshot.Manifest, error) {
	m, err := s.ReadManifest(ctx)
	if err != nil {
		return nil, nil, err
	}
	agg := &snapshot.Aggregate{
		Version:     m.Version,
		DataVersion: m.DataVersion,
		SavedAt:     m.SavedAt,
		Tick:        m.Tick,
		Day:         m.Day,
		Checksum:    m.Checksum,
		State:       make(map[string]json.RawMessage, len(m.Modules)),
	}
	for _, sum := range m.Modules {
		rec, err := s.LoadModule(ctx, sum.Name)
		if err != nil {
			return nil, m, err
		}
		agg.State[sum.Name] = rec.Data
	}
	if err := agg.Verify(m.Checksum); err != nil {
		return nil, m, err
	}
	return agg, m, nil
}

// Verify runs SQLite's own integrity checks, then re-verifies every module
// and the aggregate checksum.
func (s *Store) Verify(ctx context.Context) error {
	var errs []error
	rows, err := s.db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fmt.Errorf("integrity_check: %w", err)
	}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			rows.Close()
			return err
		}
		if line != "ok" {
			errs = append(errs, fmt.Errorf("%w: integrity_check: %s", snapshot.ErrIntegrity, line))
		}
	}
	rows.Close()

	fk, err := s.db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("foreign_key_check: %w", err)
	}
	violations := 0
	for fk.Next() {
		violations++
	}
	fk.Close()
	if violations > 0 {
		errs = append(errs, fmt.Errorf("%w: %d foreign key violations", snapshot.ErrIntegrity, violations))
	}

	_, m, err := s.ReadAggregate(ctx)
	if err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}
	for _, sum := range m.Modules {
		rec, err := s.LoadModule(ctx, sum.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rec.Checksum != sum.Checksum {
			errs = append(errs, fmt.Errorf("%w: module %s differs from manifest", snapshot.ErrIntegrity, sum.Name))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) BackupExt() string { return backupExt }

// BackupTo writes a consistent copy of the database with VACUUM INTO.
func (s *Store) BackupTo(ctx context.Context, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	tmp := dst + ".tmp"
	_ = os.Remove(tmp)
	stmt := `VACUUM INTO '` + strings.ReplaceAll(tmp, "'", "''") + `'`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("vacuum into %s: %w", filepath.Base(dst), err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize backup: %w", err)
	}
	return nil
}

// ReadBackup opens a backup database read-only and returns its verified aggregate.
func (s *Store) ReadBackup(ctx context.Context, path string) (*snapshot.Aggregate, error) {
	b, err := OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	agg, _, err := b.ReadAggregate(ctx)
	return agg, err
}

// DeleteAll empties every table.
func (s *Store) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, m := range catalog {
		if err := clearMapping(ctx, tx, &m); err != nil {
			return err
		}
	}
	for _, stmt := range []string{`DELETE FROM module_blobs`, `DELETE FROM snapshot_manifest`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("delete all: %w", err)
		}
	}
	return tx.Commit()
}

// TableCounts returns the row count of every table that holds module data.
func (s *Store) TableCounts(ctx context.Context) (map[string]int, error) {
	tables := []string{"module_blobs"}
	for _, m := range catalog {
		tables = append(tables, m.Tables()...)
	}
	sort.Strings(tables)
	out := make(map[string]int, len(tables))
	for _, t := range tables {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", t, err)
		}
		out[t] = n
	}
	return out, nil
}
