package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotstate/pkg/checksum"
)

const (
	StateFile      = "state.json"
	StateFileGzip  = "state.json.gz"
	ManifestFile   = "manifest.json"
	ModulesDir     = "modules"
	stagedDir      = ".staged"
	moduleFileExt  = ".json"
	fileBackupExt  = ".json"
	gzipBackupExt  = ".json.gz"
	fileBackendKey = "file"
)

// FileStore keeps one JSON file per module under modules/, an aggregate
// state.json (optionally gzip-compressed) and a manifest.json sidecar.
//
// Writes are staged under modules/.staged and renamed into place on Commit.
type FileStore struct {
	root     string
	compress bool

	mu     sync.Mutex
	txOpen bool
}

type FileOption func(*FileStore)

// WithCompression gzips the aggregate snapshot.
func WithCompression(on bool) FileOption {
	return func(s *FileStore) { s.compress = on }
}

// NewFileStore creates the directory layout under root.
func NewFileStore(root string, opts ...FileOption) (*FileStore, error) {
	s := &FileStore{root: root}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Join(root, ModulesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return s, nil
}

func (s *FileStore) Kind() string { return fileBackendKey }

func (s *FileStore) Root() string { return s.root }

func (s *FileStore) modulePath(name string) string {
	return filepath.Join(s.root, ModulesDir, name+moduleFileExt)
}

func (s *FileStore) stagePath(parts ...string) string {
	return filepath.Join(append([]string{s.root, ModulesDir, stagedDir}, parts...)...)
}

func (s *FileStore) Begin(_ context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txOpen {
		return nil, errors.New("file store: transaction already open")
	}
	if err := os.RemoveAll(s.stagePath()); err != nil {
		return nil, fmt.Errorf("file store: clear staging: %w", err)
	}
	if err := os.MkdirAll(s.stagePath(ModulesDir), 0o755); err != nil {
		return nil, fmt.Errorf("file store: create staging: %w", err)
	}
	s.txOpen = true
	return &fileTx{s: s}, nil
}

type fileTx struct {
	s       *FileStore
	modules []string
	done    bool
}

func (tx *fileTx) SaveModule(_ context.Context, rec Record) error {
	if tx.done {
		return errors.New("file store: transaction finished")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: encode module %s: %w", rec.Name, err)
	}
	if err := writeFileAtomic(tx.s.stagePath(ModulesDir, rec.Name+moduleFileExt), data); err != nil {
		return fmt.Errorf("file store: stage module %s: %w", rec.Name, err)
	}
	tx.modules = append(tx.modules, rec.Name)
	return nil
}

func (tx *fileTx) WriteAggregate(_ context.Context, agg *Aggregate, m *Manifest) error {
	if tx.done {
		return errors.New("file store: transaction finished")
	}
	// the store, not the caller, decides the aggregate encoding
	if m.Compressed != tx.s.compress {
		cp := *m
		cp.Compressed = tx.s.compress
		m = &cp
	}
	data, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("file store: encode aggregate: %w", err)
	}
	name := StateFile
	if m.Compressed {
		if data, err = gzipBytes(data); err != nil {
			return fmt.Errorf("file store: compress aggregate: %w", err)
		}
		name = StateFileGzip
	}
	if err := writeFileAtomic(tx.s.stagePath(name), data); err != nil {
		return fmt.Errorf("file store: stage aggregate: %w", err)
	}
	mdata, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: encode manifest: %w", err)
	}
	if err := writeFileAtomic(tx.s.stagePath(ManifestFile), mdata); err != nil {
		return fmt.Errorf("file store: stage manifest: %w", err)
	}
	return nil
}

func (tx *fileTx) Commit(_ context.Context) error {
	if tx.done {
		return errors.New("file store: transaction finished")
	}
	tx.done = true
	defer tx.s.endTx()
	return tx.s.promote()
}

func (tx *fileTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer tx.s.endTx()
	return os.RemoveAll(tx.s.stagePath())
}

func (s *FileStore) endTx() {
	s.mu.Lock()
	s.txOpen = false
	s.mu.Unlock()
}

// promote renames staged files into place: module files first, then the
// aggregate, then the manifest.
func (s *FileStore) promote() error {
	staged, err := os.ReadDir(s.stagePath(ModulesDir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("file store: read staging: %w", err)
	}
	for _, e := range staged {
		if e.IsDir() || !strings.HasSuffix(e.Name(), moduleFileExt) {
			continue
		}
		if err := os.Rename(s.stagePath(ModulesDir, e.Name()), filepath.Join(s.root, ModulesDir, e.Name())); err != nil {
			return fmt.Errorf("file store: promote %s: %w", e.Name(), err)
		}
	}

	for _, pair := range [][2]string{{StateFile, StateFileGzip}, {StateFileGzip, StateFile}} {
		src := s.stagePath(pair[0])
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(s.root, pair[0])); err != nil {
			return fmt.Errorf("file store: promote %s: %w", pair[0], err)
		}
		if err := removeIfExists(filepath.Join(s.root, pair[1])); err != nil {
			return fmt.Errorf("file store: remove stale %s: %w", pair[1], err)
		}
	}

	if _, err := os.Stat(s.stagePath(ManifestFile)); err == nil {
		if err := os.Rename(s.stagePath(ManifestFile), filepath.Join(s.root, ManifestFile)); err != nil {
			return fmt.Errorf("file store: promote manifest: %w", err)
		}
	}
	syncDir(filepath.Join(s.root, ModulesDir))
	syncDir(s.root)
	return os.RemoveAll(s.stagePath())
}

func (s *FileStore) Recover(_ context.Context, committed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if committed {
		return s.promote()
	}
	return os.RemoveAll(s.stagePath())
}

func (s *FileStore) LoadModule(_ context.Context, name string) (Record, error) {
	data, err := os.ReadFile(s.modulePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("%w: module %s", ErrNotFound, name)
		}
		return Record{}, fmt.Errorf("file store: read module %s: %w", name, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: module %s: %v", ErrIntegrity, name, err)
	}
	rec.Name = name
	if err := rec.Verify(); err != nil {
		return Record{}, err
	}
	if rec.Data, err = checksum.Canonical(rec.Data); err != nil {
		return Record{}, fmt.Errorf("%w: module %s: %v", ErrIntegrity, name, err)
	}
	return rec, nil
}

func (s *FileStore) ListModules(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, ModulesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("file store: list modules: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), moduleFileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), moduleFileExt))
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) ReadManifest(_ context.Context) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.root, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: manifest", ErrNotFound)
		}
		return nil, fmt.Errorf("file store: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrIntegrity, err)
	}
	return &m, nil
}

func (s *FileStore) ReadAggregate(ctx context.Context) (*Aggregate, *Manifest, error) {
	m, err := s.ReadManifest(ctx)
	if err != nil {
		return nil, nil, err
	}
	agg, err := s.readStateFile(m.Compressed)
	if err != nil {
		return nil, m, err
	}
	if err := agg.Verify(m.Checksum); err != nil {
		return nil, m, err
	}
	if err := agg.MatchesHeader(m); err != nil {
		return nil, m, err
	}
	return agg, m, nil
}

func (s *FileStore) readStateFile(compressed bool) (*Aggregate, error) {
	order := []string{StateFile, StateFileGzip}
	if compressed {
		order = []string{StateFileGzip, StateFile}
	}
	var lastErr error = fmt.Errorf("%w: aggregate snapshot", ErrNotFound)
	for _, name := range order {
		agg, err := readAggregateFile(filepath.Join(s.root, name))
		if err == nil {
			return agg, nil
		}
		if !errors.Is(err, ErrNotFound) {
			lastErr = err
		}
	}
	return nil, lastErr
}

func readAggregateFile(path string) (*Aggregate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return nil, err
	}
	if strings.HasSuffix(path, ".gz") {
		if data, err = gunzipBytes(data); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrIntegrity, filepath.Base(path), err)
		}
	}
	var agg Aggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIntegrity, filepath.Base(path), err)
	}
	return &agg, nil
}

// Verify checks the aggregate against the manifest and every module file
// against both its own checksum and the manifest entry.
func (s *FileStore) Verify(ctx context.Context) error {
	_, m, err := s.ReadAggregate(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, sum := range m.Modules {
		rec, err := s.LoadModule(ctx, sum.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rec.Checksum != sum.Checksum {
			errs = append(errs, fmt.Errorf("%w: module %s differs from manifest", ErrIntegrity, sum.Name))
		}
	}
	return errors.Join(errs...)
}

func (s *FileStore) BackupExt() string {
	if s.compress {
		return gzipBackupExt
	}
	return fileBackupExt
}

// BackupTo copies the current aggregate file to dst.
func (s *FileStore) BackupTo(ctx context.Context, dst string) error {
	m, err := s.ReadManifest(ctx)
	if err != nil {
		return err
	}
	src := filepath.Join(s.root, StateFile)
	if m.Compressed {
		src = filepath.Join(s.root, StateFileGzip)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("file store: read %s: %w", filepath.Base(src), err)
	}
	// keep the backup's encoding consistent with its extension
	switch {
	case m.Compressed && !strings.HasSuffix(dst, ".gz"):
		if data, err = gunzipBytes(data); err != nil {
			return err
		}
	case !m.Compressed && strings.HasSuffix(dst, ".gz"):
		if data, err = gzipBytes(data); err != nil {
			return err
		}
	}
	return writeFileAtomic(dst, data)
}

func (s *FileStore) ReadBackup(_ context.Context, path string) (*Aggregate, error) {
	agg, err := readAggregateFile(path)
	if err != nil {
		return nil, err
	}
	if err := agg.Verify(""); err != nil {
		return nil, err
	}
	return agg, nil
}

func (s *FileStore) DeleteAll(_ context.Context) error {
	for _, name := range []string{StateFile, StateFileGzip, ManifestFile} {
		if err := removeIfExists(filepath.Join(s.root, name)); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(filepath.Join(s.root, ModulesDir)); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.root, ModulesDir), 0o755)
}

func (s *FileStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
