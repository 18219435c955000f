// Package persist is the persistence engine: it owns the module registry,
// the write-ahead log and a snapshot backend, and drives the save and load
// protocols over them.
//
// Save writes only dirty modules, always rewrites the aggregate snapshot and
// its manifest, and makes everything durable in one backend commit bracketed
// by the write-ahead log. Load resolves any interrupted save first, then tries
// the aggregate, the per-module records and finally the newest backup.
//
// Save, Load, CheckAutoSave and IntegrityCheck report success as a bool and
// never panic; LastError returns the cause of the most recent failure.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/dotstate/pkg/backup"
	"github.com/dotsetgreg/dotstate/pkg/checksum"
	"github.com/dotsetgreg/dotstate/pkg/logger"
	"github.com/dotsetgreg/dotstate/pkg/schema"
	"github.com/dotsetgreg/dotstate/pkg/snapshot"
	"github.com/dotsetgreg/dotstate/pkg/wal"
)

const (
	WALFile    = "wal.json"
	BackupsDir = "backups"

	DefaultMaxBackups       = 10
	DefaultAutoSaveInterval = 300
)

type Engine struct {
	dataDir   string
	backend   snapshot.Backend
	wal       *wal.Log
	tracker   *checksum.Tracker
	registry  *Registry
	versioner *schema.Versioner
	rotator   *backup.Rotator
	observer  Observer
	metrics   *Metrics
	now       func() time.Time

	maxBackups       int
	autoSaveInterval int64

	busy atomic.Bool
	// backupMu is held while a backup file is being written. Saves never
	// wait on it.
	backupMu sync.Mutex
	// recovered is the outcome of a journal recovery not yet consumed by
	// Load. Guarded by busy.
	recovered wal.Outcome

	mu            sync.Mutex
	lastSaveTick  int64
	lastCommitted map[string]json.RawMessage
	lastModified  map[string]time.Time
	lastManifest  *snapshot.Manifest
	loadedFrom    LoadSource
	lastErr       error
}

type Option func(*Engine)

// WithObserver sets the receiver of engine events.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithVersioner sets the data migration chain applied on load.
func WithVersioner(v *schema.Versioner) Option {
	return func(e *Engine) { e.versioner = v }
}

// WithMaxBackups sets how many rotated backups are kept. Zero disables them.
func WithMaxBackups(n int) Option {
	return func(e *Engine) { e.maxBackups = n }
}

// WithAutoSaveInterval sets the tick distance between automatic saves.
// Zero disables CheckAutoSave.
func WithAutoSaveInterval(ticks int64) Option {
	return func(e *Engine) { e.autoSaveInterval = ticks }
}

// New builds an engine over backend with its journal and backups in dataDir.
// The engine takes ownership of backend and closes it in Close.
func New(dataDir string, backend snapshot.Backend, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, errors.New("persist: nil backend")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create data dir: %w", err)
	}
	e := &Engine{
		dataDir:          dataDir,
		backend:          backend,
		tracker:          checksum.NewTracker(),
		registry:         NewRegistry(),
		versioner:        schema.NewVersioner(1),
		observer:         nopObserver{},
		now:              time.Now,
		maxBackups:       DefaultMaxBackups,
		autoSaveInterval: DefaultAutoSaveInterval,
		lastCommitted:    map[string]json.RawMessage{},
		lastModified:     map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics, _ = NewMetrics(nil)
	}
	e.wal = wal.New(filepath.Join(dataDir, WALFile), wal.WithClock(e.now))
	e.rotator = backup.NewRotator(backend, filepath.Join(dataDir, BackupsDir), backup.WithClock(e.now))
	return e, nil
}

// Register adds a module. The backend's storage adapter for it is resolved
// here, once.
func (e *Engine) Register(name string, m Module) error {
	adapter := snapshot.AdapterBlob
	if b, ok := e.backend.(snapshot.Binder); ok {
		adapter = b.Bind(name)
	}
	return e.registry.Register(name, m, adapter)
}

// MustRegister is Register for static wiring.
func (e *Engine) MustRegister(name string, m Module) {
	if err := e.Register(name, m); err != nil {
		panic(err)
	}
}

func (e *Engine) Registry() *Registry          { return e.registry }
func (e *Engine) Backend() snapshot.Backend    { return e.backend }
func (e *Engine) Versioner() *schema.Versioner { return e.versioner }
func (e *Engine) DataDir() string              { return e.dataDir }

// LastError returns the cause of the most recent failed operation, or nil
// if the most recent operation succeeded.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

func (e *Engine) LastSaveTick() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSaveTick
}

// LastManifest returns the manifest of the last committed save or load.
func (e *Engine) LastManifest() *snapshot.Manifest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastManifest
}

// LoadedFrom reports which source supplied state on the last Load.
func (e *Engine) LoadedFrom() LoadSource {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadedFrom
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.observer.Notify(ev)
}

// serialize returns the module's canonical payload.
func (e *Engine) serialize(ent Entry) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SerializationError{Module: ent.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	v, err := ent.Module.Serialize()
	if err != nil {
		return nil, &SerializationError{Module: ent.Name, Err: err}
	}
	data, err = checksum.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Module: ent.Name, Err: err}
	}
	return data, nil
}

type pendingWrite struct {
	rec         snapshot.Record
	fingerprint string
}

// Save runs the save protocol for the given simulation time. It returns
// false if another operation is in flight or if anything before the commit
// fails, in which case the journal is rolled back and nothing changes.
func (e *Engine) Save(ctx context.Context, tick, day int64) bool {
	if !e.busy.CompareAndSwap(false, true) {
		e.setErr(ErrSaveInProgress)
		return false
	}
	defer e.busy.Store(false)

	start := time.Now()
	res, err := e.save(ctx, tick, day)
	if err != nil {
		e.setErr(err)
		e.metrics.Saves.WithLabelValues("failure").Inc()
		logger.ErrorCF("persist", "Save failed", map[string]any{"tick": tick, "day": day, "error": err.Error()})
		e.emit(Event{Type: EventSaveFailed, Tick: tick, Day: day, Err: err})
		return false
	}
	elapsed := time.Since(start)
	e.setErr(nil)
	e.metrics.Saves.WithLabelValues("success").Inc()
	e.metrics.SaveDuration.Observe(elapsed.Seconds())
	e.metrics.ModulesWritten.Add(float64(res.written))
	e.emit(Event{Type: EventSaveCompleted, Tick: tick, Day: day, Modules: res.modules, Written: res.written, Duration: elapsed})

	e.rotate(ctx)
	return true
}

type saveResult struct {
	modules int
	written int
}

func (e *Engine) save(ctx context.Context, tick, day int64) (saveResult, error) {
	now := e.now().UTC()
	entries := e.registry.All()

	e.mu.Lock()
	prevCommitted := e.lastCommitted
	prevModified := e.lastModified
	e.mu.Unlock()

	state := make(map[string]json.RawMessage, len(entries))
	summaries := make([]snapshot.ModuleSummary, 0, len(entries))
	var writes []pendingWrite

	for _, ent := range entries {
		data, err := e.serialize(ent)
		if err != nil {
			logger.WarnCF("persist", "Module serialization failed, keeping last committed value", map[string]any{
				"module": ent.Name, "error": err.Error(),
			})
			e.emit(Event{Type: EventModuleSerializeFailed, Module: ent.Name, Tick: tick, Day: day, Err: err})
			prev, ok := prevCommitted[ent.Name]
			if !ok {
				continue
			}
			state[ent.Name] = prev
			summaries = append(summaries, snapshot.ModuleSummary{
				Name:         ent.Name,
				Size:         len(prev),
				Checksum:     checksum.IntegrityDigest(prev),
				LastModified: prevModified[ent.Name],
			})
			continue
		}

		fp := checksum.DirtyFingerprint(data)
		dirty := e.tracker.IsDirty(ent.Name, fp)
		rec, err := snapshot.NewRecord(ent.Name, data, now)
		if err != nil {
			return saveResult{}, err
		}
		state[ent.Name] = rec.Data
		modified := prevModified[ent.Name]
		if dirty || modified.IsZero() {
			modified = now
		}
		summaries = append(summaries, snapshot.ModuleSummary{
			Name:         ent.Name,
			Size:         len(rec.Data),
			Checksum:     rec.Checksum,
			LastModified: modified,
			Dirty:        dirty,
		})
		if dirty {
			writes = append(writes, pendingWrite{rec: rec, fingerprint: fp})
		}
	}

	agg := &snapshot.Aggregate{
		Version:     snapshot.FormatVersion,
		DataVersion: e.versioner.Current(),
		SavedAt:     now,
		Tick:        tick,
		Day:         day,
		State:       state,
	}
	if err := agg.Seal(); err != nil {
		return saveResult{}, err
	}
	manifest := snapshot.BuildManifest(agg, summaries, false)

	if _, err := e.wal.Begin(); err != nil {
		return saveResult{}, err
	}
	tx, err := e.backend.Begin(ctx)
	if err != nil {
		return saveResult{}, e.abort(nil, fmt.Errorf("begin backend transaction: %w", err))
	}
	for _, w := range writes {
		if err := ctx.Err(); err != nil {
			return saveResult{}, e.abort(tx, err)
		}
		if err := e.wal.RecordWrite(w.rec.Name, w.rec.Checksum); err != nil {
			return saveResult{}, e.abort(tx, err)
		}
		if err := tx.SaveModule(ctx, w.rec); err != nil {
			return saveResult{}, e.abort(tx, err)
		}
	}
	if err := tx.WriteAggregate(ctx, agg, manifest); err != nil {
		return saveResult{}, e.abort(tx, err)
	}
	if err := ctx.Err(); err != nil {
		return saveResult{}, e.abort(tx, err)
	}
	if err := e.wal.Commit(func() error { return tx.Commit(ctx) }); err != nil {
		_ = tx.Rollback()
		return saveResult{}, err
	}

	// durable: only now may the tracker treat these payloads as clean
	modified := make(map[string]time.Time, len(summaries))
	for _, s := range summaries {
		modified[s.Name] = s.LastModified
	}
	for _, w := range writes {
		e.tracker.Record(w.rec.Name, w.fingerprint)
	}
	e.mu.Lock()
	e.lastCommitted = state
	e.lastModified = modified
	e.lastManifest = manifest
	e.lastSaveTick = tick
	e.mu.Unlock()

	return saveResult{modules: len(state), written: len(writes)}, nil
}

func (e *Engine) abort(tx snapshot.Tx, cause error) error {
	errs := []error{cause}
	if tx != nil {
		if err := tx.Rollback(); err != nil {
			errs = append(errs, fmt.Errorf("backend rollback: %w", err))
		}
	}
	if err := e.wal.Rollback(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// rotate runs after a committed save. Failures are reported, never returned.
// A backup already in flight makes it a no-op.
func (e *Engine) rotate(ctx context.Context) {
	if e.maxBackups <= 0 {
		return
	}
	if !e.backupMu.TryLock() {
		e.metrics.Backups.WithLabelValues("skipped").Inc()
		logger.DebugCF("persist", "Backup rotation skipped, backup in flight", nil)
		return
	}
	defer e.backupMu.Unlock()
	path, err := e.rotator.Rotate(ctx, e.maxBackups)
	if err != nil {
		e.metrics.Backups.WithLabelValues("failure").Inc()
		logger.WarnCF("persist", "Backup rotation failed", map[string]any{"error": err.Error()})
		e.emit(Event{Type: EventBackupFailed, Path: path, Err: err})
		return
	}
	e.metrics.Backups.WithLabelValues("success").Inc()
	e.emit(Event{Type: EventBackupCompleted, Path: path})
}

// CheckAutoSave saves when at least the auto-save interval has passed since
// the last save. It reports whether a save ran and succeeded; it never waits
// for or overlaps an in-flight operation.
func (e *Engine) CheckAutoSave(ctx context.Context, tick, day int64) bool {
	if e.autoSaveInterval <= 0 || e.busy.Load() {
		return false
	}
	if tick-e.LastSaveTick() < e.autoSaveInterval {
		return false
	}
	return e.Save(ctx, tick, day)
}

// Backup writes one backup of the last committed snapshot outside the save
// cycle and prunes old ones. Saves may run while it copies.
func (e *Engine) Backup(ctx context.Context) (string, error) {
	if !e.backupMu.TryLock() {
		return "", ErrBackupInProgress
	}
	defer e.backupMu.Unlock()

	max := e.maxBackups
	if max <= 0 {
		max = 1
	}
	path, err := e.rotator.Rotate(ctx, max)
	if err != nil {
		e.metrics.Backups.WithLabelValues("failure").Inc()
		e.emit(Event{Type: EventBackupFailed, Err: err})
		return "", err
	}
	e.metrics.Backups.WithLabelValues("success").Inc()
	e.emit(Event{Type: EventBackupCompleted, Path: path})
	return path, nil
}

// Backups lists backup files, newest first.
func (e *Engine) Backups() ([]string, error) {
	return e.rotator.Newest()
}

// IntegrityCheck runs the backend's read-only consistency check.
func (e *Engine) IntegrityCheck(ctx context.Context) bool {
	if err := e.backend.Verify(ctx); err != nil {
		e.setErr(err)
		logger.WarnCF("persist", "Integrity check failed", map[string]any{"backend": e.backend.Kind(), "error": err.Error()})
		return false
	}
	return true
}

// ExportAll serializes every registered module, bypassing the journal and
// checksums. Modules that fail to serialize are left out and reported in
// the returned error.
func (e *Engine) ExportAll() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, e.registry.Len())
	var errs []error
	for _, ent := range e.registry.All() {
		data, err := e.serialize(ent)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[ent.Name] = data
	}
	return out, errors.Join(errs...)
}

// ImportAll restores every registered module present in data. Names with no
// registered module are ignored. Nothing is written to storage; the next
// Save sees the imported values as dirty.
func (e *Engine) ImportAll(data map[string]json.RawMessage) error {
	var errs []error
	for _, ent := range e.registry.All() {
		raw, ok := data[ent.Name]
		if !ok {
			continue
		}
		if err := e.restore(ent, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) restore(ent Entry, raw json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RestoreError{Module: ent.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := ent.Module.Restore(raw); err != nil {
		return &RestoreError{Module: ent.Name, Err: err}
	}
	return nil
}

// Close releases the backend.
func (e *Engine) Close() error {
	return e.backend.Close()
}
