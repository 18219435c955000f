package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dotsetgreg/dotstate/pkg/checksum"
	"github.com/dotsetgreg/dotstate/pkg/logger"
	"github.com/dotsetgreg/dotstate/pkg/schema"
	"github.com/dotsetgreg/dotstate/pkg/snapshot"
	"github.com/dotsetgreg/dotstate/pkg/wal"
)

// LoadSource names where Load found usable state.
type LoadSource string

const (
	SourceAggregate   LoadSource = "aggregate"
	SourceIncremental LoadSource = "incremental"
	SourceBackup      LoadSource = "backup"
	SourceNone        LoadSource = "none"
)

type loaded struct {
	source      LoadSource
	state       map[string]json.RawMessage
	dataVersion int
	tick, day   int64
	manifest    *snapshot.Manifest
	path        string
}

// Load resolves any interrupted save, then restores registered modules from
// the first usable source. It returns false only if no source yields a
// verified snapshot, which includes a first start with no saved data.
func (e *Engine) Load(ctx context.Context) bool {
	if !e.busy.CompareAndSwap(false, true) {
		e.setErr(ErrSaveInProgress)
		return false
	}
	defer e.busy.Store(false)

	e.recoverWAL(ctx)
	interrupted := e.recovered
	e.recovered = ""

	sources := []func(context.Context) (*loaded, error){e.loadAggregate, e.loadIncremental, e.loadBackup}
	if interrupted == wal.OutcomeIncomplete {
		// an interrupted save guarantees nothing about the aggregate; start from
		// the last committed per-module records
		sources = []func(context.Context) (*loaded, error){e.loadIncremental, e.loadAggregate, e.loadBackup}
	}

	var errs []error
	for _, load := range sources {
		l, err := load(ctx)
		if err == nil {
			var steps []schema.Step
			if steps, err = e.migrate(l); err == nil {
				e.apply(l, len(steps) == 0)
				e.setErr(nil)
				e.metrics.Loads.WithLabelValues(string(l.source)).Inc()
				e.emit(Event{Type: EventLoadCompleted, Source: l.source, Modules: len(l.state), Tick: l.tick, Day: l.day, Path: l.path})
				return true
			}
		}
		logger.WarnCF("persist", "Load source unusable", map[string]any{"error": err.Error()})
		errs = append(errs, err)
	}

	err := fmt.Errorf("%w: %w", ErrNoSnapshot, errors.Join(errs...))
	e.setErr(err)
	e.mu.Lock()
	e.loadedFrom = SourceNone
	e.mu.Unlock()
	e.metrics.Loads.WithLabelValues(string(SourceNone)).Inc()
	e.emit(Event{Type: EventLoadFailed, Source: SourceNone, Err: err})
	return false
}

// Recover resolves an interrupted save without restoring any module, so
// callers can inspect the recovered store before registering modules. A
// following Load still orders its sources by what was recovered here.
func (e *Engine) Recover(ctx context.Context) (wal.Recovery, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return wal.Recovery{}, ErrSaveInProgress
	}
	defer e.busy.Store(false)
	return e.recoverWAL(ctx), nil
}

// recoverWAL must run under the busy guard.
func (e *Engine) recoverWAL(ctx context.Context) wal.Recovery {
	rec, err := e.wal.RecoverOnStartup(func(r wal.Recovery) error {
		return e.backend.Recover(ctx, r.Outcome == wal.OutcomeCommitted)
	})
	e.metrics.WALRecoveries.WithLabelValues(string(rec.Outcome)).Inc()
	if err != nil {
		logger.ErrorCF("persist", "Write-ahead log recovery failed", map[string]any{"outcome": string(rec.Outcome), "error": err.Error()})
		return rec
	}
	if rec.Outcome != wal.OutcomeClean {
		e.recovered = rec.Outcome
		logger.WarnCF("persist", "Recovered interrupted save", map[string]any{
			"outcome": string(rec.Outcome), "tx": rec.TxID, "modules": rec.Modules, "torn": rec.Torn,
		})
		e.emit(Event{Type: EventWALRecovered, Outcome: string(rec.Outcome)})
	}
	return rec
}

func (e *Engine) loadAggregate(ctx context.Context) (*loaded, error) {
	agg, m, err := e.backend.ReadAggregate(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	return &loaded{source: SourceAggregate, state: agg.State, dataVersion: agg.DataVersion, tick: agg.Tick, day: agg.Day, manifest: m}, nil
}

// loadIncremental rebuilds state from per-module records. When a manifest is
// readable, each record must match its manifest checksum.
func (e *Engine) loadIncremental(ctx context.Context) (*loaded, error) {
	m, merr := e.backend.ReadManifest(ctx)
	var names []string
	if merr == nil {
		for _, s := range m.Modules {
			names = append(names, s.Name)
		}
	} else {
		var err error
		if names, err = e.backend.ListModules(ctx); err != nil {
			return nil, fmt.Errorf("incremental: %w", err)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("incremental: %w", merr)
		}
		m = nil
	}

	l := &loaded{source: SourceIncremental, state: make(map[string]json.RawMessage, len(names)), dataVersion: e.versioner.Current()}
	if m != nil {
		l.dataVersion, l.tick, l.day, l.manifest = m.DataVersion, m.Tick, m.Day, m
	}
	for _, name := range names {
		rec, err := e.backend.LoadModule(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("incremental: %w", err)
		}
		if m != nil {
			if sum, ok := m.Module(name); ok && sum.Checksum != rec.Checksum {
				return nil, fmt.Errorf("incremental: %w: module %s does not match manifest", snapshot.ErrIntegrity, name)
			}
		}
		l.state[name] = rec.Data
	}
	return l, nil
}

func (e *Engine) loadBackup(ctx context.Context) (*loaded, error) {
	paths, err := e.rotator.Newest()
	if err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("backup: %w", snapshot.ErrNotFound)
	}
	var errs []error
	for _, p := range paths {
		agg, err := e.backend.ReadBackup(ctx, p)
		if err != nil {
			logger.WarnCF("persist", "Skipping unusable backup", map[string]any{"path": p, "error": err.Error()})
			errs = append(errs, err)
			continue
		}
		return &loaded{source: SourceBackup, state: agg.State, dataVersion: agg.DataVersion, tick: agg.Tick, day: agg.Day, path: p}, nil
	}
	return nil, fmt.Errorf("backup: %w", errors.Join(errs...))
}

// migrate brings l.state up to the current data version in place.
func (e *Engine) migrate(l *loaded) ([]schema.Step, error) {
	out, version, steps, err := e.versioner.Migrate(schema.Data(l.state), l.dataVersion)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.source, err)
	}
	if len(steps) > 0 {
		canon := make(map[string]json.RawMessage, len(out))
		for name, raw := range out {
			c, err := checksum.Canonical(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: migrated module %s: %w", l.source, name, err)
			}
			canon[name] = c
		}
		l.state = canon
		for _, s := range steps {
			logger.InfoCF("persist", "Applied data migration", map[string]any{"from": s.From, "to": s.To, "description": s.Description})
		}
	}
	l.dataVersion = version
	return steps, nil
}

// apply restores every registered module and resets dirty tracking. Stored
// fingerprints are trusted only when the state matches the primary store
// byte for byte (aggregate or incremental, unmigrated); otherwise every
// module is dirty so the next save rewrites the store.
func (e *Engine) apply(l *loaded, trustStored bool) {
	e.tracker.Reset()
	trust := trustStored && l.source != SourceBackup

	restored := make(map[string]json.RawMessage, len(l.state))
	for _, ent := range e.registry.All() {
		raw, ok := l.state[ent.Name]
		if !ok {
			logger.DebugCF("persist", "No stored state for module", map[string]any{"module": ent.Name})
			continue
		}
		if err := e.restore(ent, raw); err != nil {
			logger.ErrorCF("persist", "Module restore failed", map[string]any{"module": ent.Name, "error": err.Error()})
			e.emit(Event{Type: EventModuleRestoreFailed, Module: ent.Name, Err: err})
			continue
		}
		restored[ent.Name] = raw
		if trust {
			e.tracker.Record(ent.Name, checksum.DirtyFingerprint(raw))
		}
	}

	modified := map[string]time.Time{}
	if l.manifest != nil {
		for _, s := range l.manifest.Modules {
			modified[s.Name] = s.LastModified
		}
	}

	e.mu.Lock()
	e.lastCommitted = restored
	e.lastModified = modified
	e.lastManifest = l.manifest
	e.lastSaveTick = l.tick
	e.loadedFrom = l.source
	e.mu.Unlock()
}
