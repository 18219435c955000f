// Package schema applies ordered, forward-only migrations to persisted module data.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Data is the aggregate module state keyed by module name.
type Data map[string]json.RawMessage

// Migration transforms data stored at FromVersion into ToVersion.
// Transform must be a pure function of its input.
type Migration struct {
	FromVersion int
	ToVersion   int
	Description string
	Transform   func(Data) (Data, error)
}

var (
	ErrInvalidMigration = errors.New("schema: invalid migration")
	ErrFutureVersion    = errors.New("schema: stored data is newer than this build")
)

// Step records one applied migration.
type Step struct {
	From, To    int
	Description string
}

// Versioner holds a chain of migrations ordered by FromVersion.
type Versioner struct {
	mu         sync.Mutex
	base       int
	migrations []Migration
	history    []Step
}

// NewVersioner returns a versioner whose chain starts at base (the version of
// data written before any migration existed).
func NewVersioner(base int) *Versioner {
	return &Versioner{base: base}
}

// Register adds m. The chain must stay contiguous: FromVersion has to equal
// the current latest version and ToVersion must be greater.
func (v *Versioner) Register(m Migration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if m.Transform == nil {
		return fmt.Errorf("%w: %d->%d has no transform", ErrInvalidMigration, m.FromVersion, m.ToVersion)
	}
	if m.ToVersion <= m.FromVersion {
		return fmt.Errorf("%w: %d->%d does not increase the version", ErrInvalidMigration, m.FromVersion, m.ToVersion)
	}
	if latest := v.currentLocked(); m.FromVersion != latest {
		return fmt.Errorf("%w: %d->%d does not continue from %d", ErrInvalidMigration, m.FromVersion, m.ToVersion, latest)
	}
	v.migrations = append(v.migrations, m)
	return nil
}

// MustRegister is Register for static migration tables.
func (v *Versioner) MustRegister(ms ...Migration) *Versioner {
	for _, m := range ms {
		if err := v.Register(m); err != nil {
			panic(err)
		}
	}
	return v
}

// Current is the version data is written at.
func (v *Versioner) Current() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentLocked()
}

func (v *Versioner) currentLocked() int {
	if len(v.migrations) == 0 {
		return v.base
	}
	return v.migrations[len(v.migrations)-1].ToVersion
}

// Pending lists the migrations needed to bring data at version from to Current.
func (v *Versioner) Pending(from int) ([]Migration, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cur := v.currentLocked()
	if from > cur {
		return nil, fmt.Errorf("%w: stored %d, current %d", ErrFutureVersion, from, cur)
	}
	idx := sort.Search(len(v.migrations), func(i int) bool { return v.migrations[i].FromVersion >= from })
	if idx < len(v.migrations) && v.migrations[idx].FromVersion != from {
		return nil, fmt.Errorf("%w: no migration starts at version %d", ErrInvalidMigration, from)
	}
	out := make([]Migration, len(v.migrations)-idx)
	copy(out, v.migrations[idx:])
	return out, nil
}

// Migrate applies every pending migration in order and returns the migrated
// data, the resulting version and the steps taken. The input is not modified,
// so a chain is never applied twice to the same value: callers persist the
// returned version alongside the returned data.
func (v *Versioner) Migrate(data Data, from int) (Data, int, []Step, error) {
	pending, err := v.Pending(from)
	if err != nil {
		return nil, from, nil, err
	}
	if len(pending) == 0 {
		return data, from, nil, nil
	}

	cur := clone(data)
	version := from
	steps := make([]Step, 0, len(pending))
	for _, m := range pending {
		next, err := m.Transform(clone(cur))
		if err != nil {
			return nil, from, steps, fmt.Errorf("schema migration %d->%d (%s): %w", m.FromVersion, m.ToVersion, m.Description, err)
		}
		cur = next
		version = m.ToVersion
		steps = append(steps, Step{From: m.FromVersion, To: m.ToVersion, Description: m.Description})
	}
	v.mu.Lock()
	v.history = append(v.history, steps...)
	v.mu.Unlock()
	return cur, version, steps, nil
}

// History lists every step applied through this Versioner, oldest first.
func (v *Versioner) History() []Step {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Step, len(v.history))
	copy(out, v.history)
	return out
}

func clone(d Data) Data {
	out := make(Data, len(d))
	for k, raw := range d {
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		out[k] = cp
	}
	return out
}
