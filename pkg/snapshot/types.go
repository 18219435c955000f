// Package snapshot defines the durable storage contract for module state and
// the flat-file backend.
//
// Every backend stores three things:
//   - per-module incremental Records, written only when a module is dirty;
//   - one Aggregate holding every module's current value;
//   - one Manifest summarising the aggregate, whose Checksum must equal the
//     integrity digest of the aggregate payload before the aggregate is trusted.
//
// Writes go through a Tx that stages everything and makes it durable only on
// Commit, so that the engine's write-ahead log can decide between roll-forward
// and roll-back after a crash.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dotsetgreg/dotstate/pkg/checksum"
)

// FormatVersion is the on-disk layout version written into manifests.
const FormatVersion = 3

var (
	ErrNotFound  = errors.New("snapshot: not found")
	ErrIntegrity = errors.New("snapshot: integrity check failed")
)

// Record is one module's durably stored value.
type Record struct {
	Name     string          `json:"-"`
	Data     json.RawMessage `json:"data"`
	Checksum string          `json:"checksum"`
	SavedAt  time.Time       `json:"savedAt"`
}

// NewRecord canonicalizes data and computes its integrity checksum.
func NewRecord(name string, data []byte, savedAt time.Time) (Record, error) {
	canon, err := checksum.Canonical(data)
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", name, err)
	}
	return Record{Name: name, Data: canon, Checksum: checksum.IntegrityDigest(canon), SavedAt: savedAt.UTC()}, nil
}

// Verify checks Data against Checksum.
func (r Record) Verify() error {
	canon, err := checksum.Canonical(r.Data)
	if err != nil {
		return fmt.Errorf("%w: module %s: %v", ErrIntegrity, r.Name, err)
	}
	if !checksum.VerifyIntegrity(canon, r.Checksum) {
		return fmt.Errorf("%w: module %s checksum mismatch", ErrIntegrity, r.Name)
	}
	return nil
}

// ModuleSummary is a manifest line for one module.
type ModuleSummary struct {
	Name         string    `json:"name"`
	Size         int       `json:"size"`
	Checksum     string    `json:"checksum"`
	LastModified time.Time `json:"lastModified"`
	Dirty        bool      `json:"dirty"`
}

// Manifest summarises one successful save.
type Manifest struct {
	Version     int             `json:"version"`
	DataVersion int             `json:"dataVersion"`
	SavedAt     time.Time       `json:"savedAt"`
	Tick        int64           `json:"tick"`
	Day         int64           `json:"day"`
	Modules     []ModuleSummary `json:"modules"`
	TotalSize   int64           `json:"totalSize"`
	Checksum    string          `json:"checksum"`
	Compressed  bool            `json:"compressed"`
}

// Module returns the summary for name.
func (m *Manifest) Module(name string) (ModuleSummary, bool) {
	for _, s := range m.Modules {
		if s.Name == name {
			return s, true
		}
	}
	return ModuleSummary{}, false
}

// Aggregate is the full snapshot of every module at one point in time. It
// embeds its own checksum so that copies (backups) can be verified alone.
type Aggregate struct {
	Version     int                        `json:"version"`
	DataVersion int                        `json:"dataVersion"`
	SavedAt     time.Time                  `json:"savedAt"`
	Tick        int64                      `json:"tick"`
	Day         int64                      `json:"day"`
	Checksum    string                     `json:"checksum"`
	State       map[string]json.RawMessage `json:"state"`
}

// sealedFields is what the integrity digest covers: the header as well as
// State, so a corrupted tick or data version fails verification.
type sealedFields struct {
	Version     int                        `json:"version"`
	DataVersion int                        `json:"dataVersion"`
	SavedAt     time.Time                  `json:"savedAt"`
	Tick        int64                      `json:"tick"`
	Day         int64                      `json:"day"`
	State       map[string]json.RawMessage `json:"state"`
}

// Payload is the canonical encoding of the header and State.
func (a *Aggregate) Payload() ([]byte, error) {
	state := a.State
	if state == nil {
		state = map[string]json.RawMessage{}
	}
	return checksum.Marshal(sealedFields{
		Version:     a.Version,
		DataVersion: a.DataVersion,
		SavedAt:     a.SavedAt,
		Tick:        a.Tick,
		Day:         a.Day,
		State:       state,
	})
}

// canonicalState rewrites every module value in State to canonical JSON.
func (a *Aggregate) canonicalState() error {
	for name, raw := range a.State {
		c, err := checksum.Canonical(raw)
		if err != nil {
			return fmt.Errorf("module %s: %w", name, err)
		}
		a.State[name] = c
	}
	return nil
}

// Seal canonicalizes State, normalizes SavedAt to UTC and sets Checksum.
func (a *Aggregate) Seal() error {
	a.SavedAt = a.SavedAt.UTC().Round(0)
	if err := a.canonicalState(); err != nil {
		return fmt.Errorf("seal aggregate: %w", err)
	}
	payload, err := a.Payload()
	if err != nil {
		return fmt.Errorf("seal aggregate: %w", err)
	}
	a.Checksum = checksum.IntegrityDigest(payload)
	return nil
}

// Verify checks the payload digest against want, or against the embedded
// checksum when want is empty. State is canonicalized on success.
func (a *Aggregate) Verify(want string) error {
	if want == "" {
		want = a.Checksum
	}
	payload, err := a.Payload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if !checksum.VerifyIntegrity(payload, want) {
		return fmt.Errorf("%w: aggregate checksum mismatch", ErrIntegrity)
	}
	if a.Version != FormatVersion {
		return fmt.Errorf("%w: unsupported aggregate version %d", ErrIntegrity, a.Version)
	}
	if err := a.canonicalState(); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return nil
}

// MatchesHeader reports whether the aggregate header agrees with m.
func (a *Aggregate) MatchesHeader(m *Manifest) error {
	if a.Version != m.Version || a.DataVersion != m.DataVersion || a.Tick != m.Tick ||
		a.Day != m.Day || !a.SavedAt.Equal(m.SavedAt) {
		return fmt.Errorf("%w: aggregate header differs from manifest", ErrIntegrity)
	}
	return nil
}

// BuildManifest derives a manifest from a sealed aggregate.
func BuildManifest(a *Aggregate, modules []ModuleSummary, compressed bool) *Manifest {
	m := &Manifest{
		Version:     a.Version,
		DataVersion: a.DataVersion,
		SavedAt:     a.SavedAt,
		Tick:        a.Tick,
		Day:         a.Day,
		Modules:     modules,
		Checksum:    a.Checksum,
		Compressed:  compressed,
	}
	for _, s := range modules {
		m.TotalSize += int64(s.Size)
	}
	return m
}
