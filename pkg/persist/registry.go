package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/dotsetgreg/dotstate/pkg/snapshot"
)

// Module is a unit of state the engine persists. Serialize must return a
// JSON-encodable value; Restore receives a value previously produced by
// Serialize, possibly from an older data version.
type Module interface {
	Serialize() (any, error)
	Restore(data json.RawMessage) error
}

// DuplicateModuleError is returned when a name is registered twice.
type DuplicateModuleError struct {
	Name string
}

func (e *DuplicateModuleError) Error() string {
	return fmt.Sprintf("module %q already registered", e.Name)
}

var ErrInvalidModuleName = errors.New("invalid module name")

// module names double as file names in the flat backend
var moduleNameRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// Entry is one registered module.
type Entry struct {
	Name    string
	Module  Module
	Adapter snapshot.AdapterKind
}

// Registry holds modules in registration order. There is no removal.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]int
}

func NewRegistry() *Registry {
	return &Registry{index: map[string]int{}}
}

// Register adds m under name with the given storage adapter.
func (r *Registry) Register(name string, m Module, adapter snapshot.AdapterKind) error {
	if !moduleNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidModuleName, name)
	}
	if m == nil {
		return fmt.Errorf("module %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[name]; ok {
		return &DuplicateModuleError{Name: name}
	}
	r.index[name] = len(r.entries)
	r.entries = append(r.entries, Entry{Name: name, Module: m, Adapter: adapter})
	return nil
}

func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.entries[i].Module, true
}

// All returns every entry in registration order.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Name
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// RawModule holds an opaque JSON value. Tools that handle stored state
// without knowing its shape register one per stored module.
type RawModule struct {
	mu   sync.Mutex
	data json.RawMessage
}

// NewRawModule returns a module holding initial, or null when initial is empty.
func NewRawModule(initial json.RawMessage) *RawModule {
	m := &RawModule{}
	m.Set(initial)
	return m
}

func (m *RawModule) Serialize() (any, error) {
	return m.Value(), nil
}

func (m *RawModule) Restore(data json.RawMessage) error {
	if !json.Valid(data) {
		return errors.New("raw module: invalid JSON")
	}
	m.Set(data)
	return nil
}

// Value returns a copy of the held JSON.
func (m *RawModule) Value() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(json.RawMessage(nil), m.data...)
}

func (m *RawModule) Set(data json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(data) == 0 {
		m.data = json.RawMessage("null")
		return
	}
	m.data = append(json.RawMessage(nil), data...)
}

// FuncModule adapts a pair of closures to Module.
type FuncModule struct {
	SerializeFunc func() (any, error)
	RestoreFunc   func(json.RawMessage) error
}

func (f FuncModule) Serialize() (any, error) { return f.SerializeFunc() }

func (f FuncModule) Restore(data json.RawMessage) error { return f.RestoreFunc(data) }
