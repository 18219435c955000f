package checksum

import "sync"

// Tracker remembers the fingerprint of the last durably committed payload for
// each module. Record must only be called after the write has committed.
type Tracker struct {
	mu   sync.RWMutex
	last map[string]string
}

func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]string)}
}

// IsDirty reports whether fingerprint differs from the committed one.
// A module with no recorded fingerprint is dirty.
func (t *Tracker) IsDirty(name, fingerprint string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	prev, ok := t.last[name]
	return !ok || prev != fingerprint
}

func (t *Tracker) Record(name, fingerprint string) {
	t.mu.Lock()
	t.last[name] = fingerprint
	t.mu.Unlock()
}

// Forget drops the recorded fingerprint so the next save rewrites the module.
func (t *Tracker) Forget(name string) {
	t.mu.Lock()
	delete(t.last, name)
	t.mu.Unlock()
}

// Reset forgets every module.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.last = make(map[string]string)
	t.mu.Unlock()
}
