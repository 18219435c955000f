package persist

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/dotsetgreg/dotstate/pkg/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_KeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid.v2"} {
		require.NoError(t, r.Register(name, raw(`1`), snapshot.AdapterBlob))
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid.v2"}, r.Names())
	assert.Equal(t, 3, r.Len())

	_, ok := r.Get("alpha")
	assert.True(t, ok)
	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Error(t, r.Register("nil", nil, snapshot.AdapterBlob))
}

func TestRawModule(t *testing.T) {
	m := NewRawModule(nil)
	assert.Equal(t, "null", string(m.Value()))

	require.NoError(t, m.Restore(json.RawMessage(`{"a":1}`)))
	v := m.Value()
	v[0] = '['
	assert.Equal(t, `{"a":1}`, string(m.Value()), "Value returns a copy")

	assert.Error(t, m.Restore(json.RawMessage(`{"a":`)))
}

func TestMultiObserver(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	var seen []EventType
	obs := MultiObserver{a, nil, b, ObserverFunc(func(e Event) { seen = append(seen, e.Type) })}
	obs.Notify(Event{Type: EventBackupCompleted})
	obs.Notify(Event{Type: EventSaveFailed, Err: errors.New("disk full")})

	want := []EventType{EventBackupCompleted, EventSaveFailed}
	assert.Equal(t, want, a.types())
	assert.Equal(t, want, b.types())
	assert.Equal(t, want, seen)

	LogObserver{}.Notify(Event{Type: EventSaveFailed, Err: errors.New("disk full")})
}
