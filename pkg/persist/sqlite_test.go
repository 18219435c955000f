package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/dotsetgreg/dotstate/pkg/snapshot"
	"github.com/dotsetgreg/dotstate/pkg/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const visitorsState = `{"nextId":3,"visitors":[` +
	`{"id":"v1","name":"Ada","visitCount":4,"facts":[{"fact":"likes tea","confidence":0.9}]},` +
	`{"id":"v2","name":"Lin","visitCount":1,"facts":[]}]}`

func newSQLiteEngine(t *testing.T, dir string, clk *testClock, opts ...Option) *Engine {
	t.Helper()
	store, err := sqlstore.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	e, err := New(dir, store, append([]Option{WithClock(clk.Now)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := newTestClock()

	e := newSQLiteEngine(t, dir, clk)
	visitors := raw(visitorsState)
	e.MustRegister("visitors", visitors)
	e.MustRegister("emotion", raw(`{"mood":"calm"}`))
	assert.Equal(t, snapshot.AdapterNormalized, e.Registry().All()[0].Adapter)
	assert.Equal(t, snapshot.AdapterBlob, e.Registry().All()[1].Adapter)
	require.True(t, e.Save(ctx, 7, 1))
	want := visitors.Value()

	visitors.Set(json.RawMessage(`{"nextId":3,"visitors":[{"id":"v1","name":"Ada","visitCount":5,"facts":[]}]}`))
	require.True(t, e.Save(ctx, 8, 1))
	assert.True(t, e.IntegrityCheck(ctx))
	require.NoError(t, e.Close())

	e2 := newSQLiteEngine(t, dir, clk)
	v2, em2 := raw(`null`), raw(`null`)
	e2.MustRegister("visitors", v2)
	e2.MustRegister("emotion", em2)
	require.True(t, e2.Load(ctx))
	assert.Equal(t, SourceAggregate, e2.LoadedFrom())
	assert.JSONEq(t, `{"nextId":3,"visitors":[{"id":"v1","name":"Ada","visitCount":5,"facts":[]}]}`, string(v2.Value()))
	assert.Equal(t, `{"mood":"calm"}`, string(em2.Value()))
	assert.NotEqual(t, string(want), string(v2.Value()))
}

func TestEngine_SQLiteTamperedRowFallsBackToBackup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := newTestClock()

	e := newSQLiteEngine(t, dir, clk)
	e.MustRegister("visitors", raw(visitorsState))
	require.True(t, e.Save(ctx, 1, 0))
	files, err := e.Backups()
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.NoError(t, e.Close())

	db, err := sql.Open("sqlite", filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE visitors SET name = 'Eve' WHERE id = 'v1'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	e2 := newSQLiteEngine(t, dir, clk)
	v := raw(`null`)
	e2.MustRegister("visitors", v)
	assert.False(t, e2.IntegrityCheck(ctx))
	require.True(t, e2.Load(ctx))
	assert.Equal(t, SourceBackup, e2.LoadedFrom())
	assert.Contains(t, string(v.Value()), `"name":"Ada"`)

	require.True(t, e2.Save(ctx, 2, 0))
	assert.True(t, e2.IntegrityCheck(ctx))
}
