package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/dotstate/pkg/schema"
	"github.com/dotsetgreg/dotstate/pkg/snapshot"
	"github.com/dotsetgreg/dotstate/pkg/wal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newFileEngine(t *testing.T, dir string, clk *testClock, opts ...Option) *Engine {
	t.Helper()
	fs, err := snapshot.NewFileStore(dir)
	require.NoError(t, err)
	e, err := New(dir, fs, append([]Option{WithClock(clk.Now)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func raw(s string) *RawModule { return NewRawModule(json.RawMessage(s)) }

func TestEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := newTestClock()

	e := newFileEngine(t, dir, clk)
	e.MustRegister("emotion", raw(`{"mood":"calm","valence":0.5}`))
	e.MustRegister("habits", raw(`[{"name":"walk","streak":3}]`))
	e.MustRegister("weird", raw(`{"html":"<b>&</b>","big":12345678901234567890}`))
	require.True(t, e.Save(ctx, 100, 2))

	want, err := e.ExportAll()
	require.NoError(t, err)

	e2 := newFileEngine(t, dir, clk)
	mods := map[string]*RawModule{"emotion": raw(`null`), "habits": raw(`null`), "weird": raw(`null`)}
	for _, name := range []string{"emotion", "habits", "weird"} {
		e2.MustRegister(name, mods[name])
	}
	require.True(t, e2.Load(ctx))
	assert.Equal(t, SourceAggregate, e2.LoadedFrom())
	assert.Equal(t, int64(100), e2.LastSaveTick())
	for name, m := range mods {
		assert.Equal(t, string(want[name]), string(m.Value()), name)
	}
}

type countingBackend struct {
	snapshot.Backend
	mu     sync.Mutex
	writes []string
}

func (c *countingBackend) Begin(ctx context.Context) (snapshot.Tx, error) {
	tx, err := c.Backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &countingTx{Tx: tx, c: c}, nil
}

func (c *countingBackend) take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.writes
	c.writes = nil
	return out
}

type countingTx struct {
	snapshot.Tx
	c *countingBackend
}

func (t *countingTx) SaveModule(ctx context.Context, rec snapshot.Record) error {
	t.c.mu.Lock()
	t.c.writes = append(t.c.writes, rec.Name)
	t.c.mu.Unlock()
	return t.Tx.SaveModule(ctx, rec)
}

func TestEngine_DirtySkip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := snapshot.NewFileStore(dir)
	require.NoError(t, err)
	cb := &countingBackend{Backend: fs}
	e, err := New(dir, cb, WithClock(newTestClock().Now))
	require.NoError(t, err)

	a, b, c := raw(`{"v":1}`), raw(`{"v":1}`), raw(`{"v":1}`)
	e.MustRegister("A", a)
	e.MustRegister("B", b)
	e.MustRegister("C", c)

	require.True(t, e.Save(ctx, 1, 0))
	assert.Equal(t, []string{"A", "B", "C"}, cb.take())

	b.Set(json.RawMessage(`{"v":2}`))
	require.True(t, e.Save(ctx, 2, 0))
	assert.Equal(t, []string{"B"}, cb.take())

	m := e.LastManifest()
	require.Len(t, m.Modules, 3)
	for _, s := range m.Modules {
		assert.Equal(t, s.Name == "B", s.Dirty, s.Name)
	}
	agg, _, err := fs.ReadAggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(agg.State["A"]))
	assert.Equal(t, `{"v":2}`, string(agg.State["B"]))
	assert.Equal(t, `{"v":1}`, string(agg.State["C"]))

	require.True(t, e.Save(ctx, 3, 0))
	assert.Empty(t, cb.take())
}

func TestEngine_ChecksumGuardFallsBackToIncremental(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := newTestClock()

	e := newFileEngine(t, dir, clk)
	a, b := raw(`{"v":1}`), raw(`{"v":1}`)
	e.MustRegister("A", a)
	e.MustRegister("B", b)
	require.True(t, e.Save(ctx, 1, 0))
	b.Set(json.RawMessage(`{"v":2}`))
	require.True(t, e.Save(ctx, 2, 0))

	statePath := filepath.Join(dir, snapshot.StateFile)
	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	corrupted := bytes.Replace(data, []byte(`"B":{"v":2}`), []byte(`"B":{"v":7}`), 1)
	require.NotEqual(t, data, corrupted)
	require.NoError(t, os.WriteFile(statePath, corrupted, 0o644))

	e2 := newFileEngine(t, dir, clk)
	a2, b2 := raw(`null`), raw(`null`)
	e2.MustRegister("A", a2)
	e2.MustRegister("B", b2)
	require.True(t, e2.Load(ctx))
	assert.Equal(t, SourceIncremental, e2.LoadedFrom())
	assert.Equal(t, `{"v":1}`, string(a2.Value()))
	assert.Equal(t, `{"v":2}`, string(b2.Value()))

	// the next save heals the aggregate
	require.True(t, e2.Save(ctx, 3, 0))
	assert.True(t, e2.IntegrityCheck(ctx))
}

func TestEngine_CorruptedAggregateHeaderIsNotTrusted(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct{ name, old, repl string }{
		{"tick", `"tick":7`, `"tick":9`},
		{"dataVersion", `"dataVersion":1`, `"dataVersion":0`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			clk := newTestClock()
			e := newFileEngine(t, dir, clk)
			e.MustRegister("a", raw(`{"v":1}`))
			require.True(t, e.Save(ctx, 7, 0))

			statePath := filepath.Join(dir, snapshot.StateFile)
			data, err := os.ReadFile(statePath)
			require.NoError(t, err)
			corrupted := bytes.Replace(data, []byte(tc.old), []byte(tc.repl), 1)
			require.NotEqual(t, data, corrupted)
			require.NoError(t, os.WriteFile(statePath, corrupted, 0o644))

			e2 := newFileEngine(t, dir, clk)
			a := raw(`null`)
			e2.MustRegister("a", a)
			require.True(t, e2.Load(ctx))
			assert.NotEqual(t, SourceAggregate, e2.LoadedFrom())
			assert.Equal(t, int64(7), e2.LastSaveTick())
			assert.Equal(t, `{"v":1}`, string(a.Value()))
		})
	}
}

func TestEngine_FallsBackToNewestBackup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := newTestClock()

	e := newFileEngine(t, dir, clk)
	a, b := raw(`{"v":1}`), raw(`{"v":1}`)
	e.MustRegister("A", a)
	e.MustRegister("B", b)
	require.True(t, e.Save(ctx, 1, 0))
	b.Set(json.RawMessage(`{"v":2}`))
	require.True(t, e.Save(ctx, 2, 0))

	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshot.StateFile), []byte(`{`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshot.ModulesDir, "B.json"), []byte(`{"data":{"v":9},"checksum":"x"}`), 0o644))
	assert.False(t, e.IntegrityCheck(ctx))

	e2 := newFileEngine(t, dir, clk)
	a2, b2 := raw(`null`), raw(`null`)
	e2.MustRegister("A", a2)
	e2.MustRegister("B", b2)
	require.True(t, e2.Load(ctx))
	assert.Equal(t, SourceBackup, e2.LoadedFrom())
	assert.Equal(t, `{"v":1}`, string(a2.Value()))
	assert.Equal(t, `{"v":2}`, string(b2.Value()))

	// state from a backup is not trusted as stored: everything is rewritten
	require.True(t, e2.Save(ctx, 3, 0))
	for _, s := range e2.LastManifest().Modules {
		assert.True(t, s.Dirty, s.Name)
	}
	assert.True(t, e2.IntegrityCheck(ctx))
}

func TestEngine_IncompleteTransactionRecovery(t *testing.T) {
	for _, recoverFirst := range []bool{false, true} {
		t.Run(map[bool]string{false: "load", true: "recover then load"}[recoverFirst], func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			clk := newTestClock()

			e := newFileEngine(t, dir, clk)
			e.MustRegister("A", raw(`{"v":1}`))
			require.True(t, e.Save(ctx, 1, 0))

			// a save that dies after staging A={"v":2} and journaling it
			fs, err := snapshot.NewFileStore(dir)
			require.NoError(t, err)
			tx, err := fs.Begin(ctx)
			require.NoError(t, err)
			rec, err := snapshot.NewRecord("A", []byte(`{"v":2}`), clk.Now())
			require.NoError(t, err)
			require.NoError(t, tx.SaveModule(ctx, rec))
			log := wal.New(filepath.Join(dir, WALFile))
			_, err = log.Begin()
			require.NoError(t, err)
			require.NoError(t, log.RecordWrite("A", rec.Checksum))

			obs := &recorder{}
			e2 := newFileEngine(t, dir, clk, WithObserver(obs))
			if recoverFirst {
				r, err := e2.Recover(ctx)
				require.NoError(t, err)
				assert.Equal(t, wal.OutcomeIncomplete, r.Outcome)
			}
			a := raw(`null`)
			e2.MustRegister("A", a)
			require.True(t, e2.Load(ctx))
			assert.Equal(t, `{"v":1}`, string(a.Value()))
			assert.Equal(t, SourceIncremental, e2.LoadedFrom())
			assert.Contains(t, obs.types(), EventWALRecovered)

			_, err = os.Stat(filepath.Join(dir, WALFile))
			assert.True(t, os.IsNotExist(err), "journal removed after recovery")
			_, err = os.Stat(filepath.Join(dir, snapshot.ModulesDir, ".staged"))
			assert.True(t, os.IsNotExist(err), "staged writes discarded")
		})
	}
}

func TestEngine_CommittedTransactionRollsForward(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := newTestClock()

	e := newFileEngine(t, dir, clk)
	e.MustRegister("A", raw(`{"v":1}`))
	require.True(t, e.Save(ctx, 1, 0))

	// a save that journals its commit and dies before promoting staged files
	fs, err := snapshot.NewFileStore(dir)
	require.NoError(t, err)
	tx, err := fs.Begin(ctx)
	require.NoError(t, err)
	rec, err := snapshot.NewRecord("A", []byte(`{"v":2}`), clk.Now())
	require.NoError(t, err)
	require.NoError(t, tx.SaveModule(ctx, rec))
	agg := &snapshot.Aggregate{Version: snapshot.FormatVersion, DataVersion: 1, Tick: 2, State: map[string]json.RawMessage{"A": rec.Data}}
	require.NoError(t, agg.Seal())
	require.NoError(t, tx.WriteAggregate(ctx, agg, snapshot.BuildManifest(agg, []snapshot.ModuleSummary{{Name: "A", Checksum: rec.Checksum}}, false)))
	log := wal.New(filepath.Join(dir, WALFile))
	_, err = log.Begin()
	require.NoError(t, err)
	require.NoError(t, log.RecordWrite("A", rec.Checksum))
	require.Error(t, log.Commit(func() error { return errors.New("power loss") }))

	e2 := newFileEngine(t, dir, clk)
	a := raw(`null`)
	e2.MustRegister("A", a)
	require.True(t, e2.Load(ctx))
	assert.Equal(t, SourceAggregate, e2.LoadedFrom())
	assert.Equal(t, `{"v":2}`, string(a.Value()))
	assert.Equal(t, int64(2), e2.LastSaveTick())
}

func TestEngine_BackupRetention(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	const n = 3
	e := newFileEngine(t, dir, newTestClock(), WithMaxBackups(n))
	m := raw(`{"v":0}`)
	e.MustRegister("A", m)

	for i := 1; i <= n+5; i++ {
		m.Set(json.RawMessage(`{"v":` + string(rune('0'+i)) + `}`))
		require.True(t, e.Save(ctx, int64(i), 0))
	}
	files, err := e.Backups()
	require.NoError(t, err)
	require.Len(t, files, n)

	newest, err := e.Backend().ReadBackup(ctx, files[0])
	require.NoError(t, err)
	assert.Equal(t, `{"v":8}`, string(newest.State["A"]))
	oldest, err := e.Backend().ReadBackup(ctx, files[n-1])
	require.NoError(t, err)
	assert.Equal(t, `{"v":6}`, string(oldest.State["A"]))
}

func TestEngine_AutoSaveGuard(t *testing.T) {
	ctx := context.Background()
	e := newFileEngine(t, t.TempDir(), newTestClock(), WithAutoSaveInterval(10))
	e.MustRegister("A", raw(`{"v":1}`))

	assert.False(t, e.CheckAutoSave(ctx, 5, 0))
	assert.True(t, e.CheckAutoSave(ctx, 10, 0))
	assert.False(t, e.CheckAutoSave(ctx, 15, 0))

	e.busy.Store(true)
	assert.False(t, e.CheckAutoSave(ctx, 40, 0))
	assert.False(t, e.Save(ctx, 40, 0))
	assert.ErrorIs(t, e.LastError(), ErrSaveInProgress)
	_, err := e.Backup(ctx)
	assert.NoError(t, err, "backups do not take the save guard")
	e.busy.Store(false)

	assert.True(t, e.CheckAutoSave(ctx, 40, 0))
	assert.Equal(t, int64(40), e.LastSaveTick())
	assert.NoError(t, e.LastError())
}

// slowBackupBackend blocks BackupTo until release is closed.
type slowBackupBackend struct {
	snapshot.Backend
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *slowBackupBackend) BackupTo(ctx context.Context, dst string) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.Backend.BackupTo(ctx, dst)
}

func TestEngine_SaveRunsWhileBackupInFlight(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs, err := snapshot.NewFileStore(dir)
	require.NoError(t, err)
	slow := &slowBackupBackend{Backend: fs, started: make(chan struct{}), release: make(chan struct{})}
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	e, err := New(dir, slow, WithClock(newTestClock().Now), WithMaxBackups(0), WithMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	a := raw(`{"v":1}`)
	e.MustRegister("A", a)
	require.True(t, e.Save(ctx, 1, 0))

	type result struct {
		path string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		p, err := e.Backup(ctx)
		done <- result{p, err}
	}()
	select {
	case <-slow.started:
	case <-time.After(5 * time.Second):
		t.Fatal("backup never started")
	}

	a.Set(json.RawMessage(`{"v":2}`))
	assert.True(t, e.Save(ctx, 2, 0))
	assert.NoError(t, e.LastError())
	_, err = e.Backup(ctx)
	assert.ErrorIs(t, err, ErrBackupInProgress)

	close(slow.release)
	res := <-done
	require.NoError(t, res.err)
	assert.FileExists(t, res.path)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Saves.WithLabelValues("success")))
}

func TestEngine_SerializationErrorSkipsModule(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	obs := &recorder{}
	e := newFileEngine(t, dir, newTestClock(), WithObserver(obs))

	fail := false
	flaky := FuncModule{
		SerializeFunc: func() (any, error) {
			if fail {
				return nil, errors.New("mid-update")
			}
			return map[string]int{"n": 1}, nil
		},
		RestoreFunc: func(json.RawMessage) error { return nil },
	}
	never := FuncModule{
		SerializeFunc: func() (any, error) { panic("boom") },
		RestoreFunc:   func(json.RawMessage) error { return nil },
	}
	ok := raw(`{"v":1}`)
	e.MustRegister("flaky", flaky)
	e.MustRegister("never", never)
	e.MustRegister("ok", ok)

	require.True(t, e.Save(ctx, 1, 0))
	m := e.LastManifest()
	require.Len(t, m.Modules, 2, "a module that never serialized is left out")

	fail = true
	ok.Set(json.RawMessage(`{"v":2}`))
	require.True(t, e.Save(ctx, 2, 0))
	agg, _, err := e.Backend().ReadAggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(agg.State["flaky"]), "last committed value carried forward")
	assert.Equal(t, `{"v":2}`, string(agg.State["ok"]))
	assert.Contains(t, obs.types(), EventModuleSerializeFailed)
}

func TestEngine_RestoreErrorDoesNotFailLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := newTestClock()
	e := newFileEngine(t, dir, clk)
	e.MustRegister("A", raw(`{"v":1}`))
	e.MustRegister("B", raw(`{"v":1}`))
	require.True(t, e.Save(ctx, 1, 0))

	obs := &recorder{}
	e2 := newFileEngine(t, dir, clk, WithObserver(obs))
	e2.MustRegister("A", FuncModule{
		SerializeFunc: func() (any, error) { return nil, nil },
		RestoreFunc:   func(json.RawMessage) error { return errors.New("bad shape") },
	})
	b := raw(`null`)
	e2.MustRegister("B", b)
	require.True(t, e2.Load(ctx))
	assert.Equal(t, `{"v":1}`, string(b.Value()))
	assert.Contains(t, obs.types(), EventModuleRestoreFailed)
}

func TestEngine_FreshStartLoadFails(t *testing.T) {
	obs := &recorder{}
	e := newFileEngine(t, t.TempDir(), newTestClock(), WithObserver(obs))
	a := raw(`{"v":1}`)
	e.MustRegister("A", a)
	assert.False(t, e.Load(context.Background()))
	assert.ErrorIs(t, e.LastError(), ErrNoSnapshot)
	assert.Equal(t, SourceNone, e.LoadedFrom())
	assert.Equal(t, []EventType{EventLoadFailed}, obs.types())
	assert.Equal(t, `{"v":1}`, string(a.Value()), "modules keep their initial state")
}

func TestEngine_AppliesDataMigrationsOnLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := newTestClock()
	e := newFileEngine(t, dir, clk)
	e.MustRegister("emotion", raw(`{"mood":"calm"}`))
	require.True(t, e.Save(ctx, 1, 0))

	v := schema.NewVersioner(1).MustRegister(schema.Migration{
		FromVersion: 1, ToVersion: 2, Description: "mood becomes state",
		Transform: func(d schema.Data) (schema.Data, error) {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(d["emotion"], &obj); err != nil {
				return nil, err
			}
			obj["state"] = obj["mood"]
			delete(obj, "mood")
			out, err := json.Marshal(obj)
			d["emotion"] = out
			return d, err
		},
	})
	e2 := newFileEngine(t, dir, clk, WithVersioner(v))
	m := raw(`null`)
	e2.MustRegister("emotion", m)
	require.True(t, e2.Load(ctx))
	assert.Equal(t, `{"state":"calm"}`, string(m.Value()))
	require.Len(t, v.History(), 1)

	require.True(t, e2.Save(ctx, 2, 0))
	manifest := e2.LastManifest()
	assert.Equal(t, 2, manifest.DataVersion)
	assert.True(t, manifest.Modules[0].Dirty)
}

func TestEngine_RegisterRejectsDuplicatesAndBadNames(t *testing.T) {
	e := newFileEngine(t, t.TempDir(), newTestClock())
	require.NoError(t, e.Register("A", raw(`1`)))

	var dup *DuplicateModuleError
	require.ErrorAs(t, e.Register("A", raw(`2`)), &dup)
	assert.Equal(t, "A", dup.Name)

	for _, bad := range []string{"", ".hidden", "a/b", "../x"} {
		assert.ErrorIs(t, e.Register(bad, raw(`1`)), ErrInvalidModuleName, bad)
	}
	assert.Equal(t, []string{"A"}, e.Registry().Names())
}

func TestEngine_ExportImportBypassStorage(t *testing.T) {
	e := newFileEngine(t, t.TempDir(), newTestClock())
	a := raw(`{"v":1}`)
	e.MustRegister("A", a)

	out, err := e.ExportAll()
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(out["A"]))

	require.NoError(t, e.ImportAll(map[string]json.RawMessage{"A": json.RawMessage(`{"v":5}`), "unknown": json.RawMessage(`1`)}))
	assert.Equal(t, `{"v":5}`, string(a.Value()))

	err = e.ImportAll(map[string]json.RawMessage{"A": json.RawMessage(`{bad`)})
	var re *RestoreError
	assert.ErrorAs(t, err, &re)

	_, err = os.Stat(filepath.Join(e.DataDir(), snapshot.ManifestFile))
	assert.True(t, os.IsNotExist(err))
}

func TestEngine_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	again, err := NewMetrics(reg)
	require.NoError(t, err)
	assert.Same(t, m.Saves, again.Saves)

	dir := t.TempDir()
	clk := newTestClock()
	e := newFileEngine(t, dir, clk, WithMetrics(m))
	e.MustRegister("A", raw(`{"v":1}`))
	e.MustRegister("B", raw(`{"v":1}`))
	require.True(t, e.Save(ctx, 1, 0))
	require.True(t, e.Save(ctx, 2, 0))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Saves.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ModulesWritten))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Backups.WithLabelValues("success")))

	e2 := newFileEngine(t, dir, clk, WithMetrics(m))
	e2.MustRegister("A", raw(`null`))
	require.True(t, e2.Load(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Loads.WithLabelValues("aggregate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WALRecoveries.WithLabelValues("clean")))
}

func TestEngine_CancelledSaveRollsBack(t *testing.T) {
	dir := t.TempDir()
	e := newFileEngine(t, dir, newTestClock())
	e.MustRegister("A", raw(`{"v":1}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, e.Save(ctx, 1, 0))
	assert.ErrorIs(t, e.LastError(), context.Canceled)

	_, err := os.Stat(filepath.Join(dir, WALFile))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, snapshot.ManifestFile))
	assert.True(t, os.IsNotExist(err))

	// nothing was committed, so A is still dirty
	require.True(t, e.Save(context.Background(), 2, 0))
	assert.True(t, e.LastManifest().Modules[0].Dirty)
}
