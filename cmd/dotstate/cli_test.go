package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dotsetgreg/dotstate/pkg/persist"
	"github.com/dotsetgreg/dotstate/pkg/snapshot"
	"github.com/dotsetgreg/dotstate/pkg/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// baseArgs points the CLI at dir with no config file.
func baseArgs(dir string, extra ...string) []string {
	args := []string{"--config", filepath.Join(dir, "missing-config.json"), "--data-dir", filepath.Join(dir, "data")}
	return append(args, extra...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCLI_ImportInspectExport(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	writeFile(t, in, `{"dataVersion":1,"tick":42,"day":3,"modules":{"emotion":{"mood":"calm"},"habits":[1,2,3]}}`)

	out, err := runRootCommandForTest(append([]string{"import", in}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "imported 2 modules")

	out, err = runRootCommandForTest(append([]string{"inspect"}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	var report inspectReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "file", report.Backend)
	assert.EqualValues(t, "aggregate", report.LoadedFrom)
	require.NotNil(t, report.Manifest)
	assert.Len(t, report.Manifest.Modules, 2)
	assert.Equal(t, int64(42), report.Manifest.Tick)
	assert.Len(t, report.Backups, 1)

	out, err = runRootCommandForTest(append([]string{"export", "-"}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	var exported exportFile
	require.NoError(t, json.Unmarshal([]byte(out), &exported))
	assert.Equal(t, int64(42), exported.Tick)
	assert.Equal(t, int64(3), exported.Day)
	assert.JSONEq(t, `{"mood":"calm"}`, string(exported.Modules["emotion"]))
	assert.JSONEq(t, `[1,2,3]`, string(exported.Modules["habits"]))

	out, err = runRootCommandForTest(append([]string{"integrity"}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	assert.Equal(t, "ok\n", out)
}

func TestCLI_KeepsModulesFromInterruptedSave(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	in := filepath.Join(dir, "in.json")
	writeFile(t, in, `{"emotion":{"mood":"calm"}}`)
	_, err := runRootCommandForTest(append([]string{"import", in}, baseArgs(dir)...)...)
	require.NoError(t, err)

	// a save that adds "habits", journals its commit and dies before promotion
	fs, err := snapshot.NewFileStore(dataDir)
	require.NoError(t, err)
	tx, err := fs.Begin(ctx)
	require.NoError(t, err)
	now := time.Now()
	var sums []snapshot.ModuleSummary
	agg := &snapshot.Aggregate{Version: snapshot.FormatVersion, DataVersion: 1, SavedAt: now, Tick: 5, State: map[string]json.RawMessage{}}
	for name, data := range map[string]string{"emotion": `{"mood":"calm"}`, "habits": `[1,2]`} {
		rec, err := snapshot.NewRecord(name, []byte(data), now)
		require.NoError(t, err)
		require.NoError(t, tx.SaveModule(ctx, rec))
		agg.State[name] = rec.Data
		sums = append(sums, snapshot.ModuleSummary{Name: name, Checksum: rec.Checksum, LastModified: now})
	}
	require.NoError(t, agg.Seal())
	require.NoError(t, tx.WriteAggregate(ctx, agg, snapshot.BuildManifest(agg, sums, false)))
	log := wal.New(filepath.Join(dataDir, persist.WALFile))
	_, err = log.Begin()
	require.NoError(t, err)
	require.NoError(t, log.RecordWrite("habits", sums[0].Checksum))
	require.Error(t, log.Commit(func() error { return errors.New("power loss") }))
	require.NoError(t, fs.Close())

	out, err := runRootCommandForTest(append([]string{"export", "-"}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	var exported exportFile
	require.NoError(t, json.Unmarshal([]byte(out), &exported))
	assert.JSONEq(t, `[1,2]`, string(exported.Modules["habits"]))
	assert.Equal(t, int64(5), exported.Tick)
}

func TestCLI_ImportBareMapWithStateModule(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	writeFile(t, in, `{"state":{"phase":"dusk"},"emotion":{"mood":"calm"}}`)
	out, err := runRootCommandForTest(append([]string{"import", in}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "imported 2 modules")
}

func TestCLI_IntegrityFailsOnCorruptModule(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	writeFile(t, in, `{"emotion":{"mood":"calm"}}`)
	_, err := runRootCommandForTest(append([]string{"import", in}, baseArgs(dir)...)...)
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "data", "modules", "emotion.json"), `{"data":{"mood":"angry"},"checksum":"00"}`)
	_, err = runRootCommandForTest(append([]string{"integrity"}, baseArgs(dir)...)...)
	assert.ErrorContains(t, err, "integrity check failed")
}

func TestCLI_BackupWritesFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	writeFile(t, in, `{"emotion":{"mood":"calm"}}`)
	_, err := runRootCommandForTest(append([]string{"import", in}, baseArgs(dir)...)...)
	require.NoError(t, err)

	out, err := runRootCommandForTest(append([]string{"backup", "--metrics"}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	path := lines[0]
	assert.True(t, strings.HasSuffix(path, ".json"), path)
	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.Contains(t, out, `dotstate_backups_total{result="success"} 1`)
}

func TestCLI_EventsStreamToStderr(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	writeFile(t, in, `{"emotion":{"mood":"calm"}}`)
	_, err := runRootCommandForTest(append([]string{"import", in}, baseArgs(dir)...)...)
	require.NoError(t, err)

	root := buildRootCommand(false)
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(append([]string{"backup", "--events"}, baseArgs(dir)...))
	require.NoError(t, root.Execute())

	var types []string
	for _, line := range strings.Split(strings.TrimSpace(stderr.String()), "\n") {
		var ev eventLine
		require.NoError(t, json.Unmarshal([]byte(line), &ev), line)
		types = append(types, string(ev.Type))
	}
	assert.Equal(t, []string{"load.completed", "backup.completed"}, types)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(stdout.String()), ".json"))
}

func TestCLI_MigrateThenSearch(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "legacy.json")
	writeFile(t, legacy, `{"dataVersion":1,"tick":9,"state":{
		"conversation":{"messages":[{"id":"m1","role":"user","content":"a rainy afternoon"},{"id":"m2","role":"agent","content":"sunny"}]},
		"emotion":{"mood":"calm"}}}`)

	out, err := runRootCommandForTest(append([]string{"migrate", "--backend", "sqlite", "--legacy", legacy}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, `"messages": 2`)
	_, err = os.Stat(legacy + ".backup")
	assert.NoError(t, err)

	out, err = runRootCommandForTest(append([]string{"migrate", "--backend", "sqlite", "--legacy", legacy}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "already migrated")

	out, err = runRootCommandForTest(append([]string{"search", "--backend", "sqlite", "rainy"}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "m1")
	assert.NotContains(t, out, "m2")

	out, err = runRootCommandForTest(append([]string{"inspect", "--backend", "sqlite"}, baseArgs(dir)...)...)
	require.NoError(t, err, out)
	var report inspectReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "sqlite", report.Backend)
	assert.Equal(t, 2, report.Tables["messages"])
	assert.Equal(t, int64(9), report.Manifest.Tick)
}

func TestCLI_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := runRootCommandForTest(append([]string{"search", "anything"}, baseArgs(dir)...)...)
	assert.ErrorContains(t, err, "sqlite")

	_, err = runRootCommandForTest(append([]string{"migrate"}, baseArgs(dir)...)...)
	assert.ErrorContains(t, err, "sqlite")

	_, err = runRootCommandForTest(append([]string{"inspect", "--backend", "postgres"}, baseArgs(dir)...)...)
	assert.Error(t, err)

	_, err = runRootCommandForTest(append([]string{"export", "-"}, baseArgs(dir)...)...)
	assert.ErrorContains(t, err, "no usable snapshot")

	_, err = runRootCommandForTest()
	assert.ErrorContains(t, err, "subcommand")
}

func TestCLI_Version(t *testing.T) {
	out, err := runRootCommandForTest("version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "dotstate dev"), out)
}

func TestCLI_DocsGenerateAndCheck(t *testing.T) {
	out := filepath.Join(t.TempDir(), "docs")
	root := buildRootCommand(true)
	root.SetArgs([]string{"docs", "generate", "--output", out})
	require.NoError(t, root.Execute())

	storage, err := os.ReadFile(filepath.Join(out, "reference", "storage.md"))
	require.NoError(t, err)
	assert.Contains(t, string(storage), "`visitors`, `visitor_facts`")
	cfg, err := os.ReadFile(filepath.Join(out, "reference", "config.md"))
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "DOTSTATE_PERSISTENCE_BACKEND")

	root = buildRootCommand(true)
	root.SetArgs([]string{"docs", "generate", "--output", out, "--check"})
	require.NoError(t, root.Execute())

	_, err = os.Stat(filepath.Join(out, "reference", "cli", "dotstate_backup.md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, "reference", "man", "dotstate-backup.1"))
	assert.NoError(t, err)

	leftover := filepath.Join(out, "reference", "cli", "dotstate_removed.md")
	writeFile(t, leftover, "# dotstate removed\n")
	root = buildRootCommand(true)
	root.SetArgs([]string{"docs", "generate", "--output", out, "--check"})
	assert.ErrorContains(t, root.Execute(), "stale")

	// regenerating clears pages for commands that no longer exist
	root = buildRootCommand(true)
	root.SetArgs([]string{"docs", "generate", "--output", out})
	require.NoError(t, root.Execute())
	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err))

	writeFile(t, filepath.Join(out, "reference", "config.md"), "stale")
	root = buildRootCommand(true)
	root.SetArgs([]string{"docs", "generate", "--output", out, "--check"})
	assert.ErrorContains(t, root.Execute(), "out of date")
}
