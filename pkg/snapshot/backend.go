package snapshot

import "context"

// Backend is a durable store for module records and aggregate snapshots.
// A Backend is owned by exactly one engine and is not shared across processes.
type Backend interface {
	// Kind names the backend ("file", "sqlite").
	Kind() string

	// Begin opens a staging transaction. Only one may be open at a time.
	Begin(ctx context.Context) (Tx, error)

	// LoadModule returns the last committed record for name, verified against
	// its checksum. ErrNotFound if the module was never saved.
	LoadModule(ctx context.Context, name string) (Record, error)
	// ListModules names every module with a committed record.
	ListModules(ctx context.Context) ([]string, error)

	// ReadAggregate returns the last committed aggregate after verifying it
	// against the manifest checksum.
	ReadAggregate(ctx context.Context) (*Aggregate, *Manifest, error)
	// ReadManifest returns the last committed manifest without the aggregate.
	ReadManifest(ctx context.Context) (*Manifest, error)

	// Recover resolves staged state left by an interrupted process:
	// committed=true rolls staged writes forward, false discards them.
	Recover(ctx context.Context, committed bool) error

	// Verify runs a read-only consistency check.
	Verify(ctx context.Context) error

	// BackupTo copies the current durable snapshot to dst.
	BackupTo(ctx context.Context, dst string) error
	// BackupExt is the file extension used for backups (".json", ".json.gz", ".db").
	BackupExt() string
	// ReadBackup loads and verifies an aggregate from a backup produced by BackupTo.
	ReadBackup(ctx context.Context, path string) (*Aggregate, error)

	// DeleteAll removes every stored module and snapshot. Test/reset only.
	DeleteAll(ctx context.Context) error

	Close() error
}

// Tx stages writes until Commit.
type Tx interface {
	SaveModule(ctx context.Context, rec Record) error
	WriteAggregate(ctx context.Context, agg *Aggregate, m *Manifest) error
	Commit(ctx context.Context) error
	Rollback() error
}

// AdapterKind says how a backend stores a module.
type AdapterKind string

const (
	AdapterBlob       AdapterKind = "blob"
	AdapterNormalized AdapterKind = "normalized"
)

// Binder is implemented by backends that choose a storage adapter per module.
// Bind is called once per module at registration time.
type Binder interface {
	Bind(moduleName string) AdapterKind
}
