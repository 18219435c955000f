package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schemaVersion is the DDL version recorded in PRAGMA user_version.
const schemaVersion = 2

type schemaStep struct {
	version int
	stmts   []string
}

var schemaSteps = []schemaStep{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS module_blobs (
				module_name TEXT PRIMARY KEY,
				blob TEXT NOT NULL,
				checksum TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				size INTEGER NOT NULL DEFAULT 0,
				normalized INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE TABLE IF NOT EXISTS snapshot_manifest (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				manifest_json TEXT NOT NULL,
				checksum TEXT NOT NULL,
				saved_at TEXT NOT NULL
			);`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS episodic_memories (
				id TEXT PRIMARY KEY,
				ord INTEGER NOT NULL,
				content TEXT,
				occurred_at TEXT,
				importance REAL,
				emotion TEXT,
				tags TEXT,
				extra_json TEXT NOT NULL DEFAULT '{}'
			);`,
			`CREATE INDEX IF NOT EXISTS episodic_memories_ord_idx ON episodic_memories(ord);`,
			`CREATE TABLE IF NOT EXISTS visitors (
				id TEXT PRIMARY KEY,
				ord INTEGER NOT NULL,
				name TEXT,
				first_seen TEXT,
				last_seen TEXT,
				visit_count INTEGER,
				facts_present INTEGER NOT NULL DEFAULT 0,
				extra_json TEXT NOT NULL DEFAULT '{}'
			);`,
			`CREATE TABLE IF NOT EXISTS visitor_facts (
				visitor_id TEXT NOT NULL REFERENCES visitors(id) ON DELETE CASCADE,
				ord INTEGER NOT NULL,
				fact TEXT,
				confidence REAL,
				learned_at TEXT,
				extra_json TEXT NOT NULL DEFAULT '{}',
				PRIMARY KEY (visitor_id, ord)
			);`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				ord INTEGER NOT NULL,
				role TEXT,
				content TEXT,
				sent_at TEXT,
				visitor_id TEXT,
				extra_json TEXT NOT NULL DEFAULT '{}'
			);`,
			`CREATE INDEX IF NOT EXISTS messages_visitor_idx ON messages(visitor_id, ord);`,
			`CREATE TABLE IF NOT EXISTS response_patterns (
				id TEXT PRIMARY KEY,
				ord INTEGER NOT NULL,
				trigger_text TEXT,
				response TEXT,
				weight REAL,
				uses INTEGER,
				extra_json TEXT NOT NULL DEFAULT '{}'
			);`,
			`CREATE TABLE IF NOT EXISTS concepts (
				id TEXT PRIMARY KEY,
				ord INTEGER NOT NULL,
				name TEXT,
				definition TEXT,
				confidence REAL,
				extra_json TEXT NOT NULL DEFAULT '{}'
			);`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(ref_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
			`CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
				INSERT INTO messages_fts(ref_id, content) VALUES (new.id, new.content);
			END;`,
			`CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
				DELETE FROM messages_fts WHERE ref_id = old.id;
			END;`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS episodic_memories_fts USING fts5(ref_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
			`CREATE TRIGGER IF NOT EXISTS episodic_memories_ai AFTER INSERT ON episodic_memories BEGIN
				INSERT INTO episodic_memories_fts(ref_id, content) VALUES (new.id, new.content);
			END;`,
			`CREATE TRIGGER IF NOT EXISTS episodic_memories_ad AFTER DELETE ON episodic_memories BEGIN
				DELETE FROM episodic_memories_fts WHERE ref_id = old.id;
			END;`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS concepts_fts USING fts5(ref_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
			`CREATE TRIGGER IF NOT EXISTS concepts_ai AFTER INSERT ON concepts BEGIN
				INSERT INTO concepts_fts(ref_id, content) VALUES (new.id, new.definition);
			END;`,
			`CREATE TRIGGER IF NOT EXISTS concepts_ad AFTER DELETE ON concepts BEGIN
				DELETE FROM concepts_fts WHERE ref_id = old.id;
			END;`,
		},
	},
}

var pragmas = []string{
	`PRAGMA journal_mode=WAL;`,
	`PRAGMA synchronous=NORMAL;`,
	`PRAGMA temp_store=MEMORY;`,
	`PRAGMA busy_timeout=5000;`,
	`PRAGMA foreign_keys=ON;`,
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", trimSQL(p), err)
		}
	}
	return nil
}

// migrateSchema applies every DDL step newer than user_version, each in its
// own transaction.
func migrateSchema(ctx context.Context, db *sql.DB) error {
	current, err := userVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("sqlite schema version %d is newer than supported %d", current, schemaVersion)
	}
	for _, step := range schemaSteps {
		if step.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("schema v%d begin: %w", step.version, err)
		}
		for _, stmt := range step.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("schema v%d failed on %q: %w", step.version, trimSQL(stmt), err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", step.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("schema v%d set user_version: %w", step.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("schema v%d commit: %w", step.version, err)
		}
	}
	return nil
}

func userVersion(ctx context.Context, q querier) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

func trimSQL(sql string) string {
	line := strings.Join(strings.Fields(sql), " ")
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}
