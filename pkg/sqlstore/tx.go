package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/dotstate/pkg/checksum"
	"github.com/dotsetgreg/dotstate/pkg/snapshot"
)

// Tx is the store's write transaction. It implements snapshot.Tx and adds
// ImportModule for best-effort bulk loads.
type Tx struct {
	s    *Store
	tx   *sql.Tx
	done bool
}

var _ snapshot.Tx = (*Tx)(nil)

// EntityFailure describes one entity skipped by ImportModule.
type EntityFailure struct {
	Table string
	Index int
	ID    string
	Err   error
}

// ImportResult reports what ImportModule stored.
type ImportResult struct {
	// Record holds the module as stored, without skipped entities.
	Record   snapshot.Record
	Rows     map[string]int
	Failures []EntityFailure
}

// SaveModule stores rec losslessly. Normalized modules whose value does not
// fit the mapping (wrong shape, missing or duplicate ids) are stored as blobs.
func (t *Tx) SaveModule(ctx context.Context, rec snapshot.Record) error {
	if t.done {
		return errors.New("sqlite store: transaction finished")
	}
	m, normalized := t.s.mappingFor(rec.Name)
	if !normalized {
		return upsertBlob(ctx, t.tx, rec, string(rec.Data), false)
	}
	if err := clearMapping(ctx, t.tx, m); err != nil {
		return err
	}

	items, rem, ok := splitModule(m, rec.Data)
	var rows []entityRow
	if ok {
		rows, ok = encodeAll(m, items)
	}
	if !ok {
		return upsertBlob(ctx, t.tx, rec, string(rec.Data), false)
	}
	for i, row := range rows {
		if _, err := insertEntity(ctx, t.tx, m, i, row); err != nil {
			return fmt.Errorf("save module %s: %w", rec.Name, err)
		}
	}
	return upsertBlob(ctx, t.tx, rec, string(rem), true)
}

func encodeAll(m *Mapping, items []json.RawMessage) ([]entityRow, bool) {
	seen := make(map[string]struct{}, len(items))
	rows := make([]entityRow, 0, len(items))
	for _, it := range items {
		row, err := encodeEntity(m, it)
		if err != nil {
			return nil, false
		}
		if _, dup := seen[row.id]; dup {
			return nil, false
		}
		seen[row.id] = struct{}{}
		rows = append(rows, row)
	}
	return rows, true
}

// ImportModule writes name's value, inserting each normalized entity inside
// its own savepoint. An entity that cannot be stored is rolled back to its
// savepoint, reported in Failures and left out of the stored module.
func (t *Tx) ImportModule(ctx context.Context, name string, data json.RawMessage, savedAt time.Time) (ImportResult, error) {
	if t.done {
		return ImportResult{}, errors.New("sqlite store: transaction finished")
	}
	res := ImportResult{Rows: map[string]int{}}
	canon, err := checksum.Canonical(data)
	if err != nil {
		return res, fmt.Errorf("import module %s: %w", name, err)
	}

	m, normalized := lookupMapping(name)
	var items, kept []json.RawMessage
	var rem []byte
	if normalized {
		items, rem, normalized = splitModule(m, canon)
	}
	if !normalized {
		if m != nil {
			if err := clearMapping(ctx, t.tx, m); err != nil {
				return res, err
			}
		}
		rec, err := snapshot.NewRecord(name, canon, savedAt)
		if err != nil {
			return res, err
		}
		if err := upsertBlob(ctx, t.tx, rec, string(rec.Data), false); err != nil {
			return res, err
		}
		res.Record = rec
		res.Rows["module_blobs"] = 1
		return res, nil
	}

	if err := clearMapping(ctx, t.tx, m); err != nil {
		return res, err
	}
	for i, it := range items {
		row, err := encodeEntity(m, it)
		if err != nil {
			res.Failures = append(res.Failures, EntityFailure{Table: m.Table, Index: i, Err: err})
			continue
		}
		children, err := t.entity(ctx, m, len(kept), row)
		if err != nil {
			res.Failures = append(res.Failures, EntityFailure{Table: m.Table, Index: i, ID: row.id, Err: err})
			continue
		}
		kept = append(kept, it)
		res.Rows[m.Table]++
		if m.Child != nil && children > 0 {
			res.Rows[m.Child.Table] += children
		}
	}

	stored, err := joinModule(m, rem, kept)
	if err != nil {
		return res, fmt.Errorf("import module %s: %w", name, err)
	}
	rec, err := snapshot.NewRecord(name, stored, savedAt)
	if err != nil {
		return res, err
	}
	if err := upsertBlob(ctx, t.tx, rec, string(rem), true); err != nil {
		return res, err
	}
	res.Record = rec
	res.Rows["module_blobs"] = 1
	return res, nil
}

// entity inserts one row and its children under a savepoint.
func (t *Tx) entity(ctx context.Context, m *Mapping, ord int, row entityRow) (int, error) {
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT entity`); err != nil {
		return 0, fmt.Errorf("savepoint: %w", err)
	}
	children, err := insertEntity(ctx, t.tx, m, ord, row)
	if err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT entity`); rbErr != nil {
			return 0, errors.Join(err, rbErr)
		}
		_, _ = t.tx.ExecContext(ctx, `RELEASE SAVEPOINT entity`)
		return 0, err
	}
	if _, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT entity`); err != nil {
		return 0, fmt.Errorf("release savepoint: %w", err)
	}
	return children, nil
}

// WriteAggregate records the manifest. The aggregate itself is rebuilt from
// module rows on read, so only its checksum is kept.
func (t *Tx) WriteAggregate(ctx context.Context, agg *snapshot.Aggregate, m *snapshot.Manifest) error {
	if t.done {
		return errors.New("sqlite store: transaction finished")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO snapshot_manifest(id, manifest_json, checksum, saved_at) VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET manifest_json = excluded.manifest_json, checksum = excluded.checksum, saved_at = excluded.saved_at`,
		string(raw), agg.Checksum, agg.SavedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return errors.New("sqlite store: transaction finished")
	}
	t.done = true
	defer t.s.endTx()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.s.endTx()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func upsertBlob(ctx context.Context, q querier, rec snapshot.Record, blob string, normalized bool) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO module_blobs(module_name, blob, checksum, updated_at, size, normalized) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(module_name) DO UPDATE SET
	blob = excluded.blob,
	checksum = excluded.checksum,
	updated_at = excluded.updated_at,
	size = excluded.size,
	normalized = excluded.normalized`,
		rec.Name, blob, rec.Checksum, rec.SavedAt.UTC().Format(time.RFC3339Nano), len(rec.Data), normalized)
	if err != nil {
		return fmt.Errorf("upsert module %s: %w", rec.Name, err)
	}
	return nil
}

func clearMapping(ctx context.Context, q querier, m *Mapping) error {
	if m.Child != nil {
		if _, err := q.ExecContext(ctx, `DELETE FROM `+m.Child.Table); err != nil {
			return fmt.Errorf("clear %s: %w", m.Child.Table, err)
		}
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM `+m.Table); err != nil {
		return fmt.Errorf("clear %s: %w", m.Table, err)
	}
	return nil
}

func insertEntity(ctx context.Context, q querier, m *Mapping, ord int, row entityRow) (int, error) {
	cols := []string{"id", "ord"}
	args := []any{row.id, ord}
	for i, c := range m.Columns {
		cols = append(cols, c.Name)
		args = append(args, row.values[i])
	}
	if m.Child != nil {
		cols = append(cols, m.Child.PresentColumn)
		args = append(args, row.childPresent)
	}
	cols = append(cols, "extra_json")
	args = append(args, row.extra)

	stmt := fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s)`, m.Table, strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
		return 0, fmt.Errorf("insert %s %s: %w", m.Table, row.id, err)
	}
	if m.Child == nil {
		return 0, nil
	}

	c := m.Child
	ccols := []string{c.ParentColumn, "ord"}
	for _, col := range c.Columns {
		ccols = append(ccols, col.Name)
	}
	ccols = append(ccols, "extra_json")
	cstmt := fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s)`, c.Table, strings.Join(ccols, ", "), placeholders(len(ccols)))
	for i, cr := range row.children {
		cargs := append([]any{row.id, i}, cr.values...)
		cargs = append(cargs, cr.extra)
		if _, err := q.ExecContext(ctx, cstmt, cargs...); err != nil {
			return 0, fmt.Errorf("insert %s %s[%d]: %w", c.Table, row.id, i, err)
		}
	}
	return len(row.children), nil
}

// readEntities returns a mapping's rows in ord order, re-encoded as JSON.
func readEntities(ctx context.Context, q querier, m *Mapping) ([]json.RawMessage, error) {
	cols := []string{"id"}
	for _, c := range m.Columns {
		cols = append(cols, c.Name)
	}
	if m.Child != nil {
		cols = append(cols, m.Child.PresentColumn)
	}
	cols = append(cols, "extra_json")

	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY ord`, strings.Join(cols, ", "), m.Table))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", m.Table, err)
	}
	var entities []entityRow
	for rows.Next() {
		var (
			row     entityRow
			present bool
		)
		dest, collect := scanTargets(m.Columns)
		targets := append([]any{&row.id}, dest...)
		if m.Child != nil {
			targets = append(targets, &present)
		}
		targets = append(targets, &row.extra)
		if err := rows.Scan(targets...); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan %s: %w", m.Table, err)
		}
		row.values = collect()
		row.childPresent = present
		entities = append(entities, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if m.Child != nil {
		for i := range entities {
			if !entities[i].childPresent {
				continue
			}
			if entities[i].children, err = readChildren(ctx, q, m.Child, entities[i].id); err != nil {
				return nil, err
			}
		}
	}

	out := make([]json.RawMessage, 0, len(entities))
	for _, row := range entities {
		raw, err := decodeEntity(m, row)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func readChildren(ctx context.Context, q querier, c *childTable, parentID string) ([]childRow, error) {
	cols := make([]string, 0, len(c.Columns)+1)
	for _, col := range c.Columns {
		cols = append(cols, col.Name)
	}
	cols = append(cols, "extra_json")
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ? ORDER BY ord`, strings.Join(cols, ", "), c.Table, c.ParentColumn), parentID)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.Table, err)
	}
	defer rows.Close()
	var out []childRow
	for rows.Next() {
		var cr childRow
		dest, collect := scanTargets(c.Columns)
		if err := rows.Scan(append(dest, &cr.extra)...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", c.Table, err)
		}
		cr.values = collect()
		out = append(out, cr)
	}
	return out, rows.Err()
}

// scanTargets returns nullable scan destinations for cols and a function
// that converts them to column values (nil for NULL).
func scanTargets(cols []column) ([]any, func() []any) {
	dest := make([]any, len(cols))
	for i, c := range cols {
		switch c.Kind {
		case kindInt:
			dest[i] = new(sql.NullInt64)
		case kindReal:
			dest[i] = new(sql.NullFloat64)
		default:
			dest[i] = new(sql.NullString)
		}
	}
	return dest, func() []any {
		values := make([]any, len(dest))
		for i, d := range dest {
			switch v := d.(type) {
			case *sql.NullInt64:
				if v.Valid {
					values[i] = v.Int64
				}
			case *sql.NullFloat64:
				if v.Valid {
					values[i] = v.Float64
				}
			case *sql.NullString:
				if v.Valid {
					values[i] = v.String
				}
			}
		}
		return values
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
