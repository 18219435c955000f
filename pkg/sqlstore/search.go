package sqlstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Hit is one full-text match.
type Hit struct {
	Module  string  `json:"module"`
	Table   string  `json:"table"`
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Rank    float64 `json:"rank"`
}

// Search runs query against every full-text indexed table and returns up to
// limit hits, best first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	match := ftsQuery(query)

	var hits []Hit
	for _, m := range catalog {
		if m.FTSColumn == "" {
			continue
		}
		fts := m.Table + "_fts"
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT ref_id, content, bm25(%[1]s) AS score
FROM %[1]s
WHERE %[1]s MATCH ?
ORDER BY score
LIMIT ?`, fts), match, limit)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", fts, err)
		}
		for rows.Next() {
			h := Hit{Module: m.Module, Table: m.Table}
			if err := rows.Scan(&h.ID, &h.Content, &h.Rank); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s: %w", fts, err)
			}
			hits = append(hits, h)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	// bm25 is lower-is-better
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Rank < hits[j].Rank })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// ftsQuery quotes each term so user input is never parsed as FTS5 syntax.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}
