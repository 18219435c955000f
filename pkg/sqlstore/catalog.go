package sqlstore

import "sort"

type colKind int

const (
	kindText colKind = iota
	kindInt
	kindReal
	// kindJSON stores the canonical encoding of any JSON value.
	kindJSON
)

type column struct {
	Name  string
	Field string
	Kind  colKind
}

// childTable maps an array of objects nested in each entity to rows that
// reference the owning entity.
type childTable struct {
	Field        string
	Table        string
	ParentColumn string
	// PresentColumn on the parent row records whether Field existed, so an
	// empty array survives the round trip.
	PresentColumn string
	Columns       []column
}

// Mapping binds one module's entity collection to a normalized table. Every
// entity must carry a string "id"; fields that are missing from Columns, or
// whose value does not re-encode identically from the column, are kept in the
// row's extra_json so that nothing is lost.
type Mapping struct {
	Module     string
	Collection string
	Table      string
	Columns    []column
	Child      *childTable
	// FTSColumn, when set, is mirrored into <Table>_fts.
	FTSColumn string
}

var catalog = []Mapping{
	{
		Module:     "memory",
		Collection: "episodes",
		Table:      "episodic_memories",
		Columns: []column{
			{Name: "content", Field: "content", Kind: kindText},
			{Name: "occurred_at", Field: "occurredAt", Kind: kindText},
			{Name: "importance", Field: "importance", Kind: kindReal},
			{Name: "emotion", Field: "emotion", Kind: kindText},
			{Name: "tags", Field: "tags", Kind: kindJSON},
		},
		FTSColumn: "content",
	},
	{
		Module:     "visitors",
		Collection: "visitors",
		Table:      "visitors",
		Columns: []column{
			{Name: "name", Field: "name", Kind: kindText},
			{Name: "first_seen", Field: "firstSeen", Kind: kindText},
			{Name: "last_seen", Field: "lastSeen", Kind: kindText},
			{Name: "visit_count", Field: "visitCount", Kind: kindInt},
		},
		Child: &childTable{
			Field:         "facts",
			Table:         "visitor_facts",
			ParentColumn:  "visitor_id",
			PresentColumn: "facts_present",
			Columns: []column{
				{Name: "fact", Field: "fact", Kind: kindText},
				{Name: "confidence", Field: "confidence", Kind: kindReal},
				{Name: "learned_at", Field: "learnedAt", Kind: kindText},
			},
		},
	},
	{
		Module:     "conversation",
		Collection: "messages",
		Table:      "messages",
		Columns: []column{
			{Name: "role", Field: "role", Kind: kindText},
			{Name: "content", Field: "content", Kind: kindText},
			{Name: "sent_at", Field: "sentAt", Kind: kindText},
			{Name: "visitor_id", Field: "visitorId", Kind: kindText},
		},
		FTSColumn: "content",
	},
	{
		Module:     "response_patterns",
		Collection: "patterns",
		Table:      "response_patterns",
		Columns: []column{
			{Name: "trigger_text", Field: "trigger", Kind: kindText},
			{Name: "response", Field: "response", Kind: kindText},
			{Name: "weight", Field: "weight", Kind: kindReal},
			{Name: "uses", Field: "uses", Kind: kindInt},
		},
	},
	{
		Module:     "concepts",
		Collection: "concepts",
		Table:      "concepts",
		Columns: []column{
			{Name: "name", Field: "name", Kind: kindText},
			{Name: "definition", Field: "definition", Kind: kindText},
			{Name: "confidence", Field: "confidence", Kind: kindReal},
		},
		FTSColumn: "definition",
	},
}

func lookupMapping(module string) (*Mapping, bool) {
	for i := range catalog {
		if catalog[i].Module == module {
			return &catalog[i], true
		}
	}
	return nil, false
}

// MappingFor returns a copy of module's normalized mapping.
func MappingFor(module string) (Mapping, bool) {
	m, ok := lookupMapping(module)
	if !ok {
		return Mapping{}, false
	}
	return *m, true
}

// NormalizedModules lists the module names that have a normalized table.
func NormalizedModules() []string {
	out := make([]string, 0, len(catalog))
	for _, m := range catalog {
		out = append(out, m.Module)
	}
	sort.Strings(out)
	return out
}

// Tables lists every table a module's rows can live in, children included.
func (m *Mapping) Tables() []string {
	if m.Child != nil {
		return []string{m.Table, m.Child.Table}
	}
	return []string{m.Table}
}
