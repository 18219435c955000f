package sqlstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dotsetgreg/dotstate/pkg/checksum"
)

var (
	errNotObject = errors.New("entity is not a JSON object")
	errNoID      = errors.New("entity has no string id")
)

// entityRow is one entity flattened into column values.
type entityRow struct {
	id           string
	values       []any
	extra        string
	childPresent bool
	children     []childRow
}

type childRow struct {
	values []any
	extra  string
}

// splitModule separates the mapped collection from the rest of a module
// value. ok is false when the value does not have the expected shape, in
// which case the module is stored as a plain blob.
func splitModule(m *Mapping, data []byte) (items []json.RawMessage, remainder []byte, ok bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil || top == nil {
		return nil, nil, false
	}
	raw, present := top[m.Collection]
	if !present {
		return nil, nil, false
	}
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, nil, false
	}
	delete(top, m.Collection)
	rem, err := checksum.Marshal(top)
	if err != nil {
		return nil, nil, false
	}
	return items, rem, true
}

// joinModule is the inverse of splitModule.
func joinModule(m *Mapping, remainder []byte, items []json.RawMessage) ([]byte, error) {
	top := map[string]json.RawMessage{}
	if len(remainder) > 0 {
		if err := json.Unmarshal(remainder, &top); err != nil {
			return nil, fmt.Errorf("decode %s remainder: %w", m.Module, err)
		}
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	arr, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	top[m.Collection] = arr
	return checksum.Marshal(top)
}

func encodeEntity(m *Mapping, raw json.RawMessage) (entityRow, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return entityRow{}, err
	}
	id, ok := textValue(obj["id"])
	if !ok {
		return entityRow{}, errNoID
	}
	delete(obj, "id")

	row := entityRow{id: id}
	row.values = takeColumns(m.Columns, obj)

	if c := m.Child; c != nil {
		if children, ok := childObjects(obj[c.Field]); ok {
			row.childPresent = true
			for _, child := range children {
				cobj, _ := decodeObject(child)
				cr := childRow{values: takeColumns(c.Columns, cobj)}
				if cr.extra, err = encodeExtra(cobj); err != nil {
					return entityRow{}, err
				}
				row.children = append(row.children, cr)
			}
			delete(obj, c.Field)
		}
	}

	if row.extra, err = encodeExtra(obj); err != nil {
		return entityRow{}, err
	}
	return row, nil
}

func decodeEntity(m *Mapping, row entityRow) (json.RawMessage, error) {
	obj, err := decodeExtra(row.extra)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", m.Table, row.id, err)
	}
	if obj["id"], err = checksum.Marshal(row.id); err != nil {
		return nil, err
	}
	if err := putColumns(m.Columns, row.values, obj); err != nil {
		return nil, fmt.Errorf("%s %s: %w", m.Table, row.id, err)
	}
	if c := m.Child; c != nil && row.childPresent {
		children := make([]json.RawMessage, 0, len(row.children))
		for _, cr := range row.children {
			cobj, err := decodeExtra(cr.extra)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", c.Table, row.id, err)
			}
			if err := putColumns(c.Columns, cr.values, cobj); err != nil {
				return nil, fmt.Errorf("%s %s: %w", c.Table, row.id, err)
			}
			enc, err := checksum.Marshal(cobj)
			if err != nil {
				return nil, err
			}
			children = append(children, enc)
		}
		arr, err := json.Marshal(children)
		if err != nil {
			return nil, err
		}
		obj[c.Field] = arr
	}
	return checksum.Marshal(obj)
}

// takeColumns moves every field that fits its column out of obj. Fields that
// do not fit stay in obj and end up in extra_json.
func takeColumns(cols []column, obj map[string]json.RawMessage) []any {
	values := make([]any, len(cols))
	for i, c := range cols {
		raw, ok := obj[c.Field]
		if !ok {
			continue
		}
		if v, fits := columnValue(c.Kind, raw); fits {
			values[i] = v
			delete(obj, c.Field)
		}
	}
	return values
}

func putColumns(cols []column, values []any, obj map[string]json.RawMessage) error {
	for i, c := range cols {
		if values[i] == nil {
			continue
		}
		raw, err := columnJSON(c.Kind, values[i])
		if err != nil {
			return fmt.Errorf("column %s: %w", c.Name, err)
		}
		obj[c.Field] = raw
	}
	return nil
}

// columnValue converts a canonical JSON value to a column value. fits is
// false unless columnJSON would reproduce raw byte for byte.
func columnValue(kind colKind, raw json.RawMessage) (any, bool) {
	switch kind {
	case kindText:
		return textValue(raw)
	case kindInt:
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil || strconv.FormatInt(n, 10) != string(raw) {
			return nil, false
		}
		return n, true
	case kindReal:
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return nil, false
		}
		enc, err := json.Marshal(f)
		if err != nil || !bytes.Equal(enc, raw) {
			return nil, false
		}
		return f, true
	case kindJSON:
		return string(raw), true
	}
	return nil, false
}

func columnJSON(kind colKind, v any) (json.RawMessage, error) {
	switch kind {
	case kindText:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected text, got %T", v)
		}
		return checksum.Marshal(s)
	case kindInt:
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %T", v)
		}
		return json.RawMessage(strconv.FormatInt(n, 10)), nil
	case kindReal:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("expected real, got %T", v)
		}
		return json.Marshal(f)
	case kindJSON:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected json text, got %T", v)
		}
		return checksum.Canonical([]byte(s))
	}
	return nil, fmt.Errorf("unknown column kind %d", kind)
}

func textValue(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	enc, err := checksum.Marshal(s)
	if err != nil || !bytes.Equal(enc, raw) {
		return "", false
	}
	return s, true
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, errNotObject
	}
	return obj, nil
}

// childObjects returns raw's elements when it is an array of objects.
func childObjects(raw json.RawMessage) ([]json.RawMessage, bool) {
	if raw == nil {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, false
	}
	for _, it := range items {
		if _, err := decodeObject(it); err != nil {
			return nil, false
		}
	}
	return items, true
}

func encodeExtra(obj map[string]json.RawMessage) (string, error) {
	if len(obj) == 0 {
		return "{}", nil
	}
	enc, err := checksum.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(enc), nil
}

func decodeExtra(s string) (map[string]json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if s == "" {
		return obj, nil
	}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, fmt.Errorf("decode extra_json: %w", err)
	}
	return obj, nil
}
