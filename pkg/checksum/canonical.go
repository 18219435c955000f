// Package checksum computes content digests over module payloads.
//
// Two strengths are kept deliberately separate:
//   - IntegrityDigest: SHA-256, used wherever loaded data is verified.
//   - DirtyFingerprint: xxhash64, used only to skip redundant writes.
//
// Both operate on canonical JSON (see Canonical) so that logically equal
// values produce equal digests regardless of key order or whitespace.
package checksum

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical re-encodes a JSON document with sorted object keys, no
// insignificant whitespace and HTML escaping disabled. Number literals are
// preserved verbatim.
func Canonical(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical: trailing data after JSON value")
	}
	return encode(v)
}

// Marshal encodes v with encoding/json and canonicalizes the result.
func Marshal(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return Canonical(raw)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return Canonical(raw)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	// Encoder adds a trailing newline
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
