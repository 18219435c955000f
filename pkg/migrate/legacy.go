package migrate

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Snapshot is a flat module snapshot: either an envelope carrying the module
// map under "state" (or "modules") next to its header, or the bare module map
// itself.
type Snapshot struct {
	DataVersion int
	Tick        int64
	Day         int64
	State       map[string]json.RawMessage
}

// envelopeKeys are the only top-level keys an envelope may carry.
var envelopeKeys = map[string]bool{
	"version": true, "dataVersion": true, "savedAt": true, "tick": true,
	"day": true, "checksum": true, "state": true, "modules": true,
}

type envelopeHeader struct {
	DataVersion int   `json:"dataVersion"`
	Tick        int64 `json:"tick"`
	Day         int64 `json:"day"`
}

func readLegacy(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoLegacySnapshot, path)
		}
		return nil, fmt.Errorf("read legacy snapshot: %w", err)
	}
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress legacy snapshot: %w", err)
		}
		data, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("decompress legacy snapshot: %w", err)
		}
	}
	return DecodeSnapshot(data)
}

// DecodeSnapshot parses data as an envelope or a bare module map. It is an
// envelope only when every top-level key is a header key, a "tick" or
// "dataVersion" is present, and exactly one of "state" and "modules" holds an
// object. Anything else is a bare map, so modules named "state" or
// "modules" keep their siblings.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil || top == nil {
		return nil, fmt.Errorf("decode snapshot: not a JSON object")
	}
	if !isEnvelope(top) {
		return &Snapshot{State: top}, nil
	}

	_, hasState := top["state"]
	_, hasModules := top["modules"]
	if hasState && hasModules {
		return nil, fmt.Errorf("decode snapshot: envelope carries both \"state\" and \"modules\"")
	}
	key := "state"
	if hasModules {
		key = "modules"
	}
	var state map[string]json.RawMessage
	if err := json.Unmarshal(top[key], &state); err != nil || state == nil {
		return nil, fmt.Errorf("decode snapshot: %q is not an object", key)
	}
	var hdr envelopeHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("decode snapshot header: %w", err)
	}
	return &Snapshot{DataVersion: hdr.DataVersion, Tick: hdr.Tick, Day: hdr.Day, State: state}, nil
}

func isEnvelope(top map[string]json.RawMessage) bool {
	for k := range top {
		if !envelopeKeys[k] {
			return false
		}
	}
	_, tick := top["tick"]
	_, dv := top["dataVersion"]
	if !tick && !dv {
		return false
	}
	_, hasState := top["state"]
	_, hasModules := top["modules"]
	return hasState || hasModules
}
