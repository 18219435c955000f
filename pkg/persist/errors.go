package persist

import (
	"errors"
	"fmt"
)

var (
	// ErrSaveInProgress is recorded when a save or load is refused because
	// another one holds the engine.
	ErrSaveInProgress = errors.New("persist: operation already in progress")
	// ErrBackupInProgress is returned by Backup while another backup is
	// being written.
	ErrBackupInProgress = errors.New("persist: backup already in progress")
	// ErrNoSnapshot means every load source was exhausted.
	ErrNoSnapshot = errors.New("persist: no usable snapshot")
)

// SerializationError wraps a module's Serialize failure.
type SerializationError struct {
	Module string
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize module %s: %v", e.Module, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// RestoreError wraps a module's Restore failure.
type RestoreError struct {
	Module string
	Err    error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore module %s: %v", e.Module, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }
