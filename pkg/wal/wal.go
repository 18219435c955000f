// Package wal implements the save-transaction journal used for crash detection.
//
// The log never replays data. It only records that a save transaction began,
// which module writes it staged (with their integrity checksums) and whether it
// reached a terminal commit or rollback marker. An absent log file is the
// canonical "everything is consistent" signal.
//
// Entries are appended as JSON lines and fsynced one by one, so a torn final
// line is possible after a crash and is treated as an incomplete transaction.
package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Operation string

const (
	OpBegin       Operation = "begin"
	OpWriteModule Operation = "write_module"
	OpCommit      Operation = "commit"
	OpRollback    Operation = "rollback"
)

// Entry is one journal record.
type Entry struct {
	ID         string    `json:"id"`
	TxID       string    `json:"txId"`
	Timestamp  time.Time `json:"timestamp"`
	Operation  Operation `json:"operation"`
	ModuleName string    `json:"moduleName,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
}

type State int

const (
	StateIdle State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "transaction_open"
	}
	return "idle"
}

var (
	// ErrTransactionOpen is returned by Begin while a transaction is open.
	// Overlapping saves are a programming error.
	ErrTransactionOpen = errors.New("wal: transaction already open")
	// ErrNoTransaction is returned by RecordWrite/Commit/Rollback when idle.
	ErrNoTransaction = errors.New("wal: no open transaction")
)

// Log is the write-ahead log. It is safe for concurrent use but only one
// transaction can be open at a time.
type Log struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	state State
	txID  string
	f     *os.File
}

type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New returns a log stored at path. Nothing is touched on disk until Begin.
func New(path string, opts ...Option) *Log {
	l := &Log{path: path, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) Path() string { return l.path }

func (l *Log) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// TxID returns the id of the open transaction, or "" when idle.
func (l *Log) TxID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.txID
}

// Begin starts a transaction, truncating any previous log file.
func (l *Log) Begin() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateOpen {
		return "", ErrTransactionOpen
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return "", fmt.Errorf("wal begin: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("wal begin: %w", err)
	}
	l.f = f
	l.txID = uuid.NewString()
	if err := l.appendLocked(Entry{Operation: OpBegin}); err != nil {
		l.closeLocked()
		return "", fmt.Errorf("wal begin: %w", err)
	}
	l.state = StateOpen
	return l.txID, nil
}

// RecordWrite journals that module's payload with the given checksum was staged.
func (l *Log) RecordWrite(moduleName, checksum string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen {
		return ErrNoTransaction
	}
	if err := l.appendLocked(Entry{Operation: OpWriteModule, ModuleName: moduleName, Checksum: checksum}); err != nil {
		return fmt.Errorf("wal record write: %w", err)
	}
	return nil
}

// Commit appends the commit marker, runs apply (which makes the staged writes
// durable) and then deletes the log. If apply fails the log is left on disk
// with its commit marker so the next startup rolls the staged writes forward.
func (l *Log) Commit(apply func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen {
		return ErrNoTransaction
	}
	if err := l.appendLocked(Entry{Operation: OpCommit}); err != nil {
		return fmt.Errorf("wal commit: %w", err)
	}
	l.closeLocked()
	l.state = StateIdle
	l.txID = ""

	if apply != nil {
		if err := apply(); err != nil {
			return fmt.Errorf("wal commit: apply: %w", err)
		}
	}
	if err := removeIfExists(l.path); err != nil {
		return fmt.Errorf("wal commit: remove log: %w", err)
	}
	return nil
}

// Rollback appends the rollback marker and deletes the log.
func (l *Log) Rollback() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen {
		return ErrNoTransaction
	}
	appendErr := l.appendLocked(Entry{Operation: OpRollback})
	l.closeLocked()
	l.state = StateIdle
	l.txID = ""
	if err := removeIfExists(l.path); err != nil {
		return fmt.Errorf("wal rollback: remove log: %w", err)
	}
	if appendErr != nil {
		return fmt.Errorf("wal rollback: %w", appendErr)
	}
	return nil
}

func (l *Log) appendLocked(e Entry) error {
	e.ID = uuid.NewString()
	e.TxID = l.txID
	e.Timestamp = l.now().UTC()
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := l.f.Write(line); err != nil {
		return err
	}
	return l.f.Sync()
}

func (l *Log) closeLocked() {
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadEntries parses the log file. A torn trailing line is reported through
// torn=true rather than as an error.
func ReadEntries(path string) (entries []Entry, torn bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return entries, true, nil
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, true, nil
	}
	return entries, false, nil
}
