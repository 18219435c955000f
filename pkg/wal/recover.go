package wal

import (
	"fmt"
	"os"
)

type Outcome string

const (
	// OutcomeClean means no log was present.
	OutcomeClean Outcome = "clean"
	// OutcomeCommitted means the last entry is a commit whose log was not yet deleted.
	OutcomeCommitted Outcome = "committed"
	// OutcomeRolledBack means the last entry is a rollback whose log was not yet deleted.
	OutcomeRolledBack Outcome = "rolled_back"
	// OutcomeIncomplete means the transaction never reached a terminal entry.
	OutcomeIncomplete Outcome = "incomplete"
)

// Recovery describes what was found in the log at startup.
type Recovery struct {
	Outcome Outcome
	TxID    string
	Entries []Entry
	// Modules lists modules named by write_module entries, in log order.
	Modules []string
	Torn    bool
}

// Inspect classifies the log file without modifying it.
func (l *Log) Inspect() (Recovery, error) {
	entries, torn, err := ReadEntries(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Recovery{Outcome: OutcomeClean}, nil
		}
		return Recovery{}, fmt.Errorf("wal inspect: %w", err)
	}
	rec := Recovery{Entries: entries, Torn: torn}
	for _, e := range entries {
		if rec.TxID == "" {
			rec.TxID = e.TxID
		}
		if e.Operation == OpWriteModule && e.ModuleName != "" {
			rec.Modules = append(rec.Modules, e.ModuleName)
		}
	}

	switch {
	case len(entries) == 0 && !torn:
		rec.Outcome = OutcomeClean
	case torn:
		rec.Outcome = OutcomeIncomplete
	default:
		switch entries[len(entries)-1].Operation {
		case OpCommit:
			rec.Outcome = OutcomeCommitted
		case OpRollback:
			rec.Outcome = OutcomeRolledBack
		default:
			rec.Outcome = OutcomeIncomplete
		}
	}
	return rec, nil
}

// RecoverOnStartup inspects the log, lets resolve bring storage to a
// consistent state for the outcome found, and then deletes the log. If resolve
// fails the log is kept so the next startup retries. It must be called before
// the first Begin and before any module is restored.
func (l *Log) RecoverOnStartup(resolve func(Recovery) error) (Recovery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateOpen {
		return Recovery{}, ErrTransactionOpen
	}

	rec, err := l.Inspect()
	if err != nil {
		return rec, err
	}
	if rec.Outcome == OutcomeClean {
		if err := removeIfExists(l.path); err != nil {
			return rec, fmt.Errorf("wal recover: %w", err)
		}
		return rec, nil
	}

	if resolve != nil {
		if err := resolve(rec); err != nil {
			return rec, fmt.Errorf("wal recover (%s): %w", rec.Outcome, err)
		}
	}
	if err := removeIfExists(l.path); err != nil {
		return rec, fmt.Errorf("wal recover: %w", err)
	}
	return rec, nil
}
