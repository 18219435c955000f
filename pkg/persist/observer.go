package persist

import (
	"time"

	"github.com/dotsetgreg/dotstate/pkg/logger"
)

type EventType string

const (
	EventSaveCompleted         EventType = "save.completed"
	EventSaveFailed            EventType = "save.failed"
	EventLoadCompleted         EventType = "load.completed"
	EventLoadFailed            EventType = "load.failed"
	EventWALRecovered          EventType = "wal.recovered"
	EventBackupCompleted       EventType = "backup.completed"
	EventBackupFailed          EventType = "backup.failed"
	EventModuleSerializeFailed EventType = "module.serialize_failed"
	EventModuleRestoreFailed   EventType = "module.restore_failed"
)

// Event is a notification emitted by the engine. Fields that do not apply to
// a type are left zero.
type Event struct {
	Type     EventType
	Time     time.Time
	Tick     int64
	Day      int64
	Module   string
	Source   LoadSource
	Outcome  string
	Path     string
	Modules  int
	Written  int
	Duration time.Duration
	Err      error
}

// Observer receives engine events synchronously, on the goroutine that
// produced them. Implementations must not block and must not call back into
// the engine.
type Observer interface {
	Notify(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// MultiObserver fans one event out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) Notify(e Event) {
	for _, o := range m {
		if o != nil {
			o.Notify(e)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Notify(Event) {}

// LogObserver writes every event to the structured logger.
type LogObserver struct{}

func (LogObserver) Notify(e Event) {
	fields := map[string]any{"event": string(e.Type)}
	if e.Module != "" {
		fields["module"] = e.Module
	}
	if e.Source != "" {
		fields["source"] = string(e.Source)
	}
	if e.Outcome != "" {
		fields["outcome"] = e.Outcome
	}
	if e.Path != "" {
		fields["path"] = e.Path
	}
	switch e.Type {
	case EventSaveCompleted, EventSaveFailed:
		fields["tick"] = e.Tick
		fields["day"] = e.Day
		fields["modules"] = e.Modules
		fields["written"] = e.Written
		fields["duration_ms"] = e.Duration.Milliseconds()
	case EventLoadCompleted:
		fields["modules"] = e.Modules
	}
	if e.Err != nil {
		fields["error"] = e.Err.Error()
		logger.WarnCF("persist", "Persistence event", fields)
		return
	}
	logger.DebugCF("persist", "Persistence event", fields)
}
