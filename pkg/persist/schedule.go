package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dotsetgreg/dotstate/pkg/logger"
)

// BackupSchedule runs Engine.Backup on a cron expression in the background.
// A run that finds another backup in flight is skipped, not queued.
type BackupSchedule struct {
	engine *Engine
	expr   string
	now    func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runs    int
	skipped int
}

// NewBackupSchedule validates expr (standard five-field cron syntax).
func NewBackupSchedule(e *Engine, expr string) (*BackupSchedule, error) {
	g := gronx.New()
	if !g.IsValid(expr) {
		return nil, fmt.Errorf("persist: invalid backup cron expression %q", expr)
	}
	return &BackupSchedule{engine: e, expr: expr, now: e.now}, nil
}

// Next returns the first fire time strictly after ref.
func (s *BackupSchedule) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, ref, false)
}

// Start launches the loop. It stops when ctx is done or Stop is called.
func (s *BackupSchedule) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and waits for it to exit.
func (s *BackupSchedule) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stats returns completed and skipped run counts.
func (s *BackupSchedule) Stats() (runs, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.skipped
}

func (s *BackupSchedule) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := s.Next(s.now())
		if err != nil {
			logger.ErrorCF("persist", "Backup schedule stopped", map[string]any{"cron": s.expr, "error": err.Error()})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.RunOnce(ctx)
	}
}

// RunOnce performs one scheduled backup.
func (s *BackupSchedule) RunOnce(ctx context.Context) {
	path, err := s.engine.Backup(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, ErrBackupInProgress):
		s.skipped++
		logger.DebugCF("persist", "Scheduled backup skipped, backup in flight", map[string]any{"cron": s.expr})
	case err != nil:
		s.runs++
		logger.WarnCF("persist", "Scheduled backup failed", map[string]any{"cron": s.expr, "error": err.Error()})
	default:
		s.runs++
		logger.InfoCF("persist", "Scheduled backup written", map[string]any{"path": path})
	}
}
