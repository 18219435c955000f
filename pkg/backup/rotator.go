// Package backup keeps a bounded set of timestamped snapshot copies.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// TimeFormat is ISO-8601 basic format in UTC, so names sort chronologically.
const TimeFormat = "20060102T150405.000000000Z"

// Source produces a backup file. Both snapshot backends implement it.
type Source interface {
	BackupTo(ctx context.Context, dst string) error
	BackupExt() string
}

// Rotator writes backups into dir and prunes the oldest beyond a limit.
type Rotator struct {
	src Source
	dir string
	now func() time.Time
}

type Option func(*Rotator)

func WithClock(now func() time.Time) Option {
	return func(r *Rotator) { r.now = now }
}

func NewRotator(src Source, dir string, opts ...Option) *Rotator {
	r := &Rotator{src: src, dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Rotator) Dir() string { return r.dir }

// Rotate writes a new backup and deletes the oldest until at most max
// remain. max <= 0 disables backups entirely.
func (r *Rotator) Rotate(ctx context.Context, max int) (string, error) {
	if max <= 0 {
		return "", nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	name := r.now().UTC().Format(TimeFormat) + r.src.BackupExt()
	dst := filepath.Join(r.dir, name)
	if err := r.src.BackupTo(ctx, dst); err != nil {
		return "", fmt.Errorf("write backup %s: %w", name, err)
	}
	if err := r.Prune(max); err != nil {
		return dst, err
	}
	return dst, nil
}

// Prune deletes the oldest backups until at most max remain.
func (r *Rotator) Prune(max int) error {
	files, err := r.List()
	if err != nil {
		return err
	}
	var errs []error
	for len(files) > max {
		if err := os.Remove(files[0]); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		files = files[1:]
	}
	return errors.Join(errs...)
}

// List returns backup paths, oldest first.
func (r *Rotator) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list backups: %w", err)
	}
	ext := r.src.BackupExt()
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, filepath.Join(r.dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Newest returns backup paths, newest first.
func (r *Rotator) Newest() ([]string, error) {
	files, err := r.List()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
		files[i], files[j] = files[j], files[i]
	}
	return files, nil
}
