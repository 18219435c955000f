package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/dotstate/pkg/bus"
	"github.com/dotsetgreg/dotstate/pkg/config"
	"github.com/dotsetgreg/dotstate/pkg/logger"
	"github.com/dotsetgreg/dotstate/pkg/migrate"
	"github.com/dotsetgreg/dotstate/pkg/persist"
	"github.com/dotsetgreg/dotstate/pkg/snapshot"
	"github.com/dotsetgreg/dotstate/pkg/sqlstore"
	"github.com/prometheus/client_golang/prometheus"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath  string
	dataDir     string
	backend     string
	debug       bool
	showMetrics bool
	events      bool

	registry *prometheus.Registry
}

func defaultConfigPath() string {
	if p := os.Getenv("DOTSTATE_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dotstate", "config.json")
}

// config loads the config file, applies flag overrides and sets up logging.
func (g *globalFlags) config() (*config.Config, error) {
	path := g.configPath
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.dataDir != "" {
		cfg.Persistence.DataDir = g.dataDir
	}
	if g.backend != "" {
		cfg.Persistence.Backend = g.backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.SetOutput(os.Stderr, cfg.Logging.Format)
	if lvl, err := logger.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if g.debug {
		logger.SetLevel(logger.DEBUG)
	}
	return cfg, nil
}

// session is one opened data directory: the engine plus one RawModule per
// stored module.
type session struct {
	cfg     *config.Config
	engine  *persist.Engine
	store   *sqlstore.Store
	modules map[string]*persist.RawModule

	events  *bus.EventBus
	drained chan struct{}
}

// openSession opens the data directory. When eventsOut is non-nil every
// engine event is also written to it as one JSON line.
func openSession(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, eventsOut io.Writer) (*session, error) {
	dataDir := cfg.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &session{cfg: cfg, modules: map[string]*persist.RawModule{}}
	var backend snapshot.Backend
	switch cfg.Persistence.Backend {
	case config.BackendSQLite:
		store, err := sqlstore.Open(cfg.DBPath())
		if err != nil {
			return nil, err
		}
		if cfg.Persistence.AutoMigrate {
			autoMigrate(ctx, cfg, store)
		}
		s.store = store
		backend = store
	default:
		fs, err := snapshot.NewFileStore(dataDir, snapshot.WithCompression(cfg.Persistence.Compress))
		if err != nil {
			return nil, err
		}
		backend = fs
	}

	metrics, err := persist.NewMetrics(reg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	var observer persist.Observer = persist.LogObserver{}
	if eventsOut != nil {
		s.events = bus.NewEventBus(0)
		s.drained = make(chan struct{})
		go s.streamEvents(eventsOut)
		observer = persist.MultiObserver{observer, s.events}
	}
	e, err := persist.New(dataDir, backend, engineOptions(cfg, metrics, observer)...)
	if err != nil {
		_ = backend.Close()
		s.stopEvents()
		return nil, err
	}
	s.engine = e

	// an interrupted save may have committed modules the manifest on disk
	// does not name yet
	if _, err := e.Recover(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	names, err := discoverModules(ctx, e)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	for _, name := range names {
		if err := s.ensure(name); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func engineOptions(cfg *config.Config, metrics *persist.Metrics, observer persist.Observer) []persist.Option {
	return []persist.Option{
		persist.WithMaxBackups(cfg.Persistence.MaxBackups),
		persist.WithAutoSaveInterval(cfg.Persistence.AutoSaveInterval),
		persist.WithMetrics(metrics),
		persist.WithObserver(observer),
	}
}

// eventLine is the --events wire format.
type eventLine struct {
	Type       persist.EventType  `json:"type"`
	Time       time.Time          `json:"time"`
	Tick       int64              `json:"tick,omitempty"`
	Day        int64              `json:"day,omitempty"`
	Module     string             `json:"module,omitempty"`
	Source     persist.LoadSource `json:"source,omitempty"`
	Outcome    string             `json:"outcome,omitempty"`
	Path       string             `json:"path,omitempty"`
	Modules    int                `json:"modules,omitempty"`
	Written    int                `json:"written,omitempty"`
	DurationMS float64            `json:"durationMs,omitempty"`
	Error      string             `json:"error,omitempty"`
}

func (s *session) streamEvents(w io.Writer) {
	defer close(s.drained)
	enc := json.NewEncoder(w)
	for ev := range s.events.Events() {
		line := eventLine{
			Type: ev.Type, Time: ev.Time.UTC(), Tick: ev.Tick, Day: ev.Day, Module: ev.Module,
			Source: ev.Source, Outcome: ev.Outcome, Path: ev.Path, Modules: ev.Modules, Written: ev.Written,
			DurationMS: float64(ev.Duration) / float64(time.Millisecond),
		}
		if ev.Err != nil {
			line.Error = ev.Err.Error()
		}
		if err := enc.Encode(line); err != nil {
			logger.WarnCF("cli", "Event stream write failed", map[string]any{"error": err.Error()})
		}
	}
}

// stopEvents closes the event bus and waits for the stream to drain.
func (s *session) stopEvents() {
	if s.events == nil {
		return
	}
	s.events.Close()
	<-s.drained
	if n := s.events.Dropped(); n > 0 {
		logger.WarnCF("cli", "Engine events dropped", map[string]any{"dropped": n})
	}
}

// ensure registers a RawModule for name unless one exists.
func (s *session) ensure(name string) error {
	if _, ok := s.modules[name]; ok {
		return nil
	}
	m := persist.NewRawModule(nil)
	if err := s.engine.Register(name, m); err != nil {
		return err
	}
	s.modules[name] = m
	return nil
}

// load runs the engine's Load. A data directory with nothing saved yet is
// not an error.
func (s *session) load(ctx context.Context) error {
	if s.engine.Load(ctx) {
		return nil
	}
	err := s.engine.LastError()
	if errors.Is(err, persist.ErrNoSnapshot) && len(s.modules) == 0 {
		return nil
	}
	return err
}

func (s *session) Close() error {
	err := s.engine.Close()
	s.stopEvents()
	return err
}

// discoverModules names the stored modules: from the manifest, then from
// per-module records, then from the newest readable backup.
func discoverModules(ctx context.Context, e *persist.Engine) ([]string, error) {
	b := e.Backend()
	if m, err := b.ReadManifest(ctx); err == nil {
		names := make([]string, 0, len(m.Modules))
		for _, s := range m.Modules {
			names = append(names, s.Name)
		}
		return names, nil
	}
	names, err := b.ListModules(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		return names, nil
	}
	backups, err := e.Backups()
	if err != nil {
		return nil, err
	}
	for _, p := range backups {
		agg, err := b.ReadBackup(ctx, p)
		if err != nil {
			continue
		}
		for name := range agg.State {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}
	return nil, nil
}

func autoMigrate(ctx context.Context, cfg *config.Config, store *sqlstore.Store) {
	legacy := cfg.LegacySnapshotPath()
	if legacy == "" {
		return
	}
	if _, err := os.Stat(legacy); err != nil {
		return
	}
	m := migrate.New(store, cfg.DataDir())
	if m.Done() {
		return
	}
	stats, err := m.Migrate(ctx, legacy)
	if err != nil {
		logger.ErrorCF("cli", "Automatic migration failed", map[string]any{"legacy": legacy, "error": err.Error()})
		return
	}
	logger.InfoCF("cli", "Automatic migration finished", map[string]any{"errors": stats.Errors, "tables": len(stats.PerEntity)})
}

// writeMetrics prints every gathered sample as name{labels} value.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			value := m.GetCounter().GetValue()
			if h := m.GetHistogram(); h != nil {
				value = float64(h.GetSampleCount())
			}
			fmt.Fprintf(w, "%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), value)
		}
	}
	return nil
}
