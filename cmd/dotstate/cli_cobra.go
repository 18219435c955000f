package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dotsetgreg/dotstate/pkg/config"
	"github.com/dotsetgreg/dotstate/pkg/migrate"
	"github.com/dotsetgreg/dotstate/pkg/persist"
	"github.com/dotsetgreg/dotstate/pkg/snapshot"
	"github.com/dotsetgreg/dotstate/pkg/sqlstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func executeCLI() error {
	return buildRootCommand(true).Execute()
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	g := &globalFlags{registry: prometheus.NewRegistry()}
	var showVersion bool

	root := &cobra.Command{
		Use:   "dotstate",
		Short: "Inspect and maintain a dotstate persistence directory",
		Long: strings.TrimSpace(`dotstate is the operator tool for the persistence engine.

It opens a data directory with the configured backend, runs the same crash
recovery and load path as the running process, and exposes inspection,
integrity checks, export/import, legacy migration, backups and search.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if !g.showMetrics {
				return nil
			}
			return writeMetrics(cmd.ErrOrStderr(), g.registry)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Config file (default $DOTSTATE_CONFIG or ~/.dotstate/config.json)")
	pf.StringVar(&g.dataDir, "data-dir", "", "Override persistence.data_dir")
	pf.StringVar(&g.backend, "backend", "", "Override persistence.backend (file|sqlite)")
	pf.BoolVarP(&g.debug, "debug", "d", false, "Enable debug logging")
	pf.BoolVar(&g.showMetrics, "metrics", false, "Print engine metrics to stderr when the command finishes")
	pf.BoolVar(&g.events, "events", false, "Stream engine events to stderr as JSON lines")

	root.AddCommand(newInspectCommand(g))
	root.AddCommand(newIntegrityCommand(g))
	root.AddCommand(newExportCommand(g))
	root.AddCommand(newImportCommand(g))
	root.AddCommand(newMigrateCommand(g))
	root.AddCommand(newBackupCommand(g))
	root.AddCommand(newScheduleCommand(g))
	root.AddCommand(newSearchCommand(g))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}

	return root
}

// withSession opens the configured data directory for the duration of fn.
func withSession(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, s *session) error) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	var eventsOut io.Writer
	if g.events {
		eventsOut = cmd.ErrOrStderr()
	}
	s, err := openSession(ctx, cfg, g.registry, eventsOut)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

type inspectReport struct {
	Backend       string             `json:"backend"`
	DataDir       string             `json:"dataDir"`
	LoadedFrom    persist.LoadSource `json:"loadedFrom"`
	Manifest      *snapshot.Manifest `json:"manifest,omitempty"`
	Backups       []string           `json:"backups"`
	SchemaVersion int                `json:"schemaVersion,omitempty"`
	Tables        map[string]int     `json:"tables,omitempty"`
}

func newInspectCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "inspect",
		Short:   "Load the data directory and print its manifest",
		Example: "  dotstate inspect --data-dir ./data",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				if err := s.load(ctx); err != nil {
					return err
				}
				report := inspectReport{
					Backend:    s.engine.Backend().Kind(),
					DataDir:    s.engine.DataDir(),
					LoadedFrom: s.engine.LoadedFrom(),
					Manifest:   s.engine.LastManifest(),
				}
				backups, err := s.engine.Backups()
				if err != nil {
					return err
				}
				report.Backups = backups
				if s.store != nil {
					if report.SchemaVersion, err = s.store.SchemaVersion(ctx); err != nil {
						return err
					}
					if report.Tables, err = s.store.TableCounts(ctx); err != nil {
						return err
					}
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newIntegrityCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Verify stored modules and snapshots against their checksums",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				if !s.engine.IntegrityCheck(ctx) {
					return fmt.Errorf("integrity check failed: %w", s.engine.LastError())
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
}

// exportFile is the export/import format. It is also accepted by migrate as
// a legacy snapshot.
type exportFile struct {
	DataVersion int                        `json:"dataVersion"`
	Tick        int64                      `json:"tick"`
	Day         int64                      `json:"day"`
	Modules     map[string]json.RawMessage `json:"modules"`
}

func newExportCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "export <file>",
		Short:   "Write every stored module to a JSON file (- for stdout)",
		Example: "  dotstate export state-export.json",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				if !s.engine.Load(ctx) {
					return s.engine.LastError()
				}
				modules, err := s.engine.ExportAll()
				if err != nil {
					return err
				}
				out := exportFile{
					DataVersion: s.engine.Versioner().Current(),
					Tick:        s.engine.LastSaveTick(),
					Modules:     modules,
				}
				if m := s.engine.LastManifest(); m != nil {
					out.Day = m.Day
				}

				if args[0] == "-" {
					return writeJSON(cmd.OutOrStdout(), out)
				}
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				if err := writeJSON(f, out); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d modules to %s\n", len(modules), args[0])
				return nil
			})
		},
	}
}

func readExportFile(path string) (*exportFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	snap, err := migrate.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &exportFile{DataVersion: snap.DataVersion, Tick: snap.Tick, Day: snap.Day, Modules: snap.State}, nil
}

func newImportCommand(g *globalFlags) *cobra.Command {
	var tick, day int64

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Restore modules from an export file and save them",
		Long: strings.TrimSpace(`Restore modules from a file written by export (or a bare module map) and
run a full save. Stored modules missing from the file are kept.`),
		Example: "  dotstate import state-export.json --tick 1200",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readExportFile(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				if err := s.load(ctx); err != nil {
					return err
				}
				for name := range in.Modules {
					if err := s.ensure(name); err != nil {
						return err
					}
				}
				if err := s.engine.ImportAll(in.Modules); err != nil {
					return err
				}
				t, d := in.Tick, in.Day
				if cmd.Flags().Changed("tick") {
					t = tick
				}
				if cmd.Flags().Changed("day") {
					d = day
				}
				if !s.engine.Save(ctx, t, d) {
					return s.engine.LastError()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d modules\n", len(in.Modules))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&tick, "tick", 0, "Simulation tick recorded with the save (default: from the file)")
	cmd.Flags().Int64Var(&day, "day", 0, "Simulation day recorded with the save (default: from the file)")
	return cmd
}

func newMigrateCommand(g *globalFlags) *cobra.Command {
	var legacy string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import a legacy flat JSON snapshot into the sqlite store",
		Long: strings.TrimSpace(`Import a legacy flat JSON snapshot into the sqlite store once.

The legacy file is copied to <file>.backup first. Entities that fail to import
are skipped and reported; a marker file prevents the import from running twice.`),
		Example: "  dotstate migrate --backend sqlite --legacy ./state.json",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if cfg.Persistence.Backend != config.BackendSQLite {
				return fmt.Errorf("migrate requires the %q backend", config.BackendSQLite)
			}
			path := legacy
			if path == "" {
				path = cfg.LegacySnapshotPath()
			}
			if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
				return err
			}
			store, err := sqlstore.Open(cfg.DBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			m := migrate.New(store, cfg.DataDir())
			if m.Done() {
				marker, err := m.ReadMarker()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "already migrated at %s\n", marker.MigratedAt.Format("2006-01-02T15:04:05Z07:00"))
				return nil
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			stats, err := m.Migrate(ctx, path)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringVar(&legacy, "legacy", "", "Legacy snapshot path (default persistence.legacy_snapshot)")
	return cmd
}

func newBackupCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Write a backup of the last committed snapshot now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				// Load resolves any interrupted save before the copy is taken
				if err := s.load(ctx); err != nil {
					return err
				}
				path, err := s.engine.Backup(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
}

func newScheduleCommand(g *globalFlags) *cobra.Command {
	var cron string

	cmd := &cobra.Command{
		Use:     "schedule",
		Short:   "Run cron-scheduled backups in the foreground until interrupted",
		Example: "  dotstate schedule --cron \"0 */6 * * *\"",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				expr := cron
				if expr == "" {
					expr = s.cfg.Persistence.BackupCron
				}
				if expr == "" {
					return errors.New("no cron expression: set persistence.backup_cron or --cron")
				}
				if err := s.load(ctx); err != nil {
					return err
				}
				sched, err := persist.NewBackupSchedule(s.engine, expr)
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				sched.Start(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "backups scheduled on %q\n", expr)
				<-ctx.Done()
				sched.Stop()
				runs, skipped := sched.Stats()
				fmt.Fprintf(cmd.OutOrStdout(), "stopped after %d runs (%d skipped)\n", runs, skipped)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cron, "cron", "", "Cron expression (default persistence.backup_cron)")
	return cmd
}

func newSearchCommand(g *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "search <query>",
		Short:   "Full-text search over messages, memories and concepts (sqlite only)",
		Example: "  dotstate search --backend sqlite \"rainy afternoon\"",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, g, func(ctx context.Context, s *session) error {
				if s.store == nil {
					return fmt.Errorf("search requires the %q backend", config.BackendSQLite)
				}
				hits, err := s.store.Search(ctx, strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "MODULE\tID\tCONTENT")
				for _, h := range hits {
					fmt.Fprintf(w, "%s\t%s\t%s\n", h.Module, h.ID, h.Content)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of hits")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
