package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	mu          sync.RWMutex
}

type PersistenceConfig struct {
	DataDir          string `json:"data_dir" yaml:"data_dir" env:"DOTSTATE_PERSISTENCE_DATA_DIR"`
	Backend          string `json:"backend" yaml:"backend" env:"DOTSTATE_PERSISTENCE_BACKEND"` // file | sqlite
	DBName           string `json:"db_name" yaml:"db_name" env:"DOTSTATE_PERSISTENCE_DB_NAME"`
	AutoSaveInterval int64  `json:"auto_save_interval" yaml:"auto_save_interval" env:"DOTSTATE_PERSISTENCE_AUTO_SAVE_INTERVAL"` // ticks
	MaxBackups       int    `json:"max_backups" yaml:"max_backups" env:"DOTSTATE_PERSISTENCE_MAX_BACKUPS"`
	Compress         bool   `json:"compress" yaml:"compress" env:"DOTSTATE_PERSISTENCE_COMPRESS"`
	BackupCron       string `json:"backup_cron" yaml:"backup_cron" env:"DOTSTATE_PERSISTENCE_BACKUP_CRON"`
	AutoMigrate      bool   `json:"auto_migrate" yaml:"auto_migrate" env:"DOTSTATE_PERSISTENCE_AUTO_MIGRATE"`
	LegacySnapshot   string `json:"legacy_snapshot" yaml:"legacy_snapshot" env:"DOTSTATE_PERSISTENCE_LEGACY_SNAPSHOT"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"DOTSTATE_LOGGING_LEVEL"`
	Format string `json:"format" yaml:"format" env:"DOTSTATE_LOGGING_FORMAT"` // text | json
}

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

func DefaultConfig() *Config {
	return &Config{
		Persistence: PersistenceConfig{
			DataDir:          "~/.dotstate/data",
			Backend:          BackendFile,
			DBName:           "state",
			AutoSaveInterval: 300,
			MaxBackups:       10,
			Compress:         false,
			BackupCron:       "",
			AutoMigrate:      true,
			LegacySnapshot:   "state.json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml) over the defaults and
// then applies DOTSTATE_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate rejects settings the engine cannot honor.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.Persistence
	switch p.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("persistence.backend must be %q or %q, got %q", BackendFile, BackendSQLite, p.Backend)
	}
	if p.MaxBackups < 0 {
		return fmt.Errorf("persistence.max_backups must be >= 0")
	}
	if p.AutoSaveInterval < 0 {
		return fmt.Errorf("persistence.auto_save_interval must be >= 0")
	}
	if strings.TrimSpace(p.DataDir) == "" {
		return fmt.Errorf("persistence.data_dir is required")
	}
	return nil
}

func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Persistence.DataDir)
}

// DBPath is the relational store location, <data_dir>/<db_name>.db.
func (c *Config) DBPath() string {
	c.mu.RLock()
	name := c.Persistence.DBName
	c.mu.RUnlock()
	if name == "" {
		name = "state"
	}
	return filepath.Join(c.DataDir(), name+".db")
}

// LegacySnapshotPath resolves legacy_snapshot relative to the data dir.
func (c *Config) LegacySnapshotPath() string {
	c.mu.RLock()
	p := c.Persistence.LegacySnapshot
	c.mu.RUnlock()
	if p == "" {
		return ""
	}
	p = expandHome(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir(), p)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
