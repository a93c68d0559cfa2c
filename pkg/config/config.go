// Package config loads the branchgraph configuration: a YAML file decoded
// strictly over DefaultConfig, then BRANCHGRAPH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Config is the full process configuration.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Graph      GraphConfig      `yaml:"graph"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Migrations MigrationsConfig `yaml:"migrations"`
}

type StorageConfig struct {
	// Backend is one of memory, sqlite or badger.
	Backend string `yaml:"backend"`
	// DataDir holds the backend's files. The memory backend runs without
	// persistence when it is empty.
	DataDir string `yaml:"data_dir"`

	// Memory backend durability.
	LazyLog              bool          `yaml:"lazy_log"`
	AutoSaveInterval     time.Duration `yaml:"auto_save_interval"`
	AutoSaveThreshold    int64         `yaml:"auto_save_threshold"`
	LogRewritePercentage int           `yaml:"log_rewrite_percentage"`
	MaintenanceInterval  time.Duration `yaml:"maintenance_interval"`

	// Badger backend.
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

type GraphConfig struct {
	// Concurrency bounds parallel membership resolution in bulk reads.
	Concurrency int `yaml:"concurrency"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	AuthToken       string        `yaml:"auth_token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MigrationsConfig struct {
	// Manifest is the path of the YAML migration manifest.
	Manifest string `yaml:"manifest"`
}

// DefaultConfig returns a configuration that runs an in-memory graph.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Backend:              BackendMemory,
			LazyLog:              true,
			AutoSaveInterval:     60 * time.Second,
			AutoSaveThreshold:    1000,
			LogRewritePercentage: 100,
			MaintenanceInterval:  time.Second,
			SyncWrites:           true,
			GCInterval:           5 * time.Minute,
		},
		Graph: GraphConfig{Concurrency: 8},
		Server: ServerConfig{
			HTTPAddr:        ":9191",
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (defaults only when empty), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to open config: %w", err)
		}
		defer file.Close()
		if err := Decode(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Decode strictly decodes YAML from r over cfg. Unknown keys are errors.
func Decode(r io.Reader, cfg *Config) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("YAML syntax error in config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from BRANCHGRAPH_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"BRANCHGRAPH_BACKEND":    &c.Storage.Backend,
		"BRANCHGRAPH_DATA_DIR":   &c.Storage.DataDir,
		"BRANCHGRAPH_HTTP_ADDR":  &c.Server.HTTPAddr,
		"BRANCHGRAPH_AUTH_TOKEN": &c.Server.AuthToken,
		"BRANCHGRAPH_LOG_LEVEL":  &c.Log.Level,
		"BRANCHGRAPH_LOG_FORMAT": &c.Log.Format,
		"BRANCHGRAPH_MIGRATIONS": &c.Migrations.Manifest,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	if v, ok := lookup("BRANCHGRAPH_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BRANCHGRAPH_CONCURRENCY: %w", err)
		}
		c.Graph.Concurrency = n
	}
	return nil
}

// Validate checks the configuration for values no component accepts.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite, BackendBadger:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Graph.Concurrency <= 0 {
		return fmt.Errorf("graph.concurrency must be positive, got %d", c.Graph.Concurrency)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := l.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
