// Package config provides configuration loading and management for the chanstate server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/chanstate/internal/telemetry"
)

// EnvPrefix is the prefix of every environment override, e.g. CHANSTATE_LOG_LEVEL.
const EnvPrefix = "CHANSTATE"

const (
	// StorageTypeMemory keeps everything in process memory; nothing survives a restart
	StorageTypeMemory = "memory"

	// StorageTypeFile keeps one JSON file per collection in the data directory
	StorageTypeFile = "file"

	// StorageTypeBolt keeps all collections in a single bbolt database file
	StorageTypeBolt = "bolt"

	// StorageTypePostgres keeps all collections in a PostgreSQL table
	StorageTypePostgres = "postgres"
)

const (
	// PersistenceAwaited persists before the mutating call returns and reports failures to the caller
	PersistenceAwaited = "awaited"

	// PersistenceFireAndForget returns immediately and persists in the background
	PersistenceFireAndForget = "fireAndForget"
)

const (
	defaultAddress         = ":8080"
	defaultShutdownTimeout = 10 * time.Second
	defaultDataDir         = "./data"
	defaultBoltFile        = "chanstate.db"
	defaultBusCapacity     = 64
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Logging   LoggingConfig     `yaml:"logging"`
	Storage   StorageConfig     `yaml:"storage"`
	Managers  ManagersConfig    `yaml:"managers"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// ServerConfig defines the admin HTTP server
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080"
	Address string `yaml:"address,omitempty"`

	// ShutdownTimeout bounds graceful shutdown, including the final flush of pending writes
	ShutdownTimeout string `yaml:"shutdownTimeout,omitempty"`
}

// LoggingConfig defines the process logger
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level,omitempty"`

	// Format is json or text
	Format string `yaml:"format,omitempty"`
}

// StorageConfig selects and configures the repository backend
type StorageConfig struct {
	// Type is one of memory, file, bolt, postgres
	Type string `yaml:"type"`

	// Path is the data directory for file storage, or the database file for bolt storage
	Path string `yaml:"path,omitempty"`

	// Database configures postgres storage
	Database *DatabaseConfig `yaml:"database,omitempty"`

	// AutoMigrate applies pending migrations when the server starts (postgres only)
	AutoMigrate bool `yaml:"autoMigrate,omitempty"`
}

// ManagersConfig holds the per-manager settings
type ManagersConfig struct {
	Bookmarks ManagerConfig `yaml:"bookmarks"`
	Boards    ManagerConfig `yaml:"boards"`
	PostHides ManagerConfig `yaml:"postHides"`
}

// ManagerConfig tunes one domain manager
type ManagerConfig struct {
	// Persistence is awaited or fireAndForget
	Persistence string `yaml:"persistence,omitempty"`

	// Debounce is the coalescing window of high-frequency updates, e.g. "250ms"
	Debounce string `yaml:"debounce,omitempty"`

	// Bus configures change notification delivery
	Bus BusConfig `yaml:"bus"`
}

// BusConfig configures a manager's change bus
type BusConfig struct {
	// Policy is dropOldest, dropLatest or buffered
	Policy string `yaml:"policy,omitempty"`

	// Capacity is the per-subscriber queue size of the dropping policies
	Capacity int `yaml:"capacity,omitempty"`

	// Replay is the number of recent events delivered to new subscribers
	Replay int `yaml:"replay,omitempty"`
}

// Default returns a configuration with every default applied and in-memory storage.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads and parses configuration from a YAML file, applies defaults and
// environment overrides, and validates the result.
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a validated Config from YAML content.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyEnvOverrides()
	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetShutdownTimeout returns the parsed shutdown timeout.
func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(s.ShutdownTimeout)
	if err != nil || d <= 0 {
		return defaultShutdownTimeout
	}
	return d
}

// GetDebounce returns the parsed debounce window, or fallback when unset.
func (m *ManagerConfig) GetDebounce(fallback time.Duration) time.Duration {
	if m.Debounce == "" {
		return fallback
	}
	d, err := time.ParseDuration(m.Debounce)
	if err != nil {
		return fallback
	}
	return d
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = defaultAddress
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = defaultShutdownTimeout.String()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.Type == "" {
		c.Storage.Type = StorageTypeMemory
	}
	if c.Storage.Path == "" {
		switch c.Storage.Type {
		case StorageTypeFile:
			c.Storage.Path = defaultDataDir
		case StorageTypeBolt:
			c.Storage.Path = filepath.Join(defaultDataDir, defaultBoltFile)
		}
	}

	for _, m := range []*ManagerConfig{&c.Managers.Bookmarks, &c.Managers.Boards, &c.Managers.PostHides} {
		if m.Persistence == "" {
			m.Persistence = PersistenceAwaited
		}
		if m.Bus.Capacity == 0 {
			m.Bus.Capacity = defaultBusCapacity
		}
	}
	if c.Managers.PostHides.Bus.Policy == "" {
		c.Managers.PostHides.Bus.Policy = "buffered"
	}
}

// applyEnvOverrides lets CHANSTATE_* variables override the file, e.g.
// CHANSTATE_STORAGE_TYPE=bolt or CHANSTATE_SERVER_ADDRESS=:9090.
func (c *Config) applyEnvOverrides() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	overrides := map[string]*string{
		"server.address":   &c.Server.Address,
		"log.level":        &c.Logging.Level,
		"log.format":       &c.Logging.Format,
		"storage.type":     &c.Storage.Type,
		"storage.path":     &c.Storage.Path,
		"database.host":    &c.databaseConfig().Host,
		"database.name":    &c.databaseConfig().Database,
		"database.user":    &c.databaseConfig().User,
		"database.sslmode": &c.databaseConfig().SSLMode,
	}
	for key, target := range overrides {
		if val := v.GetString(key); val != "" {
			*target = val
		}
	}

	if c.Storage.Database != nil && *c.Storage.Database == (DatabaseConfig{}) {
		c.Storage.Database = nil
	}
}

// databaseConfig returns the database block, allocating it so overrides have a target.
func (c *Config) databaseConfig() *DatabaseConfig {
	if c.Storage.Database == nil {
		c.Storage.Database = &DatabaseConfig{}
	}
	return c.Storage.Database
}

func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if _, err := time.ParseDuration(c.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("server.shutdownTimeout must be a valid duration: %w", err)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	managers := map[string]ManagerConfig{
		"bookmarks": c.Managers.Bookmarks,
		"boards":    c.Managers.Boards,
		"postHides": c.Managers.PostHides,
	}
	for name, m := range managers {
		if err := validateManager(name, m); err != nil {
			return err
		}
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Type {
	case StorageTypeMemory:
		return nil
	case StorageTypeFile, StorageTypeBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for %s storage", c.Storage.Type)
		}
		return nil
	case StorageTypePostgres:
		if c.Storage.Database == nil {
			return fmt.Errorf("storage.database is required for postgres storage")
		}
		return c.Storage.Database.validate()
	default:
		return fmt.Errorf("storage.type must be one of memory, file, bolt, postgres, got %q", c.Storage.Type)
	}
}

func validateManager(name string, m ManagerConfig) error {
	prefix := "managers." + name
	if m.Persistence != PersistenceAwaited && m.Persistence != PersistenceFireAndForget {
		return fmt.Errorf("%s.persistence must be %s or %s, got %q",
			prefix, PersistenceAwaited, PersistenceFireAndForget, m.Persistence)
	}
	if m.Debounce != "" {
		d, err := time.ParseDuration(m.Debounce)
		if err != nil {
			return fmt.Errorf("%s.debounce must be a valid duration (e.g., '250ms'): %w", prefix, err)
		}
		if d < 0 {
			return fmt.Errorf("%s.debounce must not be negative", prefix)
		}
	}
	switch m.Bus.Policy {
	case "", "buffered", "dropOldest", "dropLatest":
	default:
		return fmt.Errorf("%s.bus.policy must be buffered, dropOldest or dropLatest, got %q", prefix, m.Bus.Policy)
	}
	if m.Bus.Capacity < 0 || m.Bus.Replay < 0 {
		return fmt.Errorf("%s.bus capacity and replay must not be negative", prefix)
	}
	return nil
}
