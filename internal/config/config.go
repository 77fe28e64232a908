// Package config loads engine configuration from .ckg/config.yaml,
// discovered by walking up from the working directory. Missing files
// and missing fields fall back to defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anthropics/ckg/internal/syncd"
)

// ConfigFileName is the configuration file name inside the config dir.
const ConfigFileName = "config.yaml"

// ConfigDirName is the per-project configuration directory.
const ConfigDirName = ".ckg"

// Config holds all engine configuration.
type Config struct {
	Graph      GraphConfig      `yaml:"graph"`
	Scan       ScanConfig       `yaml:"scan"`
	Sync       SyncConfig       `yaml:"sync"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	MCP        MCPConfig        `yaml:"mcp"`
}

// GraphConfig is the Neo4j connection.
type GraphConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ScanConfig controls which files are indexed.
type ScanConfig struct {
	Roots     []string `yaml:"roots"`
	Languages []string `yaml:"languages"`
	Exclude   []string `yaml:"exclude"`
}

// SyncConfig controls the sync coordinator.
type SyncConfig struct {
	DebounceMS         int      `yaml:"debounce_ms"`
	Workers            int      `yaml:"workers"`
	QueueCapacity      int      `yaml:"queue_capacity"`
	CheckpointMinutes  int      `yaml:"checkpoint_minutes"`
	ReconcileSeconds   int      `yaml:"reconcile_seconds"`
	ConflictStrategies []string `yaml:"conflict_strategies"`
}

// EmbeddingsConfig controls embedding generation.
type EmbeddingsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BatchSize  int    `yaml:"batch_size"`
}

// MonitorConfig controls health checks and retention.
type MonitorConfig struct {
	HealthIntervalSeconds int `yaml:"health_interval_seconds"`
	RetentionHours        int `yaml:"retention_hours"`
	PrometheusPort        int `yaml:"prometheus_port"`
}

// MCPConfig controls the agent tool surface.
type MCPConfig struct {
	Tools          []string `yaml:"tools"`
	TimeoutMinutes int      `yaml:"timeout_minutes"`
}

// ErrConfigNotFound is returned when no config directory can be found.
var ErrConfigNotFound = errors.New("config file not found")

// ErrInvalidConfig is returned when config validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads config starting from workDir, walking up the directory
// tree to find .ckg/config.yaml. Without one it returns defaults.
func Load(workDir string) (*Config, error) {
	configDir, err := FindConfigDir(workDir)
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadFromPath(filepath.Join(configDir, ConfigFileName))
}

// LoadFromPath reads config from a specific path, merging with
// defaults and validating the result.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	loaded := &Config{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	merged := Merge(loaded, DefaultConfig())
	if err := Validate(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// FindConfigDir locates the .ckg directory by walking up from startDir.
func FindConfigDir(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	currentDir := absDir
	for {
		configDir := filepath.Join(currentDir, ConfigDirName)
		info, err := os.Stat(configDir)
		if err == nil && info.IsDir() {
			return configDir, nil
		}
		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return "", ErrConfigNotFound
		}
		currentDir = parentDir
	}
}

// EnsureConfigDir creates the .ckg directory under workDir if needed.
func EnsureConfigDir(workDir string) (string, error) {
	absDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	configDir := filepath.Join(absDir, ConfigDirName)

	info, err := os.Stat(configDir)
	if err == nil {
		if info.IsDir() {
			return configDir, nil
		}
		return "", fmt.Errorf("%s exists but is not a directory", configDir)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	return configDir, nil
}

// Validate checks config invariants.
func Validate(cfg *Config) error {
	if cfg.Graph.URI == "" {
		return fmt.Errorf("%w: graph.uri is required", ErrInvalidConfig)
	}
	if cfg.Sync.Workers < 1 {
		return fmt.Errorf("%w: sync.workers must be positive, got %d",
			ErrInvalidConfig, cfg.Sync.Workers)
	}
	if cfg.Sync.DebounceMS < 0 {
		return fmt.Errorf("%w: sync.debounce_ms must be non-negative, got %d",
			ErrInvalidConfig, cfg.Sync.DebounceMS)
	}
	if cfg.Sync.QueueCapacity < 1 {
		return fmt.Errorf("%w: sync.queue_capacity must be positive, got %d",
			ErrInvalidConfig, cfg.Sync.QueueCapacity)
	}
	for _, s := range cfg.Sync.ConflictStrategies {
		if !syncd.ValidStrategy(syncd.Strategy(s)) {
			return fmt.Errorf("%w: unknown conflict strategy %q", ErrInvalidConfig, s)
		}
	}
	if cfg.Embeddings.Enabled && cfg.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("%w: embeddings.dimensions must be positive, got %d",
			ErrInvalidConfig, cfg.Embeddings.Dimensions)
	}
	if cfg.Monitor.RetentionHours <= 0 {
		return fmt.Errorf("%w: monitor.retention_hours must be positive, got %d",
			ErrInvalidConfig, cfg.Monitor.RetentionHours)
	}
	return nil
}

// SaveDefault writes the default configuration to .ckg/config.yaml
// under workDir, creating the directory if needed. Fails if the file
// already exists.
func SaveDefault(workDir string) (string, error) {
	configDir, err := EnsureConfigDir(workDir)
	if err != nil {
		return "", err
	}
	configPath := filepath.Join(configDir, ConfigFileName)
	if _, err := os.Stat(configPath); err == nil {
		return "", fmt.Errorf("config file already exists: %s", configPath)
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}
	header := "# ckg configuration\n\n"
	data = append([]byte(header), data...)
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return configPath, nil
}

// SyncCoordinatorConfig translates yaml durations into the
// coordinator's config for a root.
func (c *Config) SyncCoordinatorConfig(root string) syncd.Config {
	strategies := make([]syncd.Strategy, 0, len(c.Sync.ConflictStrategies))
	for _, s := range c.Sync.ConflictStrategies {
		strategies = append(strategies, syncd.Strategy(s))
	}
	return syncd.Config{
		Root:               root,
		Debounce:           time.Duration(c.Sync.DebounceMS) * time.Millisecond,
		Workers:            c.Sync.Workers,
		QueueCapacity:      c.Sync.QueueCapacity,
		CheckpointInterval: time.Duration(c.Sync.CheckpointMinutes) * time.Minute,
		ReconcileInterval:  time.Duration(c.Sync.ReconcileSeconds) * time.Second,
		ConflictStrategies: strategies,
		EmbedBatchSize:     c.Embeddings.BatchSize,
	}
}
