package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Graph.URI != "bolt://localhost:7687" {
		t.Errorf("graph uri = %q", cfg.Graph.URI)
	}
	if cfg.Sync.Workers != 4 || cfg.Sync.DebounceMS != 500 {
		t.Errorf("sync defaults wrong: %+v", cfg.Sync)
	}
	if len(cfg.Scan.Languages) != 4 {
		t.Errorf("languages = %v", cfg.Scan.Languages)
	}
	if cfg.Embeddings.Enabled {
		t.Error("embeddings must default off")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name   string
		loaded *Config
		check  func(t *testing.T, merged *Config)
	}{
		{
			name:   "empty loaded keeps defaults",
			loaded: &Config{},
			check: func(t *testing.T, merged *Config) {
				if merged.Graph.URI != "bolt://localhost:7687" {
					t.Errorf("uri = %q", merged.Graph.URI)
				}
				if merged.Sync.QueueCapacity != 1000 {
					t.Errorf("queue capacity = %d", merged.Sync.QueueCapacity)
				}
			},
		},
		{
			name: "loaded values win",
			loaded: &Config{
				Graph: GraphConfig{URI: "neo4j://db.internal:7687", Password: "s3cret"},
				Sync:  SyncConfig{Workers: 8},
			},
			check: func(t *testing.T, merged *Config) {
				if merged.Graph.URI != "neo4j://db.internal:7687" {
					t.Errorf("uri = %q", merged.Graph.URI)
				}
				if merged.Graph.Username != "neo4j" {
					t.Errorf("unset username must default, got %q", merged.Graph.Username)
				}
				if merged.Sync.Workers != 8 {
					t.Errorf("workers = %d", merged.Sync.Workers)
				}
				if merged.Sync.DebounceMS != 500 {
					t.Errorf("unset debounce must default, got %d", merged.Sync.DebounceMS)
				}
			},
		},
		{
			name: "loaded slices replace defaults wholesale",
			loaded: &Config{
				Scan: ScanConfig{Languages: []string{"go"}},
				Sync: SyncConfig{ConflictStrategies: []string{"property_merge", "skip_deletions"}},
			},
			check: func(t *testing.T, merged *Config) {
				if len(merged.Scan.Languages) != 1 || merged.Scan.Languages[0] != "go" {
					t.Errorf("languages = %v", merged.Scan.Languages)
				}
				if len(merged.Sync.ConflictStrategies) != 2 {
					t.Errorf("strategies = %v", merged.Sync.ConflictStrategies)
				}
				if len(merged.Scan.Exclude) == 0 {
					t.Error("unset exclude must keep defaults")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Merge(tt.loaded, DefaultConfig()))
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return DefaultConfig() }

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{"defaults valid", func(*Config) {}, false},
		{"missing uri", func(c *Config) { c.Graph.URI = "" }, true},
		{"zero workers", func(c *Config) { c.Sync.Workers = 0 }, true},
		{"negative debounce", func(c *Config) { c.Sync.DebounceMS = -1 }, true},
		{"zero queue", func(c *Config) { c.Sync.QueueCapacity = 0 }, true},
		{"unknown strategy", func(c *Config) { c.Sync.ConflictStrategies = []string{"coin_flip"} }, true},
		{"embeddings on without dims", func(c *Config) {
			c.Embeddings.Enabled = true
			c.Embeddings.Dimensions = 0
		}, true},
		{"zero retention", func(c *Config) { c.Monitor.RetentionHours = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if tt.wantErr && err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error must wrap ErrInvalidConfig: %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestFindConfigDirWalksUp(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, ConfigDirName)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "src", "services", "auth")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	found, err := FindConfigDir(nested)
	if err != nil {
		t.Fatalf("FindConfigDir: %v", err)
	}
	if found != configDir {
		t.Errorf("found %q, want %q", found, configDir)
	}

	if _, err := FindConfigDir(t.TempDir()); !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("bare tree must return ErrConfigNotFound, got %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Graph.URI != DefaultConfig().Graph.URI {
		t.Errorf("uri = %q", cfg.Graph.URI)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	content := `graph:
  uri: neo4j://prod:7687
  password: hunter2
sync:
  workers: 12
  conflict_strategies: [property_merge]
embeddings:
  enabled: true
  dimensions: 384
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Graph.URI != "neo4j://prod:7687" || cfg.Graph.Password != "hunter2" {
		t.Errorf("graph = %+v", cfg.Graph)
	}
	if cfg.Sync.Workers != 12 {
		t.Errorf("workers = %d", cfg.Sync.Workers)
	}
	if cfg.Sync.DebounceMS != 500 {
		t.Errorf("debounce must default, got %d", cfg.Sync.DebounceMS)
	}
	if !cfg.Embeddings.Enabled || cfg.Embeddings.Dimensions != 384 {
		t.Errorf("embeddings = %+v", cfg.Embeddings)
	}
}

func TestLoadFromPathRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte("sync:\n  workers: -2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromPath(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("want ErrInvalidConfig, got %v", err)
	}

	if err := os.WriteFile(path, []byte("graph: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromPath(path); err == nil {
		t.Error("malformed yaml must fail")
	}
}

func TestSaveDefault(t *testing.T) {
	dir := t.TempDir()
	path, err := SaveDefault(dir)
	if err != nil {
		t.Fatalf("SaveDefault: %v", err)
	}
	if filepath.Base(path) != ConfigFileName {
		t.Errorf("path = %q", path)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("round-trip load: %v", err)
	}
	if cfg.Sync.Workers != DefaultConfig().Sync.Workers {
		t.Errorf("round-trip workers = %d", cfg.Sync.Workers)
	}

	if _, err := SaveDefault(dir); err == nil {
		t.Error("second SaveDefault must refuse to overwrite")
	}
}

func TestSyncCoordinatorConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.DebounceMS = 250
	cfg.Sync.ConflictStrategies = []string{"property_merge"}

	sc := cfg.SyncCoordinatorConfig("/repo")
	if sc.Root != "/repo" {
		t.Errorf("root = %q", sc.Root)
	}
	if sc.Debounce != 250*time.Millisecond {
		t.Errorf("debounce = %s", sc.Debounce)
	}
	if sc.CheckpointInterval != 5*time.Minute || sc.ReconcileInterval != time.Minute {
		t.Errorf("intervals = %s / %s", sc.CheckpointInterval, sc.ReconcileInterval)
	}
	if len(sc.ConflictStrategies) != 1 || string(sc.ConflictStrategies[0]) != "property_merge" {
		t.Errorf("strategies = %v", sc.ConflictStrategies)
	}
}
