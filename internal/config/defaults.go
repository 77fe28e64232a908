package config

// DefaultConfig returns configuration with sensible defaults.
// These defaults are used when no config file exists or when
// the config file is missing specific fields.
func DefaultConfig() *Config {
	return &Config{
		Graph: GraphConfig{
			URI:      "bolt://localhost:7687",
			Username: "neo4j",
			Database: "neo4j",
		},
		Scan: ScanConfig{
			Roots:     []string{"."},
			Languages: []string{"typescript", "javascript", "go", "python"},
			Exclude: []string{
				"vendor/**",
				"node_modules/**",
				"dist/**",
				"build/**",
				"**/testdata/**",
			},
		},
		Sync: SyncConfig{
			DebounceMS:         500,
			Workers:            4,
			QueueCapacity:      1000,
			CheckpointMinutes:  5,
			ReconcileSeconds:   60,
			ConflictStrategies: []string{"last_write_wins"},
		},
		Embeddings: EmbeddingsConfig{
			Enabled:    false,
			BaseURL:    "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			BatchSize:  32,
		},
		Monitor: MonitorConfig{
			HealthIntervalSeconds: 30,
			RetentionHours:        24,
		},
		MCP: MCPConfig{
			TimeoutMinutes: 5,
		},
	}
}

// Merge merges loaded config with defaults.
// Values from loaded config take precedence over defaults.
// Returns a new Config with merged values.
func Merge(loaded, defaults *Config) *Config {
	result := &Config{}
	result.Graph = mergeGraphConfig(loaded.Graph, defaults.Graph)
	result.Scan = mergeScanConfig(loaded.Scan, defaults.Scan)
	result.Sync = mergeSyncConfig(loaded.Sync, defaults.Sync)
	result.Embeddings = mergeEmbeddingsConfig(loaded.Embeddings, defaults.Embeddings)
	result.Monitor = mergeMonitorConfig(loaded.Monitor, defaults.Monitor)
	result.MCP = mergeMCPConfig(loaded.MCP, defaults.MCP)
	return result
}

func mergeGraphConfig(loaded, defaults GraphConfig) GraphConfig {
	result := defaults
	if loaded.URI != "" {
		result.URI = loaded.URI
	}
	if loaded.Username != "" {
		result.Username = loaded.Username
	}
	if loaded.Password != "" {
		result.Password = loaded.Password
	}
	if loaded.Database != "" {
		result.Database = loaded.Database
	}
	return result
}

func mergeScanConfig(loaded, defaults ScanConfig) ScanConfig {
	result := defaults
	if len(loaded.Roots) > 0 {
		result.Roots = loaded.Roots
	}
	if len(loaded.Languages) > 0 {
		result.Languages = loaded.Languages
	}
	if len(loaded.Exclude) > 0 {
		result.Exclude = loaded.Exclude
	}
	return result
}

func mergeSyncConfig(loaded, defaults SyncConfig) SyncConfig {
	result := defaults
	if loaded.DebounceMS != 0 {
		result.DebounceMS = loaded.DebounceMS
	}
	if loaded.Workers != 0 {
		result.Workers = loaded.Workers
	}
	if loaded.QueueCapacity != 0 {
		result.QueueCapacity = loaded.QueueCapacity
	}
	if loaded.CheckpointMinutes != 0 {
		result.CheckpointMinutes = loaded.CheckpointMinutes
	}
	if loaded.ReconcileSeconds != 0 {
		result.ReconcileSeconds = loaded.ReconcileSeconds
	}
	if len(loaded.ConflictStrategies) > 0 {
		result.ConflictStrategies = loaded.ConflictStrategies
	}
	return result
}

func mergeEmbeddingsConfig(loaded, defaults EmbeddingsConfig) EmbeddingsConfig {
	result := defaults
	// A bool field cannot distinguish "false" from "unset"; enabled is
	// taken from the loaded config as-is.
	result.Enabled = loaded.Enabled
	if loaded.BaseURL != "" {
		result.BaseURL = loaded.BaseURL
	}
	if loaded.Model != "" {
		result.Model = loaded.Model
	}
	if loaded.Dimensions != 0 {
		result.Dimensions = loaded.Dimensions
	}
	if loaded.BatchSize != 0 {
		result.BatchSize = loaded.BatchSize
	}
	return result
}

func mergeMonitorConfig(loaded, defaults MonitorConfig) MonitorConfig {
	result := defaults
	if loaded.HealthIntervalSeconds != 0 {
		result.HealthIntervalSeconds = loaded.HealthIntervalSeconds
	}
	if loaded.RetentionHours != 0 {
		result.RetentionHours = loaded.RetentionHours
	}
	if loaded.PrometheusPort != 0 {
		result.PrometheusPort = loaded.PrometheusPort
	}
	return result
}

func mergeMCPConfig(loaded, defaults MCPConfig) MCPConfig {
	result := defaults
	if len(loaded.Tools) > 0 {
		result.Tools = loaded.Tools
	}
	if loaded.TimeoutMinutes != 0 {
		result.TimeoutMinutes = loaded.TimeoutMinutes
	}
	return result
}
