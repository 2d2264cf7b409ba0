package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

const (
	ConfigDir        = ".graphline"
	ConfigFileName   = "config.yaml"
	GraphIndexName   = "graph.gob"
	VectorIndexName  = "vectors.gob"
	GraphSQLiteName  = "graph.db"
	RunsDirName      = "runs"
	DefaultCollection = "graphline_chunks"
)

type Config struct {
	Version    int              `yaml:"version"`
	Project    ProjectConfig    `yaml:"project"`
	Graph      GraphConfig      `yaml:"graph"`
	Vector     VectorConfig     `yaml:"vector"`
	Embedder   EmbedderConfig   `yaml:"embedder"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Pool       PoolConfig       `yaml:"pool"`
	Batch      BatchConfig      `yaml:"batch"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Plugins    []string         `yaml:"plugins"`
	Ignore     []string         `yaml:"ignore"`
}

type ProjectConfig struct {
	ID           string `yaml:"id"`
	RepositoryID string `yaml:"repository_id,omitempty"`
}

type GraphConfig struct {
	Backend string `yaml:"backend"` // memory | sqlite
	Path    string `yaml:"path,omitempty"`
}

type VectorConfig struct {
	Backend    string         `yaml:"backend"` // memory | qdrant | postgres
	Collection string         `yaml:"collection,omitempty"`
	Qdrant     QdrantConfig   `yaml:"qdrant,omitempty"`
	Postgres   PostgresConfig `yaml:"postgres,omitempty"`
}

type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type EmbedderConfig struct {
	Provider   string `yaml:"provider"` // hash | openai
	Model      string `yaml:"model,omitempty"`
	Endpoint   string `yaml:"endpoint,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	Dimensions int    `yaml:"dimensions,omitempty"`
}

type EnrichmentConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Model           string `yaml:"model,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	APIKey          string `yaml:"api_key,omitempty"`
	MaxContextNodes int    `yaml:"max_context_nodes,omitempty"`
	TimeoutSeconds  int    `yaml:"timeout_seconds,omitempty"`
}

type PoolConfig struct {
	Workers           int `yaml:"workers"`
	MaxQueueSize      int `yaml:"max_queue_size"`
	MemoryThresholdMB int `yaml:"memory_threshold_mb"`
}

type BatchConfig struct {
	DebounceMs    int `yaml:"debounce_ms"`
	SizeThreshold int `yaml:"size_threshold"`
}

type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Project: ProjectConfig{
			ID: "default",
		},
		Graph: GraphConfig{
			Backend: "memory",
		},
		Vector: VectorConfig{
			Backend:    "memory",
			Collection: DefaultCollection,
		},
		Embedder: EmbedderConfig{
			Provider:   "hash",
			Dimensions: 256,
		},
		Enrichment: EnrichmentConfig{
			Enabled:         false,
			MaxContextNodes: 40,
			TimeoutSeconds:  20,
		},
		Pool: PoolConfig{
			Workers:           runtime.NumCPU(),
			MaxQueueSize:      1024,
			MemoryThresholdMB: 2048,
		},
		Batch: BatchConfig{
			DebounceMs:    500,
			SizeThreshold: 64,
		},
		Chunking: ChunkingConfig{
			Size:    1600,
			Overlap: 200,
		},
		Plugins: []string{"sql", "source", "json"},
		Ignore: []string{
			".git",
			".graphline",
			"node_modules",
			"vendor",
			"dist",
			"__pycache__",
			".venv",
			"target",
		},
	}
}

func GetConfigDir(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir)
}

func GetConfigPath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), ConfigFileName)
}

func GetGraphIndexPath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), GraphIndexName)
}

func GetVectorIndexPath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), VectorIndexName)
}

func GetGraphSQLitePath(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), GraphSQLiteName)
}

func GetRunsDir(projectRoot string) string {
	return filepath.Join(GetConfigDir(projectRoot), RunsDirName)
}

func Load(projectRoot string) (*Config, error) {
	configPath := GetConfigPath(projectRoot)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for missing values (backward compatibility)
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in missing configuration values with sensible defaults
// so older config files keep working as fields are added.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Project.ID == "" {
		c.Project.ID = defaults.Project.ID
	}
	if c.Graph.Backend == "" {
		c.Graph.Backend = defaults.Graph.Backend
	}
	if c.Vector.Backend == "" {
		c.Vector.Backend = defaults.Vector.Backend
	}
	if c.Vector.Collection == "" {
		c.Vector.Collection = defaults.Vector.Collection
	}
	if c.Vector.Backend == "qdrant" && c.Vector.Qdrant.Port <= 0 {
		c.Vector.Qdrant.Port = 6334
	}
	if c.Embedder.Provider == "" {
		c.Embedder.Provider = defaults.Embedder.Provider
	}
	if c.Embedder.Dimensions <= 0 {
		switch c.Embedder.Provider {
		case "openai":
			c.Embedder.Dimensions = 1536
		default:
			c.Embedder.Dimensions = defaults.Embedder.Dimensions
		}
	}
	if c.Enrichment.MaxContextNodes <= 0 {
		c.Enrichment.MaxContextNodes = defaults.Enrichment.MaxContextNodes
	}
	if c.Enrichment.TimeoutSeconds <= 0 {
		c.Enrichment.TimeoutSeconds = defaults.Enrichment.TimeoutSeconds
	}
	if c.Pool.Workers <= 0 {
		c.Pool.Workers = defaults.Pool.Workers
	}
	if c.Pool.MaxQueueSize <= 0 {
		c.Pool.MaxQueueSize = defaults.Pool.MaxQueueSize
	}
	if c.Pool.MemoryThresholdMB <= 0 {
		c.Pool.MemoryThresholdMB = defaults.Pool.MemoryThresholdMB
	}
	if c.Batch.DebounceMs <= 0 {
		c.Batch.DebounceMs = defaults.Batch.DebounceMs
	}
	if c.Batch.SizeThreshold <= 0 {
		c.Batch.SizeThreshold = defaults.Batch.SizeThreshold
	}
	if c.Chunking.Size <= 0 {
		c.Chunking.Size = defaults.Chunking.Size
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		c.Chunking.Overlap = defaults.Chunking.Overlap
	}
	if len(c.Plugins) == 0 {
		c.Plugins = defaults.Plugins
	}
	if len(c.Ignore) == 0 {
		c.Ignore = defaults.Ignore
	}
}

func (c *Config) Save(projectRoot string) error {
	configDir := GetConfigDir(projectRoot)

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	configPath := GetConfigPath(projectRoot)
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func Exists(projectRoot string) bool {
	_, err := os.Stat(GetConfigPath(projectRoot))
	return err == nil
}

// FindProjectRoot walks up from the working directory until it finds a
// .graphline directory.
func FindProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	cwd, err = filepath.EvalSymlinks(cwd)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	dir := cwd
	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("no graphline project found (run 'graphline init' first)")
}
