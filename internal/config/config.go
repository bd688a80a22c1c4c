// Package config loads Loci configuration from ~/.loci/config.toml with
// environment variable overrides (LOCI_DB, LOCI_GROUP, LOCI_LOG_LEVEL).
// All fields have defaults; no configuration file is required.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level Loci configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig holds transport and logging settings.
type ServerConfig struct {
	// Transport is "stdio" (default) or "sse".
	Transport string `mapstructure:"transport"`
	LogLevel  string `mapstructure:"log_level"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
}

// StorageConfig holds the database path and default memory group.
type StorageConfig struct {
	DBPath       string `mapstructure:"db_path"`
	DefaultGroup string `mapstructure:"default_group"`
}

// EmbeddingConfig holds the model identity and artefact cache location.
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	CacheDir string `mapstructure:"cache_dir"`
}

// RetrievalConfig holds search and deduplication parameters.
type RetrievalConfig struct {
	DefaultMaxResults  int     `mapstructure:"default_max_results"`
	PreloadTokenBudget int     `mapstructure:"preload_token_budget"`
	RecallTokenBudget  int     `mapstructure:"recall_token_budget"`
	RRFK               int     `mapstructure:"rrf_k"`
	DedupThreshold     float64 `mapstructure:"dedup_threshold"`
}

// MaintenanceConfig holds memory lifecycle settings.
type MaintenanceConfig struct {
	EpisodicDecayFactor    float64 `mapstructure:"episodic_decay_factor"`
	SemanticDecayFactor    float64 `mapstructure:"semantic_decay_factor"`
	CompactionAgeDays      int     `mapstructure:"compaction_age_days"`
	CompactionMinGroupSize int     `mapstructure:"compaction_min_group_size"`
	PromotionThreshold     int     `mapstructure:"promotion_threshold"`
	PromotionSimilarity    float64 `mapstructure:"promotion_similarity"`
	CleanupConfidenceFloor float64 `mapstructure:"cleanup_confidence_floor"`
	CleanupNoAccessDays    int     `mapstructure:"cleanup_no_access_days"`
}

// DefaultDir returns ~/.loci.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loci"
	}
	return filepath.Join(home, ".loci")
}

// DefaultConfigPath returns ~/.loci/config.toml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDir(), "config.toml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)

	v.SetDefault("storage.db_path", filepath.Join(DefaultDir(), "memory.db"))
	v.SetDefault("storage.default_group", "default")

	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.model", "all-MiniLM-L6-v2")
	v.SetDefault("embedding.cache_dir", filepath.Join(DefaultDir(), "models"))

	v.SetDefault("retrieval.default_max_results", 5)
	v.SetDefault("retrieval.preload_token_budget", 2000)
	v.SetDefault("retrieval.recall_token_budget", 4000)
	v.SetDefault("retrieval.rrf_k", 60)
	v.SetDefault("retrieval.dedup_threshold", 0.92)

	v.SetDefault("maintenance.episodic_decay_factor", 0.95)
	v.SetDefault("maintenance.semantic_decay_factor", 0.99)
	v.SetDefault("maintenance.compaction_age_days", 30)
	v.SetDefault("maintenance.compaction_min_group_size", 5)
	v.SetDefault("maintenance.promotion_threshold", 3)
	v.SetDefault("maintenance.promotion_similarity", 0.88)
	v.SetDefault("maintenance.cleanup_confidence_floor", 0.05)
	v.SetDefault("maintenance.cleanup_no_access_days", 90)
}

// Load reads the default config file (if present) and applies env overrides.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigPath())
}

// LoadFrom reads a specific config file path, then applies env overrides.
// A missing file is not an error; defaults apply.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Env overrides take precedence over file values.
	bindEnv(v, "storage.db_path", "LOCI_DB")
	bindEnv(v, "storage.default_group", "LOCI_GROUP")
	bindEnv(v, "server.log_level", "LOCI_LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Storage.DBPath = ExpandTilde(cfg.Storage.DBPath)
	cfg.Embedding.CacheDir = ExpandTilde(cfg.Embedding.CacheDir)
	return &cfg, nil
}

func bindEnv(v *viper.Viper, key, env string) {
	if val, ok := os.LookupEnv(env); ok {
		v.Set(key, val)
	}
}

// ExpandTilde resolves a leading ~/ against the home directory.
func ExpandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
