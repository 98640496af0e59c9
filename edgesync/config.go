package edgesync

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the sync engine. All fields have working
// defaults; values are read from an optional YAML file and then overridden
// by EDGE_SYNC_* environment variables.
type Config struct {
	DeviceID string `json:"device_id" yaml:"device_id"`
	CloudURL string `json:"cloud_url" yaml:"cloud_url"`

	// Data directories. Each component persists its records under its own
	// directory so eviction and backup policies stay independent.
	ConfigDir    string `json:"config_dir" yaml:"config_dir"`
	SyncDir      string `json:"sync_dir" yaml:"sync_dir"`
	ConflictDir  string `json:"conflict_dir" yaml:"conflict_dir"`
	FeedbackDir  string `json:"feedback_dir" yaml:"feedback_dir"`
	AnalyticsDir string `json:"analytics_dir" yaml:"analytics_dir"`
	ModelDir     string `json:"model_dir" yaml:"model_dir"`

	// Scheduler bounds and base for the adaptive interval.
	MinSyncInterval  time.Duration `json:"min_sync_interval" yaml:"min_sync_interval"`
	MaxSyncInterval  time.Duration `json:"max_sync_interval" yaml:"max_sync_interval"`
	BaseSyncInterval time.Duration `json:"base_sync_interval" yaml:"base_sync_interval"`

	// IntervalDeadband suppresses persistence/logging of interval changes
	// smaller than this, to avoid thrashing.
	IntervalDeadband time.Duration `json:"interval_deadband" yaml:"interval_deadband"`

	// Retry policy for batch transmission.
	MaxRetries       int           `json:"max_retries" yaml:"max_retries"`
	RetryBackoffBase time.Duration `json:"retry_backoff_base" yaml:"retry_backoff_base"`

	// ConnectTimeout bounds the health probe; RequestTimeout bounds batch
	// transmission.
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// UsageThreshold is the storage usage fraction above which optimization
	// runs (and above which a large queue triggers it pre-sync).
	UsageThreshold float64 `json:"usage_threshold" yaml:"usage_threshold"`

	// Analytics intervals and anomaly sensitivity.
	TrendInterval    time.Duration `json:"trend_interval" yaml:"trend_interval"`
	AnomalyInterval  time.Duration `json:"anomaly_interval" yaml:"anomaly_interval"`
	AnomalyThreshold float64       `json:"anomaly_threshold" yaml:"anomaly_threshold"`

	// OptimizeInterval is the optimizer's own periodic timer.
	OptimizeInterval time.Duration `json:"optimize_interval" yaml:"optimize_interval"`

	// Policy selects the conflict resolution strategy: "local", "remote",
	// "merge", or "smart" (weighted scoring).
	Policy string `json:"conflict_policy" yaml:"conflict_policy"`

	// Weights for the smart policy. Empirically chosen; kept configurable
	// rather than hard-coded.
	Weights ResolverWeights `json:"resolver_weights" yaml:"resolver_weights"`

	// ModelS3 enables downloading model files whose manifest entries carry
	// s3:// URLs. Credentials come from the default AWS chain.
	ModelS3 S3Settings `json:"model_s3" yaml:"model_s3"`
}

// S3Settings configures the optional S3 model source.
type S3Settings struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Region    string `json:"region" yaml:"region"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	PathStyle bool   `json:"path_style" yaml:"path_style"`
}

// DefaultConfig returns the engine defaults, rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DeviceID:         uuid.NewString(),
		CloudURL:         "https://api.medtranslate.ai",
		ConfigDir:        filepath.Join(dataDir, "config"),
		SyncDir:          filepath.Join(dataDir, "sync"),
		ConflictDir:      filepath.Join(dataDir, "conflicts"),
		FeedbackDir:      filepath.Join(dataDir, "feedback"),
		AnalyticsDir:     filepath.Join(dataDir, "analytics"),
		ModelDir:         filepath.Join(dataDir, "models"),
		MinSyncInterval:  time.Minute,
		MaxSyncInterval:  time.Hour,
		BaseSyncInterval: 5 * time.Minute,
		IntervalDeadband: 30 * time.Second,
		MaxRetries:       5,
		RetryBackoffBase: time.Second,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   15 * time.Second,
		UsageThreshold:   0.7,
		TrendInterval:    15 * time.Minute,
		AnomalyInterval:  5 * time.Minute,
		AnomalyThreshold: 2.5,
		OptimizeInterval: 30 * time.Minute,
		Policy:           "smart",
		Weights:          DefaultResolverWeights(),
	}
}

// LoadConfig builds the effective configuration: defaults, then the YAML
// file at path (if non-empty), then environment overrides.
func LoadConfig(dataDir, path string) (Config, error) {
	cfg := DefaultConfig(dataDir)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("EDGE_SYNC_DEVICE_ID"); v != "" {
		c.DeviceID = v
	}
	if v := os.Getenv("EDGE_SYNC_CLOUD_URL"); v != "" {
		c.CloudURL = v
	}
	if v := os.Getenv("EDGE_SYNC_MIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.MinSyncInterval = d
		}
	}
	if v := os.Getenv("EDGE_SYNC_MAX_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.MaxSyncInterval = d
		}
	}
	if v := os.Getenv("EDGE_SYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("EDGE_SYNC_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RetryBackoffBase = d
		}
	}
	if v := os.Getenv("EDGE_SYNC_ANOMALY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.AnomalyThreshold = f
		}
	}
	if v := os.Getenv("EDGE_SYNC_POLICY"); v != "" {
		c.Policy = v
	}
}

func (c *Config) validate() error {
	if c.MinSyncInterval <= 0 || c.MaxSyncInterval <= 0 {
		return fmt.Errorf("sync interval bounds must be positive")
	}
	if c.MinSyncInterval > c.MaxSyncInterval {
		return fmt.Errorf("min sync interval %v exceeds max %v", c.MinSyncInterval, c.MaxSyncInterval)
	}
	if c.BaseSyncInterval < c.MinSyncInterval || c.BaseSyncInterval > c.MaxSyncInterval {
		return fmt.Errorf("base sync interval %v outside [%v, %v]", c.BaseSyncInterval, c.MinSyncInterval, c.MaxSyncInterval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}
	switch c.Policy {
	case "local", "remote", "merge", "smart":
	default:
		return fmt.Errorf("unknown conflict policy %q", c.Policy)
	}
	return nil
}
