// Package config loads the evaluator configuration from an optional YAML file
// with FSD_* environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Generator GeneratorConfig `yaml:"generator"`
	Tally     TallyConfig     `yaml:"tally"`
	Cache     CacheConfig     `yaml:"cache"`
	Figure    FigureConfig    `yaml:"figure"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ModelConfig locates the segmentation model and selects the backend it
// runs on.
type ModelConfig struct {
	Path           string `yaml:"path"`
	MetadataPath   string `yaml:"metadataPath"`
	RuntimeLibrary string `yaml:"runtimeLibrary"`
	Backend        string `yaml:"backend"`
	DeviceID       int    `yaml:"deviceId"`
	IntraOpThreads int    `yaml:"intraOpThreads"`
}

// GeneratorConfig locates an optional generative model to evaluate in place
// of a generated-image directory.
type GeneratorConfig struct {
	Path         string `yaml:"path"`
	MetadataPath string `yaml:"metadataPath"`
}

// TallyConfig controls sampling and batching.
type TallyConfig struct {
	Size      int     `yaml:"size"`
	BatchSize int     `yaml:"batchSize"`
	Seed      int64   `yaml:"seed"`
	Workers   int     `yaml:"workers"`
	ImageSize int     `yaml:"imageSize"`
	Scale     float64 `yaml:"scale"`
}

// CacheConfig selects where tallies are cached. An empty Dir with the file
// backend disables caching.
type CacheConfig struct {
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection parameters for the redis cache backend.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// FigureConfig controls the optional diff figure.
type FigureConfig struct {
	Output     string  `yaml:"output"`
	LabelCount int     `yaml:"labelCount"`
	MaxScale   float64 `yaml:"maxScale"`
	DPI        float64 `yaml:"dpi"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus textfile written at the end of a run.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

const (
	CacheBackendFile  = "file"
	CacheBackendRedis = "redis"
)

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Path:         "models/segmenter.onnx",
			MetadataPath: "models/segmenter_metadata.json",
			Backend:      "cpu",
		},
		Tally: TallyConfig{
			Size:      10000,
			BatchSize: 10,
			Seed:      1,
			Workers:   10,
			ImageSize: 256,
			Scale:     100,
		},
		Cache: CacheConfig{
			Backend: CacheBackendFile,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 4,
				Prefix:   "fsd:",
			},
		},
		Figure: FigureConfig{
			LabelCount: 30,
			MaxScale:   50.0,
			DPI:        100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects values no run could succeed with.
func (c *Config) Validate() error {
	if c.Tally.Size < 0 {
		return fmt.Errorf("tally.size must not be negative, got %d", c.Tally.Size)
	}
	if c.Tally.BatchSize <= 0 {
		return fmt.Errorf("tally.batchSize must be positive, got %d", c.Tally.BatchSize)
	}
	if c.Tally.Scale <= 0 {
		return fmt.Errorf("tally.scale must be positive, got %v", c.Tally.Scale)
	}
	if c.Tally.ImageSize <= 0 {
		return fmt.Errorf("tally.imageSize must be positive, got %d", c.Tally.ImageSize)
	}
	switch c.Cache.Backend {
	case CacheBackendFile, CacheBackendRedis:
	default:
		return fmt.Errorf("cache.backend must be %q or %q, got %q", CacheBackendFile, CacheBackendRedis, c.Cache.Backend)
	}
	if c.Figure.LabelCount <= 0 {
		return fmt.Errorf("figure.labelCount must be positive, got %d", c.Figure.LabelCount)
	}
	return nil
}

// applyEnvOverrides reads FSD_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("FSD_MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := os.Getenv("FSD_MODEL_METADATA"); v != "" {
		cfg.Model.MetadataPath = v
	}
	if v := os.Getenv("FSD_ONNXRUNTIME_LIB"); v != "" {
		cfg.Model.RuntimeLibrary = v
	}
	if v := os.Getenv("FSD_BACKEND"); v != "" {
		cfg.Model.Backend = v
	}
	if v := os.Getenv("FSD_DEVICE_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FSD_DEVICE_ID must be an integer, got %q", v)
		}
		cfg.Model.DeviceID = id
	}
	if v := os.Getenv("FSD_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("FSD_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("FSD_REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := os.Getenv("FSD_REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	if v := os.Getenv("FSD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FSD_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("FSD_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.Textfile = v
	}
	return nil
}
