// Package config loads the blockdoc server configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendS3     = "s3"
)

// Config is the full server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Registry  RegistryConfig  `yaml:"registry"`
	UpdateLog UpdateLogConfig `yaml:"updatelog"`
}

// ServerConfig holds listener settings. A zero metrics port disables the
// metrics endpoint.
type ServerConfig struct {
	GrpcPort    int `yaml:"grpc_port"`
	MetricsPort int `yaml:"metrics_port"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// StorageConfig selects where snapshots are kept
type StorageConfig struct {
	Backend string   `yaml:"backend"`
	Path    string   `yaml:"path"`
	S3      S3Config `yaml:"s3"`
}

// S3Config configures the S3 backend
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// RegistryConfig bounds the number of documents held in memory
type RegistryConfig struct {
	CacheSize int `yaml:"cache_size"`
}

// UpdateLogConfig configures the update log. An empty dir disables it.
type UpdateLogConfig struct {
	Dir                string        `yaml:"dir"`
	MaxFileSize        int64         `yaml:"max_file_size"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Server: ServerConfig{
			GrpcPort:    50051,
			MetricsPort: 9090,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		Registry: RegistryConfig{
			CacheSize: 1024,
		},
		UpdateLog: UpdateLogConfig{
			MaxFileSize:        64 << 20,
			CheckpointInterval: 5 * time.Minute,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("load config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting
func (c Config) Validate() error {
	var errs []error
	if c.Server.GrpcPort < 0 || c.Server.GrpcPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GrpcPort))
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("server.metrics_port %d out of range", c.Server.MetricsPort))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the file backend"))
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required for the s3 backend"))
		}
		if c.Storage.S3.Region == "" {
			errs = append(errs, errors.New("storage.s3.region is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be memory, file or s3", c.Storage.Backend))
	}
	if c.Registry.CacheSize < 1 {
		errs = append(errs, errors.New("registry.cache_size must be >= 1"))
	}
	if c.UpdateLog.Dir != "" {
		if c.UpdateLog.MaxFileSize < 1024 {
			errs = append(errs, errors.New("updatelog.max_file_size must be >= 1024"))
		}
		if c.UpdateLog.CheckpointInterval < time.Second {
			errs = append(errs, errors.New("updatelog.checkpoint_interval must be >= 1s"))
		}
	}
	return errors.Join(errs...)
}
