// Package config loads unthin configuration from defaults, an optional
// TOML or YAML file and UNTHIN_* environment variables, in increasing
// precedence.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/meigma/unthin/statuscache"
	"github.com/meigma/unthin/storage/local"
)

// EnvPrefix prefixes every environment variable. Nested keys join with
// underscores: storage.local.dir is UNTHIN_STORAGE_LOCAL_DIR.
const EnvPrefix = "UNTHIN"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid")

// Config is the full unthin configuration.
type Config struct {
	Download   DownloadConfig   `mapstructure:"download"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Validation ValidationConfig `mapstructure:"validation"`
	Log        LogConfig        `mapstructure:"log"`
}

// DownloadConfig configures the dependency downloader.
type DownloadConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Tries          int           `mapstructure:"tries"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
	Workers   int     `mapstructure:"workers"`
	MaxBytes  int64   `mapstructure:"max_bytes"`
	Netrc     bool    `mapstructure:"netrc"`
}

// StorageConfig selects and configures the blob storage backend.
type StorageConfig struct {
	Type    string `mapstructure:"type"`
	Workers int    `mapstructure:"workers"`
	// ExistenceCacheTTL enables the in-process existence cache when positive.
	ExistenceCacheTTL time.Duration `mapstructure:"existence_cache_ttl"`

	Local LocalConfig `mapstructure:"local"`
	OCI   OCIConfig   `mapstructure:"oci"`
}

// LocalConfig configures the local-disk backend.
type LocalConfig struct {
	Dir               string        `mapstructure:"dir"`
	Compression       string        `mapstructure:"compression"`
	StaleWriteTimeout time.Duration `mapstructure:"stale_write_timeout"`
}

// OCIConfig configures the registry backend.
type OCIConfig struct {
	Repository   string `mapstructure:"repository"`
	PlainHTTP    bool   `mapstructure:"plain_http"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	DockerConfig bool   `mapstructure:"docker_config"`
}

// DatabaseConfig configures the validation status cache.
type DatabaseConfig struct {
	Driver    string `mapstructure:"driver"`
	DSN       string `mapstructure:"dsn"`
	Migrate   bool   `mapstructure:"migrate"`
	MaxParams int    `mapstructure:"max_params"`
}

// ValidationConfig configures the built-in denylist validator.
type ValidationConfig struct {
	Remove []string `mapstructure:"remove"`
	Reject []string `mapstructure:"reject"`
}

// LogConfig configures logging.
type LogConfig struct {
	JSON       bool   `mapstructure:"json"`
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Storage backend types.
const (
	StorageLocal = "local"
	StorageOCI   = "oci"
)

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("download.base_url", "")
	v.SetDefault("download.tries", 2)
	v.SetDefault("download.attempt_timeout", 2*time.Minute)
	v.SetDefault("download.rate_limit", 0.0)
	v.SetDefault("download.burst", 1)
	v.SetDefault("download.workers", 4)
	v.SetDefault("download.max_bytes", int64(0))
	v.SetDefault("download.netrc", false)

	v.SetDefault("storage.type", StorageLocal)
	v.SetDefault("storage.workers", 4)
	v.SetDefault("storage.existence_cache_ttl", time.Duration(0))
	v.SetDefault("storage.local.dir", "unthin-storage")
	v.SetDefault("storage.local.compression", "none")
	v.SetDefault("storage.local.stale_write_timeout", time.Hour)
	v.SetDefault("storage.oci.repository", "")
	v.SetDefault("storage.oci.plain_http", false)
	v.SetDefault("storage.oci.username", "")
	v.SetDefault("storage.oci.password", "")
	v.SetDefault("storage.oci.docker_config", false)

	v.SetDefault("database.driver", string(statuscache.SQLite))
	v.SetDefault("database.dsn", "unthin.db")
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.max_params", 900)

	v.SetDefault("validation.remove", []string{})
	v.SetDefault("validation.reject", []string{})

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", false)
}

// NewViper returns a viper instance with defaults and environment binding.
// When path is non-empty the file is read; its format follows the
// extension and defaults to TOML.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	return v, nil
}

// Load reads configuration and validates it.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	if c.Download.BaseURL == "" {
		return errors.Wrap(ErrInvalid, "download.base_url is required")
	}
	if c.Download.Tries < 1 {
		return errors.Wrapf(ErrInvalid, "download.tries must be at least 1, got %d", c.Download.Tries)
	}
	if c.Download.Workers < 1 || c.Storage.Workers < 1 {
		return errors.Wrap(ErrInvalid, "download.workers and storage.workers must be at least 1")
	}
	if c.Download.RateLimit < 0 {
		return errors.Wrap(ErrInvalid, "download.rate_limit must not be negative")
	}

	switch c.Storage.Type {
	case StorageLocal:
		if c.Storage.Local.Dir == "" {
			return errors.Wrap(ErrInvalid, "storage.local.dir is required")
		}
		if _, err := local.ParseCompression(c.Storage.Local.Compression); err != nil {
			return errors.Mark(errors.Wrap(err, "storage.local.compression"), ErrInvalid)
		}
	case StorageOCI:
		if c.Storage.OCI.Repository == "" {
			return errors.Wrap(ErrInvalid, "storage.oci.repository is required")
		}
	default:
		return errors.Wrapf(ErrInvalid, "storage.type %q is not one of %s, %s", c.Storage.Type, StorageLocal, StorageOCI)
	}

	if _, err := statuscache.ParseDialect(c.Database.Driver); err != nil {
		return errors.Mark(errors.Wrap(err, "database.driver"), ErrInvalid)
	}
	if c.Database.DSN == "" {
		return errors.Wrap(ErrInvalid, "database.dsn is required")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Mark(errors.Wrap(err, "log.level"), ErrInvalid)
	}
	return nil
}
