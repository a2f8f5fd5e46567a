package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// LimitsConfig bounds zip processing. The import and export call sites use
// different ceilings on purpose, so both are configurable.
type LimitsConfig struct {
	MaxEntryBytes int64 `yaml:"max_entry_bytes"`
	MaxTotalBytes int64 `yaml:"max_total_bytes"`
	MaxEntries    int   `yaml:"max_entries"`
}

type FetcherConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	MaxRedirects     int           `yaml:"max_redirects"`
	MaxArchiveBytes  int64         `yaml:"max_archive_bytes"`
	MaxSnapshotBytes int64         `yaml:"max_snapshot_bytes"`
}

type StorageConfig struct {
	RootDir string `yaml:"root_dir"`
}

type ExportConfig struct {
	Prefix         string        `yaml:"prefix"`
	HTMLSourcePath string        `yaml:"html_source_path"`
	PublicRoot     string        `yaml:"public_root"`
	ComposeProject string        `yaml:"compose_project"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxRedirects   int           `yaml:"max_redirects"`
	MaxLogoBytes   int64         `yaml:"max_logo_bytes"`
	Limits         LimitsConfig  `yaml:"limits"`
}

type Config struct {
	Listen       string        `yaml:"listen"`
	RedisURL     string        `yaml:"redis_url"`
	LogLevel     string        `yaml:"log_level"`
	Fetcher      FetcherConfig `yaml:"fetcher"`
	ImportLimits LimitsConfig  `yaml:"import_limits"`
	Storage      StorageConfig `yaml:"storage"`
	Export       ExportConfig  `yaml:"export"`
}

func (c *Config) SetDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://localhost:6379/0"
	}
	if c.LogLevel == "" {
		c.LogLevel = LogLevelInfo
	}

	if c.Fetcher.ConnectTimeout <= 0 {
		c.Fetcher.ConnectTimeout = 5 * time.Second
	}
	if c.Fetcher.ReadTimeout <= 0 {
		c.Fetcher.ReadTimeout = 60 * time.Second
	}
	if c.Fetcher.MaxRedirects <= 0 {
		c.Fetcher.MaxRedirects = 5
	}
	if c.Fetcher.MaxArchiveBytes <= 0 {
		c.Fetcher.MaxArchiveBytes = 200 << 20
	}
	if c.Fetcher.MaxSnapshotBytes <= 0 {
		c.Fetcher.MaxSnapshotBytes = 120 << 20
	}

	if c.ImportLimits.MaxEntryBytes <= 0 {
		c.ImportLimits.MaxEntryBytes = 50 << 20
	}
	if c.ImportLimits.MaxTotalBytes <= 0 {
		c.ImportLimits.MaxTotalBytes = 200 << 20
	}
	if c.ImportLimits.MaxEntries <= 0 {
		c.ImportLimits.MaxEntries = 10000
	}

	if c.Storage.RootDir == "" {
		c.Storage.RootDir = "storage/services"
	}

	if c.Export.Prefix == "" {
		c.Export.Prefix = "ctf01d_package"
	}
	if c.Export.ComposeProject == "" {
		c.Export.ComposeProject = "ctf01d_game"
	}
	if c.Export.ConnectTimeout <= 0 {
		c.Export.ConnectTimeout = 5 * time.Second
	}
	if c.Export.ReadTimeout <= 0 {
		c.Export.ReadTimeout = 10 * time.Second
	}
	if c.Export.MaxRedirects <= 0 {
		c.Export.MaxRedirects = 5
	}
	if c.Export.MaxLogoBytes <= 0 {
		c.Export.MaxLogoBytes = 5 << 20
	}
	if c.Export.Limits.MaxEntryBytes <= 0 {
		c.Export.Limits.MaxEntryBytes = 200 << 20
	}
	if c.Export.Limits.MaxTotalBytes <= 0 {
		c.Export.Limits.MaxTotalBytes = 500 << 20
	}
	if c.Export.Limits.MaxEntries <= 0 {
		c.Export.Limits.MaxEntries = 10000
	}
}

// MustLoad reads the yaml config file, applies .env and environment
// overrides and panics on failure. Deployment-specific values work without a
// config file at all.
func MustLoad(path string) *Config {
	_ = godotenv.Load()

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				panic(fmt.Sprintf("cannot read config file %s: %s", path, err))
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			panic(fmt.Sprintf("cannot parse config file %s: %s", path, err))
		}
	}

	if v := os.Getenv("LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SERVICES_STORAGE_DIR"); v != "" {
		cfg.Storage.RootDir = v
	}

	cfg.SetDefaults()

	return cfg
}
