// Package config provides configuration management for SeqGet.
// It handles loading, saving, and validating configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/seqget-project/seqget/internal/storage"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = "config"
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "seqget.config.yaml"

	minConcurrent = 1
	maxConcurrent = 12
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig          `yaml:"server" json:"server"`
	Download DownloadConfig        `yaml:"download" json:"download"`
	Log      LogConfig             `yaml:"log" json:"log"`
	Storage  storage.StorageConfig `yaml:"storage" json:"storage"`
}

// ServerConfig contains HTTP control API configuration
type ServerConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `yaml:"write_timeout" json:"writeTimeout"` // seconds

	AllowedOrigins []string `yaml:"allowed_origins" json:"allowedOrigins"`
}

// DownloadConfig contains download run settings
type DownloadConfig struct {
	Directory          string  `yaml:"directory" json:"directory"`
	MaxConcurrent      int     `yaml:"max_concurrent" json:"maxConcurrent"`
	Timeout            int     `yaml:"timeout" json:"timeout"` // seconds, 0 = none
	UserAgent          string  `yaml:"user_agent" json:"userAgent"`
	ChunkSize          int     `yaml:"chunk_size" json:"chunkSize"` // bytes
	PollIntervalMs     int     `yaml:"poll_interval_ms" json:"pollIntervalMs"`
	RecycleSlots       bool    `yaml:"recycle_slots" json:"recycleSlots"`
	RecycleFailedSlots bool    `yaml:"recycle_failed_slots" json:"recycleFailedSlots"`
	RequestsPerSecond  float64 `yaml:"requests_per_second" json:"requestsPerSecond"` // 0 = unlimited
	SequenceFile       string  `yaml:"sequence_file" json:"sequenceFile"`
	SequenceDir        string  `yaml:"sequence_dir" json:"sequenceDir"` // files the HTTP API may load
	MinFreeMB          int     `yaml:"min_free_mb" json:"minFreeMB"`
}

// PollInterval returns the production loop wait bound
func (d DownloadConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

// TransferTimeout returns the per-transfer timeout
func (d DownloadConfig) TransferTimeout() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`             // debug, info, warn, error
	Format     string `yaml:"format" json:"format"`           // json, text
	Output     string `yaml:"output" json:"output"`           // stdout, file, both
	Directory  string `yaml:"directory" json:"directory"`     // log directory
	MaxSize    int    `yaml:"max_size" json:"maxSize"`        // MB
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"`  // number of backup files
	MaxAge     int    `yaml:"max_age" json:"maxAge"`          // days
	StreamSize int    `yaml:"stream_size" json:"streamSize"` // entries kept for live viewing
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:      false,
			Host:         "127.0.0.1",
			Port:         9290,
			ReadTimeout:  30,
			WriteTimeout: 30,

			AllowedOrigins: []string{},
		},
		Download: DownloadConfig{
			Directory:          "downloads",
			MaxConcurrent:      4,
			Timeout:            60,
			UserAgent:          "SeqGet",
			ChunkSize:          32 * 1024,
			PollIntervalMs:     1000,
			RecycleSlots:       true,
			RecycleFailedSlots: false,
			RequestsPerSecond:  0,
			SequenceFile:       "",
			SequenceDir:        "sequences",
			MinFreeMB:          100,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			Directory:  "logs",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			StreamSize: 1000,
		},
		Storage: storage.StorageConfig{
			Type: storage.StorageTypeMemory,
			SQLite: &storage.SQLiteConfig{
				Path:      filepath.Join("data", "seqget.db"),
				EnableWAL: true,
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Enabled {
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return fmt.Errorf("invalid server port: %d", c.Server.Port)
		}
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts cannot be negative")
	}

	d := c.Download
	if d.Directory == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	if d.MaxConcurrent < minConcurrent || d.MaxConcurrent > maxConcurrent {
		return fmt.Errorf("max concurrent downloads must be between %d and %d, got %d", minConcurrent, maxConcurrent, d.MaxConcurrent)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("download timeout cannot be negative")
	}
	if d.ChunkSize < 0 {
		return fmt.Errorf("chunk size cannot be negative")
	}
	if d.PollIntervalMs < 10 || d.PollIntervalMs > 60000 {
		return fmt.Errorf("poll interval must be between 10 and 60000 ms, got %d", d.PollIntervalMs)
	}
	if d.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative")
	}
	if d.MinFreeMB < 0 {
		return fmt.Errorf("minimum free space cannot be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Output) {
	case "stdout", "file", "both":
	default:
		return fmt.Errorf("invalid log output: %s (must be stdout, file, or both)", c.Log.Output)
	}
	if c.Log.Output != "stdout" && c.Log.Directory == "" {
		return fmt.Errorf("log directory is required for file output")
	}

	switch c.Storage.Type {
	case storage.StorageTypeMemory:
	case storage.StorageTypeSQLite:
		if c.Storage.SQLite == nil || c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite storage requires a path")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or sqlite)", c.Storage.Type)
	}

	return nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	// Allow override via environment variable
	if dir := os.Getenv("SEQGET_CONFIG_DIR"); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// Manager manages configuration loading and saving
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
}

// NewManager creates a configuration manager for the default config file
func NewManager() *Manager {
	return NewManagerWithPath(filepath.Join(GetConfigDir(), DefaultConfigFile))
}

// NewManagerWithPath creates a new configuration manager with a custom config path
func NewManagerWithPath(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

// GetConfigPath returns the main configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
