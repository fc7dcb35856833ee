package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pageview/pkg/env"
	"pageview/pkg/logger"
	"pageview/pkg/paths"
)

// Config holds application configuration
type Config struct {
	// Transport settings
	Host     string `json:"host"`
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`

	// Page cache root. Empty means <data dir>/cache.
	CacheDir string `json:"cache_dir"`

	// ImageExtensions lists the file extensions (without dot) treated as pages.
	ImageExtensions []string `json:"image_extensions"`

	// IgnoredDirs are directory names skipped when a plain directory is opened.
	IgnoredDirs []string `json:"ignored_dirs"`

	// PDFDefaultHeight is the raster height for rendered PDF pages that carry no embedded image.
	PDFDefaultHeight int `json:"pdf_default_height"`

	// SolidBuffer bounds the channel between a sequential decoder and its consumer.
	SolidBuffer int `json:"solid_buffer"`

	// Internal - where was this config loaded from?
	LoadedPath string `json:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:             "127.0.0.1",
		Port:             7410,
		LogLevel:         "INFO",
		ImageExtensions:  []string{"jpg", "jpeg", "png", "bmp", "gif", "webp", "ico"},
		IgnoredDirs:      []string{"__MACOSX", ".git", "@eaDir", ".thumbnails", "$RECYCLE.BIN"},
		PDFDefaultHeight: 2000,
		SolidBuffer:      200,
	}
}

// Load is intended for startup only. It loads configuration from config.json,
// applies environment variable overrides once, then saves the merged config.
// Priority: Environment variables (if not empty) > config.json > defaults
func Load() (*Config, error) {
	dataDir := paths.GetDataDir()
	configPath := filepath.Join(dataDir, "config.json")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		logger.Warn("Failed to create data directory", "dir", dataDir, "err", err)
	}

	cfg := Default()
	cfg.LoadedPath = configPath

	if err := cfg.LoadFile(configPath); err != nil {
		if os.IsNotExist(err) {
			logger.Info("No config found, creating new one", "path", configPath)
		} else {
			logger.Warn("Failed to load config, using defaults", "path", configPath, "err", err)
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	overrides, keys := env.ReadConfigOverrides()
	ApplyEnvOverrides(cfg, overrides, keys)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.Save(); err != nil {
		logger.Warn("Failed to save config on startup", "err", err)
	} else {
		logger.Debug("Saved merged configuration", "path", configPath)
	}

	return cfg, nil
}

// LoadFile overrides config with values from a JSON file
func (c *Config) LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(c)
}

// Validate rejects values the rest of the application cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if len(c.ImageExtensions) == 0 {
		errs = append(errs, errors.New("image_extensions must not be empty"))
	}
	if c.PDFDefaultHeight <= 0 {
		errs = append(errs, fmt.Errorf("pdf_default_height must be positive, got %d", c.PDFDefaultHeight))
	}
	if c.SolidBuffer <= 0 {
		errs = append(errs, fmt.Errorf("solid_buffer must be positive, got %d", c.SolidBuffer))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CacheRoot resolves the page cache root directory.
func (c *Config) CacheRoot() string {
	if strings.TrimSpace(c.CacheDir) != "" {
		return c.CacheDir
	}
	return paths.DefaultCacheRoot()
}

// ListenAddr is the host:port the transport binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Save saves the current configuration to the file it was loaded from
func (c *Config) Save() error {
	path := c.LoadedPath
	if path == "" {
		path = "config.json"
	}
	return c.SaveFile(path)
}

// SaveFile saves the current configuration to a JSON file
func (c *Config) SaveFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(c)
}

func keySet(list []string, s string) bool {
	for _, k := range list {
		if k == s {
			return true
		}
	}
	return false
}

// ApplyEnvOverrides applies environment-derived overrides to cfg (used at startup only).
// Only fields present in keys are applied, so env vars override file values per setting.
func ApplyEnvOverrides(cfg *Config, o env.ConfigOverrides, keys []string) {
	if keySet(keys, env.KeyHost) {
		cfg.Host = o.Host
	}
	if keySet(keys, env.KeyPort) {
		cfg.Port = o.Port
	}
	if keySet(keys, env.KeyLogLevel) {
		cfg.LogLevel = o.LogLevel
	}
	if keySet(keys, env.KeyCacheDir) {
		cfg.CacheDir = o.CacheDir
	}
	if keySet(keys, env.KeyPDFDefaultHeight) {
		cfg.PDFDefaultHeight = o.PDFDefaultHeight
	}
	if keySet(keys, env.KeySolidBuffer) {
		cfg.SolidBuffer = o.SolidBuffer
	}
	if keySet(keys, env.KeyImageExtensions) {
		cfg.ImageExtensions = append([]string(nil), o.ImageExtensions...)
	}
}

// GetEnvOverrideKeys returns config JSON keys that have environment variable overrides set.
func GetEnvOverrideKeys() []string {
	return env.OverrideKeys()
}
