// Package env consolidates all environment variable reading for the application.
// Config overrides are applied only at startup (see config.Load).
package env

import (
	"os"
	"strconv"
	"strings"
)

// Environment variable names
const (
	Host             = "PAGEVIEW_HOST"
	Port             = "PAGEVIEW_PORT"
	LOGLevel         = "LOG_LEVEL"
	CacheDir         = "PAGEVIEW_CACHE_DIR"
	PDFDefaultHeight = "PAGEVIEW_PDF_DEFAULT_HEIGHT"
	SolidBuffer      = "PAGEVIEW_SOLID_BUFFER"
	ImageExtensions  = "PAGEVIEW_IMAGE_EXTENSIONS"
	TZVar            = "TZ"
)

// Config JSON keys returned alongside overrides
const (
	KeyHost             = "host"
	KeyPort             = "port"
	KeyLogLevel         = "log_level"
	KeyCacheDir         = "cache_dir"
	KeyPDFDefaultHeight = "pdf_default_height"
	KeySolidBuffer      = "solid_buffer"
	KeyImageExtensions  = "image_extensions"
)

// TZ returns the TZ environment variable.
func TZ() string {
	return os.Getenv(TZVar)
}

// LogLevel returns LOG_LEVEL with default "INFO" (for early logger init before config).
func LogLevel() string {
	return getEnv(LOGLevel, "INFO")
}

// ConfigOverrides holds all config values that can be set via environment variables.
type ConfigOverrides struct {
	Host             string
	Port             int
	LogLevel         string
	CacheDir         string
	PDFDefaultHeight int
	SolidBuffer      int
	ImageExtensions  []string
}

// ReadConfigOverrides reads the environment once and returns the overrides plus the
// config JSON keys that were set.
func ReadConfigOverrides() (ConfigOverrides, []string) {
	var o ConfigOverrides
	var keys []string

	if v := os.Getenv(Host); v != "" {
		o.Host = v
		keys = append(keys, KeyHost)
	}
	if port, ok := lookupInt(Port); ok {
		o.Port = port
		keys = append(keys, KeyPort)
	}
	if v := os.Getenv(LOGLevel); v != "" {
		o.LogLevel = v
		keys = append(keys, KeyLogLevel)
	}
	if v := os.Getenv(CacheDir); v != "" {
		o.CacheDir = v
		keys = append(keys, KeyCacheDir)
	}
	if h, ok := lookupInt(PDFDefaultHeight); ok {
		o.PDFDefaultHeight = h
		keys = append(keys, KeyPDFDefaultHeight)
	}
	if n, ok := lookupInt(SolidBuffer); ok {
		o.SolidBuffer = n
		keys = append(keys, KeySolidBuffer)
	}
	if v := os.Getenv(ImageExtensions); v != "" {
		o.ImageExtensions = splitList(v)
		if len(o.ImageExtensions) > 0 {
			keys = append(keys, KeyImageExtensions)
		}
	}
	return o, keys
}

// OverrideKeys returns the config JSON keys that have environment overrides set.
func OverrideKeys() []string {
	_, keys := ReadConfigOverrides()
	return keys
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func lookupInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
