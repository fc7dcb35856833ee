package paths

import (
	"os"
	"path/filepath"
)

// DataDirEnv overrides the data directory when set.
const DataDirEnv = "PAGEVIEW_DATA_DIR"

// GetDataDir returns the data directory path.
// PAGEVIEW_DATA_DIR wins; inside Docker (/.dockerenv exists) it is /app/data, otherwise ".".
func GetDataDir() string {
	if v := os.Getenv(DataDirEnv); v != "" {
		return v
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "/app/data"
	}
	return "."
}

// DefaultCacheRoot is the page cache root used when the config leaves cache_dir empty.
func DefaultCacheRoot() string {
	return filepath.Join(GetDataDir(), "cache")
}
