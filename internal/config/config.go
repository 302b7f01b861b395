// Package config loads the handful of knobs a kburn deployment actually
// needs to override: the USB VID/PID pair (for bench setups that re-brand
// the device) and the extraction cache directory. Values come from an
// optional ".env"-style file in the project/working directory, then
// environment variables, which always win.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"kburn/pkg/kburn"
)

// Config holds the process-wide overrides for a kburn run.
type Config struct {
	VID, PID uint16
	CacheDir string
}

var (
	loaded  *Config
	isCached bool
)

// Load reads the override file and environment, caching the result for
// the process lifetime. Safe to call repeatedly; first call wins unless
// Reset is used (tests only).
func Load() (*Config, error) {
	if isCached {
		return loaded, nil
	}

	cfg := &Config{
		VID: kburn.DefaultVID,
		PID: kburn.DefaultPID,
	}

	root := findProjectRoot()
	envPath := filepath.Join(root, ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), cfg)
	}

	if v := os.Getenv("KBURN_VID"); v != "" {
		if n, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 16); err == nil {
			cfg.VID = uint16(n)
		}
	}
	if v := os.Getenv("KBURN_PID"); v != "" {
		if n, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 16); err == nil {
			cfg.PID = uint16(n)
		}
	}
	if v := os.Getenv("KBURN_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "BurnImageItemsCli")
	}

	loaded = cfg
	isCached = true
	return cfg, nil
}

// Reset clears the cached config. Only ever needed by tests that set
// environment variables between calls to Load.
func Reset() {
	loaded = nil
	isCached = false
}

func parseEnvFile(content string, cfg *Config) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "KBURN_VID":
			if n, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 16); err == nil {
				cfg.VID = uint16(n)
			}
		case "KBURN_PID":
			if n, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 16); err == nil {
				cfg.PID = uint16(n)
			}
		case "KBURN_CACHE_DIR":
			cfg.CacheDir = value
		}
	}
}

func findProjectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
