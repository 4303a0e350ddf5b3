package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"orchestrator/pkg/logging"
)

const (
	envRoot             = "ORCH_ROOT"
	envDebug            = "DEBUG"
	envPipelineInterval = "PIPELINE_INTERVAL"
	envPathPool         = "ORCH_PATH_POOL"
	envPathScratch      = "ORCH_PATH_SCRATCH"
	envPathAppdata      = "ORCH_PATH_APPDATA"

	defaultPipelineIntervalSeconds = 60
)

// RootDir resolves ORCH_ROOT, defaulting to the current working
// directory when unset.
func RootDir() string {
	if v := os.Getenv(envRoot); v != "" {
		return v
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// DebugEnabled reports whether DEBUG is set to a truthy value.
func DebugEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(envDebug)))
	return v == "1" || v == "true" || v == "yes"
}

// PipelineInterval returns the configured media-worker poll interval in
// seconds, falling back to the default when PIPELINE_INTERVAL is unset
// or unparsable.
func PipelineInterval() int {
	v := os.Getenv(envPipelineInterval)
	if v == "" {
		return defaultPipelineIntervalSeconds
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logging.Warn("config", "ignoring invalid %s=%q, using default of %ds", envPipelineInterval, v, defaultPipelineIntervalSeconds)
		return defaultPipelineIntervalSeconds
	}
	return n
}

// ApplyPathOverrides rewrites cfg.Paths with any ORCH_PATH_* overrides
// present in the environment. Used when the core itself runs inside a
// container and must remap host paths from the config document to the
// container's own mountpoints.
func ApplyPathOverrides(cfg *StackConfig) {
	if v := os.Getenv(envPathPool); v != "" {
		cfg.Paths.Pool = v
	}
	if v := os.Getenv(envPathScratch); v != "" {
		cfg.Paths.Scratch = v
	}
	if v := os.Getenv(envPathAppdata); v != "" {
		cfg.Paths.Appdata = v
	}
}

// Load opens the store at RootDir, migrates any legacy monolithic state
// file, and reads the declarative stack document, writing defaults back
// out if none exists yet. Path overrides from the environment are
// applied after load so validation and rendering see the resolved paths.
func Load() (StackConfig, *Store, error) {
	root := RootDir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return StackConfig{}, nil, fmt.Errorf("create root dir %s: %w", root, err)
	}

	store := NewStore(root)
	if err := store.MigrateLegacyState(); err != nil {
		logging.Warn("config", "legacy state migration failed: %v", err)
	}

	cfg, existed, err := store.LoadConfig()
	if err != nil {
		return StackConfig{}, nil, err
	}
	if !existed {
		logging.Info("config", "no %s found at %s, writing defaults", configFileName, root)
		if err := store.SaveConfig(cfg); err != nil {
			return StackConfig{}, nil, err
		}
	}

	ApplyPathOverrides(&cfg)
	return cfg, store, nil
}

// readSecretFile reads a secret from a file, trimming trailing
// whitespace — mounted Kubernetes/Docker secrets commonly end in a
// newline.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ResolvePasswordFile loads cfg.Services.Qbittorrent.Password from a
// mounted file when the password field itself is empty and a file named
// qbittorrent_password exists in root, next to the stack document.
// This mirrors the teacher's *File secret-resolution pattern, scoped to
// the one credential this config surface accepts directly.
func ResolvePasswordFile(cfg *StackConfig, root string) error {
	if cfg.Services.Qbittorrent.Password != "" {
		return nil
	}
	path := filepath.Join(root, "qbittorrent_password")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	secret, err := readSecretFile(path)
	if err != nil {
		return fmt.Errorf("read qbittorrent password file %s: %w", path, err)
	}
	cfg.Services.Qbittorrent.Password = secret
	logging.Info("config", "loaded qbittorrent password from file")
	return nil
}
