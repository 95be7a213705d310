package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all triflowd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	MetricsAddr string `json:"metrics_addr"`
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"` // json | text
	PoolSize    int    `json:"pool_size"`

	// CanaryFailureThreshold is the number of consecutive bad canary
	// judgments before automatic rollback. Zero keeps the default.
	CanaryFailureThreshold int `json:"canary_failure_threshold"`

	// VaultPassphrase enables the secrets vault (secret:// references in
	// action credentials). Empty disables it.
	VaultPassphrase string `json:"vault_passphrase"`
	VaultSalt       string `json:"vault_salt"`
}

func defaultConfig() Config {
	return Config{
		MetricsAddr: ":9464",
		DBPath:      filepath.Join(triflowDir(), "triflow.db"),
		LogLevel:    "info",
		LogFormat:   "json",
		PoolSize:    8,
		VaultSalt:   "triflow-vault",
	}
}

func triflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".triflow"
	}
	return filepath.Join(home, ".triflow")
}

func settingsPath() string {
	return filepath.Join(triflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TRIFLOW_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("TRIFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TRIFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TRIFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("TRIFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("TRIFLOW_CANARY_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CanaryFailureThreshold = n
		}
	}
	if v := os.Getenv("TRIFLOW_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("TRIFLOW_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}

	return cfg
}
