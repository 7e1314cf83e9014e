// Package config resolves client settings.
// Priority for every setting: FITSYNC_* env > ~/.config/fitsync/config.json > default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// RemoteConfig locates the remote table API.
type RemoteConfig struct {
	URL    string `json:"url,omitempty"`
	APIKey string `json:"api_key,omitempty"`
}

// SyncConfig tunes the executor and periodic sync. Durations are strings
// such as "500ms" or "5m".
type SyncConfig struct {
	InnerAttempts *int   `json:"inner_attempts,omitempty"`
	MaxAttempts   *int   `json:"max_attempts,omitempty"`
	BackoffBase   string `json:"backoff_base,omitempty"`
	BackoffMax    string `json:"backoff_max,omitempty"`
	AutoInterval  string `json:"auto_interval,omitempty"`
	MinInterval   string `json:"min_interval,omitempty"`
	OnStart       *bool  `json:"on_start,omitempty"`
}

// ConnectivityConfig selects how connectivity is observed.
type ConnectivityConfig struct {
	Mode          string `json:"mode,omitempty"` // "probe" or "websocket"
	ProbeInterval string `json:"probe_interval,omitempty"`
}

// LogConfig controls the process log handler.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "text" or "json"
}

// Config is the file at ~/.config/fitsync/config.json.
type Config struct {
	OwnerID      string             `json:"owner_id,omitempty"`
	DataDir      string             `json:"data_dir,omitempty"`
	CatalogPath  string             `json:"catalog_path,omitempty"`
	Remote       RemoteConfig       `json:"remote"`
	Sync         SyncConfig         `json:"sync"`
	Connectivity ConnectivityConfig `json:"connectivity"`
	Log          LogConfig          `json:"log"`
}

const (
	defaultRemoteURL     = "http://localhost:8080"
	defaultInnerAttempts = 3
	defaultMaxAttempts   = 3
	defaultBackoffBase   = 500 * time.Millisecond
	defaultBackoffMax    = 8 * time.Second
	defaultAutoInterval  = 5 * time.Minute
	defaultMinInterval   = 30 * time.Second
	defaultProbeInterval = 15 * time.Second
)

// Dir returns the config directory, creating it if necessary.
// FITSYNC_CONFIG_DIR overrides the default of ~/.config/fitsync.
func Dir() (string, error) {
	dir := os.Getenv("FITSYNC_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "fitsync")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Load reads the config file. A missing file yields an empty config.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config file atomically (temp file + rename).
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "config-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, "config.json"))
}

// loadOrEmpty never fails; getters fall back to defaults on a bad file.
func loadOrEmpty() *Config {
	cfg, err := Load()
	if err != nil {
		return &Config{}
	}
	return cfg
}

// Keys lists the settable keys in display order.
var Keys = []string{
	"owner_id", "data_dir", "catalog_path",
	"remote.url", "remote.api_key",
	"sync.inner_attempts", "sync.max_attempts", "sync.backoff_base", "sync.backoff_max",
	"sync.auto_interval", "sync.min_interval", "sync.on_start",
	"connectivity.mode", "connectivity.probe_interval",
	"log.level", "log.format",
}

// Set validates value and stores it under key in the config file.
func Set(key, value string) error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	switch key {
	case "owner_id":
		cfg.OwnerID = value
	case "data_dir":
		cfg.DataDir = value
	case "catalog_path":
		cfg.CatalogPath = value
	case "remote.url":
		cfg.Remote.URL = value
	case "remote.api_key":
		cfg.Remote.APIKey = value
	case "sync.inner_attempts", "sync.max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("%s: want a positive integer, got %q", key, value)
		}
		if key == "sync.inner_attempts" {
			cfg.Sync.InnerAttempts = &n
		} else {
			cfg.Sync.MaxAttempts = &n
		}
	case "sync.backoff_base", "sync.backoff_max", "sync.auto_interval", "sync.min_interval", "connectivity.probe_interval":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		switch key {
		case "sync.backoff_base":
			cfg.Sync.BackoffBase = value
		case "sync.backoff_max":
			cfg.Sync.BackoffMax = value
		case "sync.auto_interval":
			cfg.Sync.AutoInterval = value
		case "sync.min_interval":
			cfg.Sync.MinInterval = value
		default:
			cfg.Connectivity.ProbeInterval = value
		}
	case "sync.on_start":
		b, ok := parseBool(value)
		if !ok {
			return fmt.Errorf("%s: want true or false, got %q", key, value)
		}
		cfg.Sync.OnStart = &b
	case "connectivity.mode":
		if value != "probe" && value != "websocket" {
			return fmt.Errorf("%s: want probe or websocket, got %q", key, value)
		}
		cfg.Connectivity.Mode = value
	case "log.level":
		cfg.Log.Level = value
	case "log.format":
		if value != "text" && value != "json" {
			return fmt.Errorf("%s: want text or json, got %q", key, value)
		}
		cfg.Log.Format = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return Save(cfg)
}

// GetRemoteURL returns the remote API base URL.
func GetRemoteURL() string {
	return stringSetting("FITSYNC_REMOTE_URL", loadOrEmpty().Remote.URL, defaultRemoteURL)
}

// GetAPIKey returns the bearer key sent to the remote API, if any.
func GetAPIKey() string {
	return stringSetting("FITSYNC_API_KEY", loadOrEmpty().Remote.APIKey, "")
}

// GetOwnerID returns the user actions are attributed to.
func GetOwnerID() string {
	return stringSetting("FITSYNC_OWNER", loadOrEmpty().OwnerID, "guest")
}

// GetDataDir returns where the local store lives. Defaults to <config dir>/data.
func GetDataDir() string {
	if v := stringSetting("FITSYNC_DATA_DIR", loadOrEmpty().DataDir, ""); v != "" {
		return v
	}
	dir, err := Dir()
	if err != nil {
		return filepath.Join(os.TempDir(), "fitsync")
	}
	return filepath.Join(dir, "data")
}

// GetCatalogPath returns a catalog override file, or "" for the built-in one.
func GetCatalogPath() string {
	return stringSetting("FITSYNC_CATALOG", loadOrEmpty().CatalogPath, "")
}

// GetInnerAttempts returns the per-drain retry bound for one action.
func GetInnerAttempts() int {
	return intSetting("FITSYNC_SYNC_INNER_ATTEMPTS", loadOrEmpty().Sync.InnerAttempts, defaultInnerAttempts)
}

// GetMaxAttempts returns how many drains an action survives.
func GetMaxAttempts() int {
	return intSetting("FITSYNC_SYNC_MAX_ATTEMPTS", loadOrEmpty().Sync.MaxAttempts, defaultMaxAttempts)
}

// GetBackoffBase returns the first retry delay.
func GetBackoffBase() time.Duration {
	return durationSetting("FITSYNC_SYNC_BACKOFF_BASE", loadOrEmpty().Sync.BackoffBase, defaultBackoffBase)
}

// GetBackoffMax returns the retry delay cap.
func GetBackoffMax() time.Duration {
	return durationSetting("FITSYNC_SYNC_BACKOFF_MAX", loadOrEmpty().Sync.BackoffMax, defaultBackoffMax)
}

// GetAutoSyncInterval returns the periodic sync interval. Zero disables it.
func GetAutoSyncInterval() time.Duration {
	return durationSetting("FITSYNC_SYNC_AUTO_INTERVAL", loadOrEmpty().Sync.AutoInterval, defaultAutoInterval)
}

// GetMinSyncInterval returns how recent a successful sync must be for a
// periodic one to be skipped.
func GetMinSyncInterval() time.Duration {
	return durationSetting("FITSYNC_SYNC_MIN_INTERVAL", loadOrEmpty().Sync.MinInterval, defaultMinInterval)
}

// GetSyncOnStart returns whether a drain runs when the service starts.
func GetSyncOnStart() bool {
	if v, ok := parseBool(os.Getenv("FITSYNC_SYNC_ON_START")); ok {
		return v
	}
	if p := loadOrEmpty().Sync.OnStart; p != nil {
		return *p
	}
	return true
}

// GetConnectivityMode returns "probe" or "websocket".
func GetConnectivityMode() string {
	mode := stringSetting("FITSYNC_CONNECTIVITY", loadOrEmpty().Connectivity.Mode, "probe")
	if mode != "websocket" {
		return "probe"
	}
	return mode
}

// GetProbeInterval returns the health probe period.
func GetProbeInterval() time.Duration {
	return durationSetting("FITSYNC_PROBE_INTERVAL", loadOrEmpty().Connectivity.ProbeInterval, defaultProbeInterval)
}

// GetLogLevel returns the configured log level name.
func GetLogLevel() string {
	return stringSetting("FITSYNC_LOG_LEVEL", loadOrEmpty().Log.Level, "info")
}

// GetLogFormat returns "text" or "json".
func GetLogFormat() string {
	return stringSetting("FITSYNC_LOG_FORMAT", loadOrEmpty().Log.Format, "text")
}

func stringSetting(env, fromFile, def string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	if fromFile != "" {
		return fromFile
	}
	return def
}

func intSetting(env string, fromFile *int, def int) int {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if fromFile != nil && *fromFile > 0 {
		return *fromFile
	}
	return def
}

func durationSetting(env, fromFile string, def time.Duration) time.Duration {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d
		}
	}
	if fromFile != "" {
		if d, err := time.ParseDuration(fromFile); err == nil && d >= 0 {
			return d
		}
	}
	return def
}

// parseBool accepts 1/0/true/false, case-insensitively.
func parseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true":
		return true, true
	case "0", "false":
		return false, true
	}
	return false, false
}

// Get returns the effective value for key after env and default resolution.
func Get(key string) (string, error) {
	switch key {
	case "owner_id":
		return GetOwnerID(), nil
	case "data_dir":
		return GetDataDir(), nil
	case "catalog_path":
		return GetCatalogPath(), nil
	case "remote.url":
		return GetRemoteURL(), nil
	case "remote.api_key":
		if GetAPIKey() == "" {
			return "", nil
		}
		return "********", nil
	case "sync.inner_attempts":
		return strconv.Itoa(GetInnerAttempts()), nil
	case "sync.max_attempts":
		return strconv.Itoa(GetMaxAttempts()), nil
	case "sync.backoff_base":
		return GetBackoffBase().String(), nil
	case "sync.backoff_max":
		return GetBackoffMax().String(), nil
	case "sync.auto_interval":
		return GetAutoSyncInterval().String(), nil
	case "sync.min_interval":
		return GetMinSyncInterval().String(), nil
	case "sync.on_start":
		return strconv.FormatBool(GetSyncOnStart()), nil
	case "connectivity.mode":
		return GetConnectivityMode(), nil
	case "connectivity.probe_interval":
		return GetProbeInterval().String(), nil
	case "log.level":
		return GetLogLevel(), nil
	case "log.format":
		return GetLogFormat(), nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}
