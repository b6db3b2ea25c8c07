// Package config loads and saves the Flasharr daemon's configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	KB = 1024
	MB = 1024 * KB
)

// Config holds every option recognized by the Flasharr daemon, as
// enumerated in the daemon's configuration options.
type Config struct {
	// General
	StateDir         string `json:"state_dir"`
	DownloadDir      string `json:"download_directory"`
	StagingDir       string `json:"staging_directory"`
	ListenAddr       string `json:"listen_addr"`
	APIToken         string `json:"api_token"`
	LogLevel         string `json:"log_level"`
	LogJSON          bool   `json:"log_json"`

	// Scheduler / concurrency
	MaxGlobalConcurrentTasks  int `json:"max_global_concurrent_tasks"`
	MaxConcurrentPerAccount   int `json:"max_concurrent_per_account"`

	// Segmented transfer tuning
	SegmentsPerTask        int           `json:"segments_per_task"`
	MinSegmentSizeBytes    int64         `json:"min_segment_size_bytes"`
	MaxSegmentSizeBytes    int64         `json:"max_segment_size_bytes"`
	NetworkBlockSizeBytes  int           `json:"network_block_size_bytes"`
	ConnectTimeout         time.Duration `json:"connect_timeout"`
	ReadIdleTimeout        time.Duration `json:"read_idle_timeout"`
	SegmentRetryMax        int           `json:"segment_retry_max"`
	TaskRetryBaseSeconds   float64       `json:"task_retry_base_seconds"`
	TaskRetryCapSeconds    float64       `json:"task_retry_cap_seconds"`
	StallTimeout           time.Duration `json:"stall_timeout"`
	SlowWorkerThreshold    float64       `json:"slow_worker_threshold"`
	SlowWorkerGracePeriod  time.Duration `json:"slow_worker_grace_period"`
	SpeedEMAAlpha          float64       `json:"speed_ema_alpha"`
	MinAbsoluteSpeedBytes  int64         `json:"min_absolute_speed_bytes"`

	// Event bus
	EventSubscriberRingSize int `json:"event_bus_subscriber_ring_size"`

	// Networking
	UserAgent  string `json:"user_agent"`
	ProxyURL   string `json:"proxy_url"`
	SkipTLSVerify bool `json:"skip_tls_verify"`

	// Host Client wiring (field mapping for the concrete provider this
	// daemon is pointed at; the protocol itself is out of scope)
	HostBaseURL    string `json:"host_base_url"`
	HostResolvePath string `json:"host_resolve_path"`
	HostLoginPath   string `json:"host_login_path"`
	HostRefreshPath string `json:"host_refresh_path"`

	// Quota
	QuotaWindowTimezone string `json:"quota_window_timezone"`
}

// DefaultConfig returns a Config populated with the daemon's defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	state := filepath.Join(home, ".flasharr")

	return &Config{
		StateDir:    state,
		DownloadDir: filepath.Join(home, "Downloads", "flasharr"),
		StagingDir:  filepath.Join(state, "staging"),
		ListenAddr:  "127.0.0.1:8642",
		LogLevel:    "info",
		LogJSON:     false,

		MaxGlobalConcurrentTasks: 3,
		MaxConcurrentPerAccount:  2,

		SegmentsPerTask:       4,
		MinSegmentSizeBytes:   16 * MB,
		MaxSegmentSizeBytes:   16 * MB,
		NetworkBlockSizeBytes: 256 * KB,
		ConnectTimeout:        15 * time.Second,
		ReadIdleTimeout:       60 * time.Second,
		SegmentRetryMax:       6,
		TaskRetryBaseSeconds:  30,
		TaskRetryCapSeconds:   600,
		StallTimeout:          5 * time.Second,
		SlowWorkerThreshold:   0.50,
		SlowWorkerGracePeriod: 5 * time.Second,
		SpeedEMAAlpha:         0.3,
		MinAbsoluteSpeedBytes: 100 * KB,

		EventSubscriberRingSize: 256,

		UserAgent: "",

		HostResolvePath: "/api/resolve",
		HostLoginPath:   "/api/login",
		HostRefreshPath: "/api/refresh",

		QuotaWindowTimezone: "Local",
	}
}

// Path returns the path to the config file inside dir.
func Path(dir string) string {
	return filepath.Join(dir, "flasharr.json")
}

// Load reads the config file at path, falling back to defaults for any
// field missing from the file, then applying FLASHARR_* environment
// overrides on top.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save atomically writes cfg to path (temp file + rename).
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// applyEnvOverrides overlays FLASHARR_<UPPER_SNAKE_FIELD> environment
// variables onto cfg, matching JSON tag names, for the keys setField
// handles; variables naming any other option are ignored.
func applyEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		k, v, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(k, "FLASHARR_") {
			continue
		}
		field := strings.ToLower(strings.TrimPrefix(k, "FLASHARR_"))
		setField(cfg, field, v)
	}
}

func setField(cfg *Config, jsonKey, value string) {
	switch jsonKey {
	case "state_dir":
		cfg.StateDir = value
	case "download_directory":
		cfg.DownloadDir = value
	case "staging_directory":
		cfg.StagingDir = value
	case "listen_addr":
		cfg.ListenAddr = value
	case "api_token":
		cfg.APIToken = value
	case "log_level":
		cfg.LogLevel = value
	case "log_json":
		cfg.LogJSON = parseBool(value, cfg.LogJSON)
	case "max_global_concurrent_tasks":
		cfg.MaxGlobalConcurrentTasks = parseInt(value, cfg.MaxGlobalConcurrentTasks)
	case "max_concurrent_per_account":
		cfg.MaxConcurrentPerAccount = parseInt(value, cfg.MaxConcurrentPerAccount)
	case "user_agent":
		cfg.UserAgent = value
	case "proxy_url":
		cfg.ProxyURL = value
	case "host_base_url":
		cfg.HostBaseURL = value
	case "host_resolve_path":
		cfg.HostResolvePath = value
	case "host_login_path":
		cfg.HostLoginPath = value
	case "host_refresh_path":
		cfg.HostRefreshPath = value
	case "quota_window_timezone":
		cfg.QuotaWindowTimezone = value
	}
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}
