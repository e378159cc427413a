package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the service configuration. Every field is optional in the JSON
// file; omitted fields keep the values from Default.
type Config struct {
	Port              int    `json:"port"`
	UploadDir         string `json:"upload_dir"`
	DBPath            string `json:"db_path"`
	MaxUploadBytes    int64  `json:"max_upload_bytes"`
	MaxConcurrentRuns int    `json:"max_concurrent_runs"`
	RunTimeout        string `json:"run_timeout"` // duration string like "30s"; empty means none
	JPEGQuality       int    `json:"jpeg_quality"`
	CollectMetrics    bool   `json:"collect_metrics"`
	PublicBaseURL     string `json:"public_base_url"`
	Migrations        bool   `json:"migrations"`
}

func Default() *Config {
	return &Config{
		Port:              5000,
		UploadDir:         "uploads",
		DBPath:            "imagica.db",
		MaxUploadBytes:    10 << 20,
		MaxConcurrentRuns: 4,
		RunTimeout:        "2m",
		JPEGQuality:       90,
		CollectMetrics:    false,
		PublicBaseURL:     "",
		Migrations:        true,
	}
}

// Load reads the JSON file at path over the defaults. An empty path yields
// the defaults. Environment overrides are applied last and the result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		cleanPath := filepath.Clean(path)
		if ext := filepath.Ext(cleanPath); ext != ".json" {
			return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
		}

		fileInfo, err := os.Stat(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		const maxFileSize = 1 * 1024 * 1024 // 1MB
		if fileInfo.Size() > maxFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
		}

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PORT, UPLOAD_DIR and DB_PATH when set.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := getenv("UPLOAD_DIR"); v != "" {
		c.UploadDir = v
	}
	if v := getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.UploadDir == "" {
		return fmt.Errorf("upload_dir must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if c.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be at least 1, got %d", c.MaxConcurrentRuns)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", c.JPEGQuality)
	}
	if c.RunTimeout != "" {
		d, err := time.ParseDuration(c.RunTimeout)
		if err != nil {
			return fmt.Errorf("invalid run_timeout '%s': %w", c.RunTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("run_timeout must not be negative, got %s", c.RunTimeout)
		}
	}
	return nil
}

// GetRunTimeout returns the parsed run timeout, zero when unset.
func (c *Config) GetRunTimeout() time.Duration {
	if c.RunTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.RunTimeout)
	if err != nil {
		return 0
	}
	return d
}

func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
