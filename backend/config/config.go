package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "3s" or "1m30s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds runtime options for the messaging daemon.
type Config struct {
	ListenAddr  string `yaml:"listenAddr"`
	APIBase     string `yaml:"apiBase"`
	AllowOrigin string `yaml:"allowOrigin"`
	DataDir     string `yaml:"dataDir"`
	DBPath      string `yaml:"dbPath"`
	Debug       bool   `yaml:"debug"`

	SelfUID               int64   `yaml:"selfUid"`
	AvatarBase64          bool    `yaml:"avatarBase64"`
	IgnoreOfflineMessages bool    `yaml:"ignoreOfflineMessages"`
	BlockedUIDs           []int64 `yaml:"blockedUids"`
	SeenCacheSize         int     `yaml:"seenCacheSize"`

	MessagePollInterval  Duration `yaml:"messagePollInterval"`
	DynamicPollInterval  Duration `yaml:"dynamicPollInterval"`
	LivePollInterval     Duration `yaml:"livePollInterval"`
	FeedEventPause       Duration `yaml:"feedEventPause"`
	SoftFailureThreshold int      `yaml:"softFailureThreshold"`
	HardFailureThreshold int      `yaml:"hardFailureThreshold"`
	SendRatePerMinute    int      `yaml:"sendRatePerMinute"`

	AdminUsername string `yaml:"adminUsername"`
	AdminPassword string `yaml:"adminPassword"`

	ConfigFile string `yaml:"-"`
}

// Load reads the YAML config at path (optional), applies BOTD_* environment
// overrides and fills defaults. A missing file is not an error: the daemon
// can run from environment and defaults alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("BOTD_CONFIG_FILE"))
	}
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return Config{}, err
		}
		path = abs
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ConfigFile = path
	applyEnvOverrides(&cfg)
	return normalize(cfg), nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.ListenAddr = envOrDefault("BOTD_LISTEN", cfg.ListenAddr)
	cfg.APIBase = envOrDefault("BOTD_API_BASE", cfg.APIBase)
	cfg.AllowOrigin = envOrDefault("BOTD_ALLOW_ORIGIN", cfg.AllowOrigin)
	cfg.DataDir = envOrDefault("BOTD_DATA_DIR", cfg.DataDir)
	cfg.DBPath = envOrDefault("BOTD_DB_PATH", cfg.DBPath)
	cfg.AdminUsername = envOrDefault("BOTD_ADMIN_USERNAME", cfg.AdminUsername)
	cfg.AdminPassword = envOrDefault("BOTD_ADMIN_PASSWORD", cfg.AdminPassword)
	if raw := os.Getenv("BOTD_SELF_UID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.SelfUID = parsed
		}
	}
	if raw := os.Getenv("BOTD_DEBUG"); raw != "" {
		cfg.Debug = strings.EqualFold(raw, "true") || raw == "1"
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func normalize(cfg Config) Config {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":18760"
	}
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = "/api/v1"
	}
	if !strings.HasPrefix(cfg.APIBase, "/") {
		cfg.APIBase = "/" + cfg.APIBase
	}
	cfg.APIBase = strings.TrimSuffix(cfg.APIBase, "/")
	if cfg.APIBase == "" {
		cfg.APIBase = "/api/v1"
	}
	if strings.TrimSpace(cfg.AllowOrigin) == "" {
		cfg.AllowOrigin = "*"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./data"
	}
	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "db", "botd.db")
	} else if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(cfg.DataDir, cfg.DBPath)
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = 1000
	}
	if cfg.MessagePollInterval <= 0 {
		cfg.MessagePollInterval = Duration(3 * time.Second)
	}
	if cfg.DynamicPollInterval <= 0 {
		cfg.DynamicPollInterval = Duration(60 * time.Second)
	}
	if cfg.LivePollInterval <= 0 {
		cfg.LivePollInterval = Duration(30 * time.Second)
	}
	if cfg.FeedEventPause <= 0 {
		cfg.FeedEventPause = Duration(200 * time.Millisecond)
	}
	if cfg.SoftFailureThreshold <= 0 {
		cfg.SoftFailureThreshold = 10
	}
	if cfg.HardFailureThreshold <= cfg.SoftFailureThreshold {
		cfg.HardFailureThreshold = cfg.SoftFailureThreshold * 3
	}
	if cfg.SendRatePerMinute <= 0 {
		cfg.SendRatePerMinute = 30
	}
	if strings.TrimSpace(cfg.AdminUsername) == "" {
		cfg.AdminUsername = "admin"
	}
	return cfg
}
