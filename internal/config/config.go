package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Partitions struct {
	Item      int `json:"item" mapstructure:"item"`
	Log       int `json:"log" mapstructure:"log"`
	Sync      int `json:"sync" mapstructure:"sync"`
	Watchable int `json:"watchable" mapstructure:"watchable"`
	WatchLog  int `json:"watch_log" mapstructure:"watch_log"`
}

type Prefixes struct {
	Item      string `json:"item" mapstructure:"item"`
	Log       string `json:"log" mapstructure:"log"`
	Sync      string `json:"sync" mapstructure:"sync"`
	Watchable string `json:"watchable" mapstructure:"watchable"`
	WatchLog  string `json:"watch_log" mapstructure:"watch_log"`
}

type Config struct {
	DataDir       string `json:"data_dir" mapstructure:"data_dir"`
	LogLevel      string `json:"log_level" mapstructure:"log_level"`
	LogFile       string `json:"log_file" mapstructure:"log_file"`
	LogMaxSizeMB  int    `json:"log_max_size_mb" mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `json:"log_max_backups" mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `json:"log_max_age_days" mapstructure:"log_max_age_days"`
	MaxConcurrent int    `json:"max_concurrent" mapstructure:"max_concurrent"`

	Redis struct {
		Addr                string `json:"addr" mapstructure:"addr"`
		Password            string `json:"password" mapstructure:"password"`
		EnableNotifications bool   `json:"enable_notifications" mapstructure:"enable_notifications"`
	} `json:"redis" mapstructure:"redis"`

	Partitions Partitions `json:"partitions" mapstructure:"partitions"`
	Prefixes   Prefixes   `json:"prefixes" mapstructure:"prefixes"`
	ItemEvents []string   `json:"item_events" mapstructure:"item_events"`

	LogLifetimeSeconds       int `json:"log_lifetime_seconds" mapstructure:"log_lifetime_seconds"`
	WatchLogLifetimeSeconds  int `json:"watch_log_lifetime_seconds" mapstructure:"watch_log_lifetime_seconds"`
	ExpireOnRejectionSeconds int `json:"expire_on_rejection_seconds" mapstructure:"expire_on_rejection_seconds"`

	Sync struct {
		Channel          string  `json:"channel" mapstructure:"channel"`
		FrequencyMS      int     `json:"frequency_ms" mapstructure:"frequency_ms"`
		NetworkOutlierMS int     `json:"network_outlier_ms" mapstructure:"network_outlier_ms"`
		BlipFactor       float64 `json:"blip_factor" mapstructure:"blip_factor"`
		Smoothing        float64 `json:"smoothing" mapstructure:"smoothing"`
	} `json:"sync" mapstructure:"sync"`

	Push struct {
		Backend string `json:"backend" mapstructure:"backend"`
		Prefix  string `json:"prefix" mapstructure:"prefix"`
		MQTT    struct {
			Broker   string `json:"broker" mapstructure:"broker"`
			ClientID string `json:"client_id" mapstructure:"client_id"`
			QoS      int    `json:"qos" mapstructure:"qos"`
			Username string `json:"username" mapstructure:"username"`
			Password string `json:"password" mapstructure:"password"`
		} `json:"mqtt" mapstructure:"mqtt"`
	} `json:"push" mapstructure:"push"`

	Webhook struct {
		TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	} `json:"webhook" mapstructure:"webhook"`

	Gate struct {
		Secret             string `json:"secret" mapstructure:"secret"`
		HandshakeTimeoutMS int    `json:"handshake_timeout_ms" mapstructure:"handshake_timeout_ms"`
	} `json:"gate" mapstructure:"gate"`

	HTTP struct {
		Enabled bool   `json:"enabled" mapstructure:"enabled"`
		Listen  string `json:"listen" mapstructure:"listen"`
	} `json:"http" mapstructure:"http"`

	Archive struct {
		DSN            string `json:"dsn" mapstructure:"dsn"`
		RetentionHours int    `json:"retention_hours" mapstructure:"retention_hours"`
		PruneSchedule  string `json:"prune_schedule" mapstructure:"prune_schedule"`
		FileDir        string `json:"file_dir" mapstructure:"file_dir"`
	} `json:"archive" mapstructure:"archive"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".pushrelay"),
		LogLevel:      "info",
		LogMaxSizeMB:  10,
		LogMaxBackups: 3,
		LogMaxAgeDays: 7,
		MaxConcurrent: 8,
		Partitions:    Partitions{Item: 0, Log: 1, Sync: 2, Watchable: 3, WatchLog: 4},
		Prefixes: Prefixes{
			Item:      "item:",
			Log:       "log:",
			Sync:      "sy-",
			Watchable: "watch:",
			WatchLog:  "wl:",
		},
		ItemEvents:               []string{"set", "del", "expired"},
		LogLifetimeSeconds:       86400,
		WatchLogLifetimeSeconds:  3600,
		ExpireOnRejectionSeconds: 5,
	}
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.EnableNotifications = true
	cfg.Sync.Channel = "ts-sync"
	cfg.Sync.FrequencyMS = 30000
	cfg.Sync.NetworkOutlierMS = 2000
	cfg.Sync.BlipFactor = 3
	cfg.Sync.Smoothing = 0.1
	cfg.Push.Backend = "redis"
	cfg.Push.Prefix = "push/"
	cfg.Push.MQTT.ClientID = "pushrelay"
	cfg.Push.MQTT.QoS = 1
	cfg.Webhook.TimeoutSeconds = 10
	cfg.Gate.HandshakeTimeoutMS = 5000
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = ":8080"
	cfg.Archive.RetentionHours = 168
	cfg.Archive.PruneSchedule = "@hourly"
	return cfg
}

// envOverrides maps environment variables to config keys. Env wins over the file.
var envOverrides = map[string]string{
	"redis.addr":         "PUSHRELAY_REDIS_ADDR",
	"redis.password":     "PUSHRELAY_REDIS_PASSWORD",
	"gate.secret":        "PUSHRELAY_GATE_SECRET",
	"push.mqtt.broker":   "PUSHRELAY_MQTT_BROKER",
	"push.mqtt.password": "PUSHRELAY_MQTT_PASSWORD",
	"archive.dsn":        "PUSHRELAY_ARCHIVE_DSN",
	"log_level":          "PUSHRELAY_LOG_LEVEL",
}

// Load reads the config file at path, writing defaults first if it does not
// exist, and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	for key, env := range envOverrides {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeFile(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into its generic JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns every config value keyed by its dot path.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return m, nil
}

// GetValue returns the value stored under a dot-separated key.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key. Values that parse as JSON
// (numbers, booleans, lists) are stored typed, anything else as a string.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)

	var typed any
	if err := json.Unmarshal([]byte(value), &typed); err != nil {
		typed = value
	}
	flat[key] = typed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func (c *Config) LogLifetime() time.Duration {
	return time.Duration(c.LogLifetimeSeconds) * time.Second
}

func (c *Config) WatchLogLifetime() time.Duration {
	return time.Duration(c.WatchLogLifetimeSeconds) * time.Second
}

func (c *Config) ExpireOnRejection() time.Duration {
	return time.Duration(c.ExpireOnRejectionSeconds) * time.Second
}

func (c *Config) SyncFrequency() time.Duration {
	return time.Duration(c.Sync.FrequencyMS) * time.Millisecond
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Gate.HandshakeTimeoutMS) * time.Millisecond
}

// ArchiveEnabled reports whether watch-log entries are mirrored to SQL.
func (c *Config) ArchiveEnabled() bool {
	return strings.TrimSpace(c.Archive.DSN) != ""
}

func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Webhook.TimeoutSeconds) * time.Second
}

func (c *Config) ArchiveRetention() time.Duration {
	return time.Duration(c.Archive.RetentionHours) * time.Hour
}
