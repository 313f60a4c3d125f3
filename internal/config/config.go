// Package config loads runtime configuration from the environment, with an
// optional YAML file overlay pointed at by FLUXSYNC_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxhq/fluxsync/internal/domain/model"
)

type Config struct {
	DB     DBConfig     `yaml:"db"`
	Redis  RedisConfig  `yaml:"redis"`
	Feed   FeedConfig   `yaml:"feed"`
	Engine EngineConfig `yaml:"engine"`
	Alert  AlertConfig  `yaml:"alert"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

type DBConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables the applied-batch fanout stream when URL is set.
type RedisConfig struct {
	URL string `yaml:"url"`
}

type FeedConfig struct {
	WSURL         string        `yaml:"ws_url"`
	HTTPURL       string        `yaml:"http_url"`
	Streams       []string      `yaml:"streams"`
	BackfillLimit int           `yaml:"backfill_limit"`
	BackfillRPS   float64       `yaml:"backfill_rps"`
	PingInterval  time.Duration `yaml:"ping_interval"`
}

type EngineConfig struct {
	LiveBufferSize    int           `yaml:"live_buffer_size"`
	MaxRepairRounds   int           `yaml:"max_repair_rounds"`
	RepairBackoffBase time.Duration `yaml:"repair_backoff_base"`
	RepairBackoffMax  time.Duration `yaml:"repair_backoff_max"`
	RetentionFallback bool          `yaml:"retention_fallback"`
}

type AlertConfig struct {
	SlackWebhookURL string        `yaml:"slack_webhook_url"`
	WebhookURL      string        `yaml:"webhook_url"`
	Cooldown        time.Duration `yaml:"cooldown"`
}

type ServerConfig struct {
	AdminPort int `yaml:"admin_port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Load() (*Config, error) {
	cfg := &Config{
		DB: DBConfig{
			URL:             getEnv("DB_URL", "duckdb://fluxsync.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Feed: FeedConfig{
			WSURL:         getEnv("FEED_WS_URL", "ws://localhost:9800/ws"),
			HTTPURL:       getEnv("FEED_HTTP_URL", "http://localhost:9800"),
			BackfillLimit: getEnvInt("BACKFILL_LIMIT", 10000),
			BackfillRPS:   getEnvFloat("BACKFILL_RPS", 10),
			PingInterval:  time.Duration(getEnvInt("FEED_PING_INTERVAL_SEC", 15)) * time.Second,
		},
		Engine: EngineConfig{
			LiveBufferSize:    getEnvInt("LIVE_BUFFER_SIZE", 1024),
			MaxRepairRounds:   getEnvInt("MAX_REPAIR_ROUNDS", 5),
			RepairBackoffBase: time.Duration(getEnvInt("REPAIR_BACKOFF_BASE_MS", 200)) * time.Millisecond,
			RepairBackoffMax:  time.Duration(getEnvInt("REPAIR_BACKOFF_MAX_MS", 5000)) * time.Millisecond,
			RetentionFallback: getEnvBool("RETENTION_FALLBACK", false),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_MIN", 5)) * time.Minute,
		},
		Server: ServerConfig{
			AdminPort: getEnvInt("ADMIN_PORT", 8080),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if streams := getEnv("STREAMS", ""); streams != "" {
		for _, s := range strings.Split(streams, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				cfg.Feed.Streams = append(cfg.Feed.Streams, s)
			}
		}
	}

	if path := os.Getenv("FLUXSYNC_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayFile applies a YAML file on top of the env-derived config. File
// values win over env values.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.DB.URL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if c.Feed.WSURL == "" {
		return fmt.Errorf("FEED_WS_URL is required")
	}
	if c.Feed.HTTPURL == "" {
		return fmt.Errorf("FEED_HTTP_URL is required")
	}
	if len(c.Feed.Streams) == 0 {
		return fmt.Errorf("STREAMS is required (comma-separated source:symbol:interval)")
	}
	if _, err := c.StreamKeys(); err != nil {
		return err
	}
	return nil
}

// StreamKeys parses the configured stream list into validated keys.
func (c *Config) StreamKeys() ([]model.StreamKey, error) {
	keys := make([]model.StreamKey, 0, len(c.Feed.Streams))
	for _, s := range c.Feed.Streams {
		key, err := model.ParseStreamKey(s)
		if err != nil {
			return nil, fmt.Errorf("invalid stream %q: %w", s, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
