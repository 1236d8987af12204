package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"usage-monitor/internal/analytics"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Redis     RedisConfig      `yaml:"redis"`
	RateLimit RateLimitConfig  `yaml:"ratelimit"`
	Monitor   analytics.Config `yaml:"monitor"`
}

type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	AnomalyBuffer    int           `yaml:"anomaly_buffer"`
}

type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	HistorySize int64         `yaml:"history_size"`
	TTL         time.Duration `yaml:"ttl"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"requests_per_second"`
	Burst   int     `yaml:"burst"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:             ":8080",
			SnapshotInterval: 10 * time.Second,
			AnomalyBuffer:    1000,
		},
		Redis: RedisConfig{
			Enabled:     true,
			Addr:        "localhost:6379",
			HistorySize: 1000,
			TTL:         time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     1000,
			Burst:   2000,
		},
		Monitor: analytics.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file. The monitor section
// is validated so that a bad tunable stops startup.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if cfg.Server.SnapshotInterval <= 0 {
		return cfg, errors.New("server.snapshot_interval must be positive")
	}
	if err := cfg.Monitor.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if v := os.Getenv("MONITOR_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MONITOR_WINDOW: %w", err)
		}
		cfg.Monitor.WindowDuration = d
	}
	if v := os.Getenv("MONITOR_ALPHA"); v != "" {
		a, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MONITOR_ALPHA: %w", err)
		}
		cfg.Monitor.Alpha = a
	}
	return nil
}
