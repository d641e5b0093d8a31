package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/common/db"
	"fuzoj/internal/judge/queue"
	"fuzoj/internal/judge/ratelimit"
	"fuzoj/pkg/utils/logger"
)

const (
	defaultConfigPath  = "configs/intake_api.yaml"
	defaultStoreTTL    = 30 * time.Minute
	defaultQueueKey    = "judge:queue"
	defaultRateWindow  = 60 * time.Second
	defaultRatePerUser = 3
	defaultReadTimeout = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// RateLimitConfig controls the sliding-window submission check applied at
// intake, before a task ever reaches the queue.
type RateLimitConfig struct {
	Window       time.Duration `yaml:"window"`
	MaxPerWindow int           `yaml:"maxPerWindow"`
}

func (r RateLimitConfig) toLimiterConfig() ratelimit.Config {
	return ratelimit.Config{Window: r.Window, MaxPerWindow: r.MaxPerWindow}
}

// QueueConfig controls only the Redis key the intake API pushes onto; the
// worker pool parameters belong to the judge-worker process, which is the
// side that drains the queue.
type QueueConfig struct {
	Key string `yaml:"key"`
}

func (q QueueConfig) toQueueConfig() queue.Config {
	return queue.Config{Key: q.Key}
}

// JudgeConfig controls the submission store's cache TTL.
type JudgeConfig struct {
	StoreTTL time.Duration `yaml:"storeTTL"`
}

// AppConfig is the intake-api process's full configuration tree.
type AppConfig struct {
	Server    ServerConfig      `yaml:"server"`
	Logger    logger.Config     `yaml:"logger"`
	Database  db.MySQLConfig    `yaml:"database"`
	Redis     cache.RedisConfig `yaml:"redis"`
	Queue     QueueConfig       `yaml:"queue"`
	RateLimit RateLimitConfig   `yaml:"rateLimit"`
	Judge     JudgeConfig       `yaml:"judge"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	applyRedisDefaults(&cfg.Redis)
	if cfg.Server.Addr == "" {
		return nil, fmt.Errorf("server addr is required")
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout <= 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Queue.Key == "" {
		cfg.Queue.Key = defaultQueueKey
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = defaultRateWindow
	}
	if cfg.RateLimit.MaxPerWindow <= 0 {
		cfg.RateLimit.MaxPerWindow = defaultRatePerUser
	}
	if cfg.Judge.StoreTTL <= 0 {
		cfg.Judge.StoreTTL = defaultStoreTTL
	}
	return &cfg, nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}
