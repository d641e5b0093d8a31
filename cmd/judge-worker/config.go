package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/common/db"
	"fuzoj/internal/judge/queue"
	"fuzoj/internal/judge/sandbox/engine"
	"fuzoj/internal/judge/sandbox/profile"
	"fuzoj/pkg/utils/logger"
)

const (
	defaultConfigPath   = "configs/judge_worker.yaml"
	defaultWorkDir      = "/var/lib/fuzoj/judge-worker"
	defaultStoreTTL     = 30 * time.Minute
	defaultQueueKey     = "judge:queue"
	defaultConcurrency  = 4
	defaultPollWait     = 200 * time.Millisecond
	defaultDialTimeout  = 5 * time.Second
	defaultDataRoot     = "/var/lib/fuzoj/problem-data"
)

// QueueConfig controls the queue's Redis key, worker pool size, and poll
// cadence.
type QueueConfig struct {
	Key         string        `yaml:"key"`
	Concurrency int           `yaml:"concurrency"`
	PollWait    time.Duration `yaml:"pollWait"`
}

// SandboxConfig controls the Linux sandbox engine.
type SandboxConfig struct {
	CgroupRoot           string `yaml:"cgroupRoot"`
	SeccompDir           string `yaml:"seccompDir"`
	HelperPath           string `yaml:"helperPath"`
	StdoutStderrMaxBytes int64  `yaml:"stdoutStderrMaxBytes"`
	EnableSeccomp        bool   `yaml:"enableSeccomp"`
	EnableCgroup         bool   `yaml:"enableCgroup"`
	EnableNamespaces     bool   `yaml:"enableNamespaces"`
}

func (s SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		CgroupRoot:           s.CgroupRoot,
		SeccompDir:           s.SeccompDir,
		HelperPath:           s.HelperPath,
		StdoutStderrMaxBytes: s.StdoutStderrMaxBytes,
		EnableSeccomp:        s.EnableSeccomp,
		EnableCgroup:         s.EnableCgroup,
		EnableNamespaces:     s.EnableNamespaces,
	}
}

// LanguageConfig holds the statically configured language and task
// profile catalog.
type LanguageConfig struct {
	Languages []profile.LanguageSpec `yaml:"languages"`
	Profiles  []profile.TaskProfile  `yaml:"profiles"`
}

// JudgeConfig controls engine staging and store TTL.
type JudgeConfig struct {
	WorkDir  string        `yaml:"workDir"`
	StoreTTL time.Duration `yaml:"storeTTL"`
}

// ProblemRPCConfig holds the problem service gRPC address used to look up
// problem meta ahead of each judge run.
type ProblemRPCConfig struct {
	Addr        string        `yaml:"addr"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// CatalogConfig controls where extracted problem data packs are read from.
type CatalogConfig struct {
	DataRoot string `yaml:"dataRoot"`
}

// AppConfig is the judge-worker process's full configuration tree.
type AppConfig struct {
	Logger    logger.Config     `yaml:"logger"`
	Database  db.MySQLConfig    `yaml:"database"`
	Redis     cache.RedisConfig `yaml:"redis"`
	Queue     QueueConfig       `yaml:"queue"`
	Sandbox   SandboxConfig     `yaml:"sandbox"`
	Language  LanguageConfig    `yaml:"language"`
	Judge     JudgeConfig       `yaml:"judge"`
	Problem   ProblemRPCConfig  `yaml:"problemRPC"`
	Catalog   CatalogConfig     `yaml:"catalog"`
}

func (q QueueConfig) toQueueConfig() queue.Config {
	return queue.Config{Key: q.Key, Concurrency: q.Concurrency, PollWait: q.PollWait}
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
	if cfg.Queue.Key == "" {
		cfg.Queue.Key = defaultQueueKey
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = defaultConcurrency
	}
	if cfg.Queue.PollWait <= 0 {
		cfg.Queue.PollWait = defaultPollWait
	}
	if cfg.Judge.WorkDir == "" {
		cfg.Judge.WorkDir = defaultWorkDir
	}
	if cfg.Judge.StoreTTL <= 0 {
		cfg.Judge.StoreTTL = defaultStoreTTL
	}
	if cfg.Problem.Addr == "" {
		return nil, fmt.Errorf("problem rpc addr is required")
	}
	if cfg.Problem.DialTimeout <= 0 {
		cfg.Problem.DialTimeout = defaultDialTimeout
	}
	if cfg.Catalog.DataRoot == "" {
		cfg.Catalog.DataRoot = defaultDataRoot
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
