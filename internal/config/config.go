package config

import (
	"fmt"
	"log"
	"time"

	"taskflow/pkg/config"
)

type Config struct {
	Server   config.ServerConfig  `yaml:"server"`
	DB       config.DBConfig      `yaml:"db"`
	Storage  config.StorageConfig `yaml:"storage"`
	MQ       config.MQConfig      `yaml:"mq"`
	Redis    config.RedisConfig   `yaml:"redis"`
	JWT      config.JWTConfig     `yaml:"jwt"`
	Retry    config.RetryConfig   `yaml:"retry"`
	Worker   config.WorkerConfig  `yaml:"worker"`
	LogLevel string               `yaml:"log_level"`
}

// Load 读取配置，失败直接退出
func Load() *Config {
	cfg, err := LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// LoadFrom 合并 base.yaml 与环境配置，再用环境变量覆盖
func LoadFrom(env, dir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideStorageFromEnv(&cfg.Storage)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideWorkerFromEnv(&cfg.Worker)
	cfg.LogLevel = config.GetEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "taskflow.db"
	}
	if c.JWT.AccessTTL <= 0 {
		c.JWT.AccessTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTTL <= 0 {
		c.JWT.RefreshTTL = 7 * 24 * time.Hour
	}
	if c.Worker.OverdueInterval <= 0 {
		c.Worker.OverdueInterval = time.Minute
	}
	if c.Worker.OutboxInterval <= 0 {
		c.Worker.OutboxInterval = 5 * time.Second
	}
	if c.Worker.MetricsPort == "" {
		c.Worker.MetricsPort = "9091"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	return nil
}
