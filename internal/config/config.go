package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// PipelineConfig bounds the claim/dispatch machinery. BatchSize is clamped
// on load so a misconfigured value cannot produce batches the sender
// rejects.
type PipelineConfig struct {
	BatchSize        int `yaml:"batch_size"`
	SenderWorkers    int `yaml:"sender_workers"`
	RetriggerDelayMS int `yaml:"retrigger_delay_ms"`
}

// RetriggerDelay is the pause before a notification is re-published for
// residual work.
func (p PipelineConfig) RetriggerDelay() time.Duration {
	return time.Duration(p.RetriggerDelayMS) * time.Millisecond
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Pipeline.BatchSize <= 0 || c.Pipeline.BatchSize > 100 {
		c.Pipeline.BatchSize = 100
	}
	if c.Pipeline.SenderWorkers <= 0 {
		c.Pipeline.SenderWorkers = 4
	}
	if c.Pipeline.RetriggerDelayMS <= 0 {
		c.Pipeline.RetriggerDelayMS = 100
	}
	if c.RateLimit.RPS <= 0 {
		c.RateLimit.RPS = 50
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 100
	}
}
