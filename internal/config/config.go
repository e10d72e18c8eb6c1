// Package config loads the coordinator configuration from a YAML file with
// environment expansion and a fixed set of environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nadmax/calbulk/internal/batch"
	"github.com/nadmax/calbulk/internal/broadcast"
	"github.com/nadmax/calbulk/internal/memory"
	"github.com/nadmax/calbulk/internal/notify"
	"github.com/nadmax/calbulk/internal/queue"
	"github.com/nadmax/calbulk/internal/ratelimit"
	"github.com/nadmax/calbulk/internal/recovery"
	"github.com/nadmax/calbulk/internal/remote"
	"github.com/nadmax/calbulk/internal/state"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RemoteConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	Token     string        `yaml:"token"`
	TokenFile string        `yaml:"token_file"`
	Timeout   time.Duration `yaml:"timeout"`
}

type RepositoryConfig struct {
	DSN string `yaml:"dsn"`
}

type NotifyConfig struct {
	Mailer   notify.Config   `yaml:"mailer"`
	Recovery recovery.Config `yaml:"recovery"`
}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Remote     RemoteConfig     `yaml:"remote"`
	Queue      queue.Config     `yaml:"queue"`
	RateLimit  ratelimit.Config `yaml:"rate_limit"`
	Memory     memory.Config    `yaml:"memory"`
	Batch      batch.Config     `yaml:"batch"`
	State      state.Config     `yaml:"state"`
	Broadcast  broadcast.Config `yaml:"broadcast"`
	Repository RepositoryConfig `yaml:"repository"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Port: 8080, ShutdownTimeout: 15 * time.Second},
		Logging:   LoggingConfig{Level: "info"},
		Remote:    RemoteConfig{Timeout: 60 * time.Second},
		Queue:     queue.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Memory:    memory.DefaultConfig(),
		Batch:     batch.DefaultConfig(),
		State:     state.DefaultConfig(),
		Broadcast: broadcast.DefaultConfig(),
		Notify:    NotifyConfig{Recovery: recovery.DefaultConfig()},
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		c.Server.Port = n
	}

	overrides := map[string]*string{
		"REDIS_ADDR":        &c.State.RedisAddr,
		"POSTGRES_DSN":      &c.Repository.DSN,
		"EMAIL_API_KEY":     &c.Notify.Mailer.APIKey,
		"FROM_ADDRESS":      &c.Notify.Mailer.FromAddress,
		"FROM_NAME":         &c.Notify.Mailer.FromName,
		"REPORT_RECIPIENT":  &c.Notify.Mailer.Recipient,
		"REMOTE_BATCH_URL":  &c.Remote.Endpoint,
		"REMOTE_TOKEN_FILE": &c.Remote.TokenFile,
		"LOG_LEVEL":         &c.Logging.Level,
	}
	for key, field := range overrides {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Queue.MaxConcurrent <= 0 {
		return errors.New("queue.max_concurrent must be positive")
	}
	if c.Batch.MaxChunkSize > remote.MaxBatchSize {
		return fmt.Errorf("batch.max_chunk_size cannot exceed %d", remote.MaxBatchSize)
	}
	switch c.State.Backend {
	case "redis", "sqlite":
	default:
		return fmt.Errorf("state.backend must be redis or sqlite, got %q", c.State.Backend)
	}

	return nil
}
