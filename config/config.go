// Package config loads engine configuration from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all tunables for a spindle server binary. Every field maps
// to a SPINDLE_* environment variable; zero values fall back to the engine
// defaults.
type Config struct {
	Port       int    `env:"SPINDLE_PORT" envDefault:"8080"`
	Env        string `env:"SPINDLE_ENV" envDefault:"development"`
	LogLevel   string `env:"SPINDLE_LOG_LEVEL" envDefault:"info"`
	LogPretty  bool   `env:"SPINDLE_LOG_PRETTY" envDefault:"false"`
	EventLoops int    `env:"SPINDLE_EVENT_LOOPS"`

	CoreWorkers    int `env:"SPINDLE_CORE_WORKERS"`
	MaxWorkers     int `env:"SPINDLE_MAX_WORKERS"`
	MaxQueuedTasks int `env:"SPINDLE_MAX_QUEUED_TASKS"`

	MaxConnections     int           `env:"SPINDLE_MAX_CONNECTIONS"`
	MaxRequestsPerConn int           `env:"SPINDLE_MAX_REQUESTS_PER_CONN"`
	IdleTimeout        time.Duration `env:"SPINDLE_IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout     time.Duration `env:"SPINDLE_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownGrace      time.Duration `env:"SPINDLE_SHUTDOWN_GRACE" envDefault:"10s"`

	ReadBufferSize int `env:"SPINDLE_READ_BUFFER_SIZE"`
	MaxHeaderBytes int `env:"SPINDLE_MAX_HEADER_BYTES"`
	MaxBodyBytes   int `env:"SPINDLE_MAX_BODY_BYTES"`

	GOGC        int   `env:"SPINDLE_GOGC"`
	MemoryLimit int64 `env:"SPINDLE_MEMORY_LIMIT"`
}

// Load reads a .env file if one is present, then parses the environment.
func Load() (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.MaxWorkers > 0 && c.CoreWorkers > c.MaxWorkers {
		return fmt.Errorf("config: core workers %d exceeds max workers %d", c.CoreWorkers, c.MaxWorkers)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// Production reports whether the binary runs in a production environment.
func (c *Config) Production() bool {
	return c.Env == "production"
}
