// Package app wires configuration, logging, and signal handling around a
// core.Engine so binaries stay small.
package app

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	// Sizes GOMAXPROCS to the container CPU quota at init.
	_ "go.uber.org/automaxprocs"

	"github.com/spindlehttp/spindle/config"
	"github.com/spindlehttp/spindle/core"
	"github.com/spindlehttp/spindle/core/pools"
)

// App is a configured server instance.
type App struct {
	cfg    *config.Config
	log    zerolog.Logger
	engine *core.Engine
}

// New builds an App from configuration.
func New(cfg *config.Config) *App {
	logger := NewLogger(cfg)

	engine := core.NewEngine(core.Options{
		Port:               cfg.Port,
		EventLoops:         cfg.EventLoops,
		CoreWorkers:        cfg.CoreWorkers,
		MaxWorkers:         cfg.MaxWorkers,
		MaxQueuedTasks:     cfg.MaxQueuedTasks,
		MaxConnections:     cfg.MaxConnections,
		MaxRequestsPerConn: cfg.MaxRequestsPerConn,
		IdleTimeout:        cfg.IdleTimeout,
		RequestTimeout:     cfg.RequestTimeout,
		ReadBufferSize:     cfg.ReadBufferSize,
		MaxHeaderBytes:     cfg.MaxHeaderBytes,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		Logger:             logger,
		Lifecycle: core.Lifecycle{
			OnReady: func(port int) {
				logger.Info().Int("port", port).Str("env", cfg.Env).Msg("server ready")
			},
			OnFatalError: func(err error) {
				logger.Error().Err(err).Msg("engine failed")
			},
			OnStopped: func() {
				logger.Info().Msg("server stopped")
			},
		},
	})

	pools.ApplyGCConfig(pools.GCConfig{GOGC: cfg.GOGC, MemoryLimit: cfg.MemoryLimit})

	return &App{cfg: cfg, log: logger, engine: engine}
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// Engine exposes the engine for route registration.
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Logger exposes the process logger.
func (a *App) Logger() zerolog.Logger {
	return a.log
}

// Run starts the engine and blocks until SIGINT or SIGTERM, then shuts
// down within the configured grace period.
func (a *App) Run() error {
	if err := a.engine.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	a.log.Info().Str("signal", sig.String()).Msg("shutting down")

	a.Stop()
	return nil
}

// Stop shuts the engine down gracefully.
func (a *App) Stop() {
	if !a.engine.Stop(a.cfg.ShutdownGrace) {
		a.log.Warn().Msg("shutdown grace period expired, connections aborted")
	}
}
