package main

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/pulse-im/pulse-server/internal/config"
	"github.com/pulse-im/pulse-server/internal/monitoring"
	"github.com/pulse-im/pulse-server/internal/relay"
	"github.com/pulse-im/pulse-server/internal/types"
)

func main() {
	// Bootstrap logger for the window before the configured one exists.
	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevelInfo,
		Format: types.LogFormatJSON,
	})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})

	// automaxprocs has already clamped GOMAXPROCS to the container CPU
	// quota by the time main runs.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	server := relay.NewServer(cfg.ServerConfig())
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Signal received, shutting down")
	server.Shutdown()
}
