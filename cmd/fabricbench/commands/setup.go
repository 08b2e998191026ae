package commands

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/fabricbench/internal/backend"
	"github.com/piwi3910/fabricbench/internal/config"
	"github.com/piwi3910/fabricbench/internal/fabric/loopback"
)

// setupLogging configures the global logger from config. --debug wins over
// the configured level and switches to human-readable console output.
func setupLogging(cfg *config.Config, debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// newBackend builds the configured local buffer backend.
func newBackend(cfg *config.Config) (backend.Backend, error) {
	kind, err := backend.ParseKind(cfg.Backend.Kind)
	if err != nil {
		return nil, err
	}
	return backend.New(kind, cfg.Backend.DeviceID)
}

// newFabric builds the in-process loopback fabric with the configured
// simulated latencies.
func newFabric(cfg *config.Config) *loopback.Fabric {
	lcfg := loopback.DefaultConfig()
	if cfg.Fabric.TransferLatency > 0 {
		lcfg.TransferLatency = cfg.Fabric.TransferLatency
	}
	if cfg.Fabric.PayloadLatency > 0 {
		lcfg.PayloadLatency = cfg.Fabric.PayloadLatency
	}
	return loopback.New(lcfg)
}
