package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"camera-gateway-go/internal/api"
	"camera-gateway-go/internal/config"
	"camera-gateway-go/internal/health"
	"camera-gateway-go/internal/logging"
	"camera-gateway-go/internal/messaging"
)

// @title			Camera Gateway API
// @version		1.0
// @description	Provisions cameras as registry devices and drives their analytics pipelines.
// @BasePath		/
func main() {
	flags := pflag.NewFlagSet("camera-gateway", pflag.ExitOnError)
	port := flags.Int("port", 0, "HTTP port (overrides PORT)")
	logLevel := flags.String("log-level", "", "Log level (overrides LOG_LEVEL)")
	kindsFile := flags.String("kinds", "", "YAML file overriding detection kinds (overrides KINDS_FILE)")
	_ = flags.Parse(os.Args[1:])

	// Setup structured logging
	zerolog.TimeFieldFormat = time.RFC3339
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = log.Output(out)

	// Load configuration
	cfg := config.Load()
	if *port != 0 {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *kindsFile != "" {
		cfg.KindsFile = *kindsFile
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogdyEnabled {
		ldWriter, _, err := logging.StartLogdy(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Logdy disabled")
		} else {
			log.Logger = log.Output(zerolog.MultiLevelWriter(out, ldWriter))
		}
	}

	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrInvalidValue) {
			log.Fatal().Err(err).Msg("Invalid configuration")
		}
		log.Warn().Err(err).Msg("Camera provisioning is unavailable until the settings are provided")
	}

	log.Info().
		Str("gateway_id", cfg.GatewayID).
		Str("module_id", cfg.ModuleID).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Msg("Starting Camera Gateway")

	kinds, err := config.LoadKinds(cfg.KindsFile, cfg.ObjectClassSubstringMatch)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load detection kinds")
	}

	msgSvc, err := messaging.NewService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := buildGateway(ctx, cfg, msgSvc.Conn(), kinds)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build gateway")
	}

	if err := gw.manager.Start(ctx); err != nil {
		// the container supervisor restarts the module
		log.Fatal().Err(err).Msg("Failed to start gateway")
	}

	supervisor := health.NewSupervisor(gw.manager, cfg.HealthCheckInterval, logging.NewServiceLogger(cfg, "health"))
	supervisor.Start(ctx)

	server := api.NewServer(cfg, gw.manager)
	server.Setup()

	// Start server in goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	supervisor.Stop()
	gw.manager.Shutdown(shutdownCtx)
	gw.close()

	if err := msgSvc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down NATS connection")
	}
	log.Info().Msg("Camera Gateway shutdown complete")
}
