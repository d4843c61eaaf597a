package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"camera-gateway-go/internal/config"
)

// NewServiceLogger tags the global logger with the gateway id and a component name
func NewServiceLogger(cfg *config.Config, service string) zerolog.Logger {
	return log.With().Str("gateway_id", cfg.GatewayID).Str("service", service).Logger()
}

func WithCamera(base zerolog.Logger, cameraID string) zerolog.Logger {
	return base.With().Str("camera_id", cameraID).Logger()
}
