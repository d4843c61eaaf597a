package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"camera-gateway-go/internal/api/handlers"
	"camera-gateway-go/internal/api/middleware"
	"camera-gateway-go/internal/config"
)

// Gateway is what the HTTP surface needs from the fleet manager
type Gateway interface {
	handlers.Fleet
	handlers.HealthSource
}

type Server struct {
	config *config.Config
	router *gin.Engine
	server *http.Server

	healthHandler *handlers.HealthHandler
	cameraHandler *handlers.CameraHandler
	systemHandler *handlers.SystemHandler
}

func NewServer(cfg *config.Config, gw Gateway) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		config:        cfg,
		router:        gin.New(),
		healthHandler: handlers.NewHealthHandler(cfg.GatewayID, cfg.Version, gw),
		cameraHandler: handlers.NewCameraHandler(gw),
		systemHandler: handlers.NewSystemHandler(cfg.GatewayID),
	}
}

func (s *Server) Setup() {
	s.setupMiddleware()

	s.setupRoutes()

	s.setupSwagger()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.RequestContext())
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.Logger())
	s.router.Use(middleware.CORS())
}

// Start serves until Stop is called
func (s *Server) Start() error {
	log.Info().Int("port", s.config.Port).Msg("Starting camera gateway API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping camera gateway API")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}
