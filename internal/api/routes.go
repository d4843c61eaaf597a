package api

func (s *Server) setupRoutes() {
	s.router.GET("/", s.healthHandler.GatewayInfo)
	s.router.GET("/health", s.healthHandler.HealthCheck)

	module := s.router.Group("/api/v1/module")
	{
		module.GET("/cameras", s.cameraHandler.ListCameras)
		module.POST("/camera", s.cameraHandler.CreateCamera)
		module.DELETE("/camera/:cameraId", s.cameraHandler.DeleteCamera)
		module.POST("/camera/:cameraId/telemetry", s.cameraHandler.SendTelemetry)
		module.POST("/camera/:cameraId/inferences", s.cameraHandler.SendInferences)
	}

	system := s.router.Group("/system")
	{
		system.GET("/stats", s.systemHandler.GetStats)
	}
}
