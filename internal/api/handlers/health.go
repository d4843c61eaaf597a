package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"camera-gateway-go/internal/fleet"
	"camera-gateway-go/internal/models"
)

// HealthSource reports the gateway's last health sample and session state
type HealthSource interface {
	LastSample() models.HealthSample
	State() fleet.State
}

type HealthHandler struct {
	GatewayID string
	Version   string
	source    HealthSource
}

func NewHealthHandler(gatewayID, version string, source HealthSource) *HealthHandler {
	return &HealthHandler{GatewayID: gatewayID, Version: version, source: source}
}

type HealthResponse struct {
	Status           string  `json:"status" example:"good"`
	GatewayID        string  `json:"gateway_id" example:"edge-1"`
	State            string  `json:"state" example:"active"`
	FreeMemory       float64 `json:"free_memory_kb" example:"1048576"`
	ConnectedCameras int     `json:"connected_cameras" example:"2"`
}

type GatewayInfoResponse struct {
	GatewayID    string   `json:"gateway_id" example:"edge-1"`
	Status       string   `json:"status" example:"running"`
	Version      string   `json:"version" example:"1.0.0"`
	Capabilities []string `json:"capabilities"`
}

// @Summary Health check
// @Description Last gateway health sample. Responds 503 while the gateway is critical or disconnected.
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	sample := h.source.LastSample()
	state := h.source.State()

	status := http.StatusOK
	if state == fleet.StateDisconnected || sample.State == models.HealthCritical {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, HealthResponse{
		Status:           sample.State.String(),
		GatewayID:        h.GatewayID,
		State:            state.String(),
		FreeMemory:       sample.FreeMemory,
		ConnectedCameras: sample.Cameras,
	})
}

// @Summary Gateway information
// @Tags health
// @Produce json
// @Success 200 {object} GatewayInfoResponse
// @Router / [get]
func (h *HealthHandler) GatewayInfo(c *gin.Context) {
	c.JSON(http.StatusOK, GatewayInfoResponse{
		GatewayID: h.GatewayID,
		Status:    "running",
		Version:   h.Version,
		Capabilities: []string{
			string(models.DetectionKindMotion),
			string(models.DetectionKindObject),
		},
	})
}
