package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"camera-gateway-go/internal/fleet"
	"camera-gateway-go/internal/logging"
	"camera-gateway-go/internal/models"
)

// Fleet is the part of the fleet manager the command API drives
type Fleet interface {
	CreateCamera(ctx context.Context, identity models.CameraIdentity) models.ProvisionResult
	DeleteCamera(ctx context.Context, cameraID string) models.OperationResult
	RouteOperation(ctx context.Context, op fleet.Operation, cameraID string, payload json.RawMessage) models.OperationResult
	Cameras() []models.CameraSummary
}

type CameraHandler struct {
	fleet Fleet
}

func NewCameraHandler(f Fleet) *CameraHandler {
	return &CameraHandler{fleet: f}
}

// CreateCameraRequest describes a camera to provision. An empty detectionType
// creates a motion camera; an empty cameraName uses the camera id.
type CreateCameraRequest struct {
	CameraID         string `json:"cameraId" example:"cam-1"`
	CameraName       string `json:"cameraName" example:"Lobby"`
	RtspURL          string `json:"rtspUrl" example:"rtsp://10.0.0.5/stream1"`
	RtspAuthUsername string `json:"rtspAuthUsername" example:"admin"`
	RtspAuthPassword string `json:"rtspAuthPassword" example:"secret"`
	DetectionType    string `json:"detectionType" example:"motion" enums:"motion,object"`
}

// TelemetryRequest carries telemetry to send as the camera
type TelemetryRequest struct {
	Telemetry map[string]any `json:"telemetry"`
}

// InferencesRequest carries an inference batch for the camera
type InferencesRequest struct {
	Inferences []json.RawMessage `json:"inferences"`
}

// CameraListResponse lists registered cameras
type CameraListResponse struct {
	Cameras []models.CameraSummary `json:"cameras"`
	Count   int                    `json:"count"`
}

// CreateCamera provisions and connects a camera device
// @Summary Create a camera device
// @Description Provision a camera with the registry and connect it through the gateway
// @Tags module
// @Accept json
// @Produce json
// @Param request body CreateCameraRequest true "Camera identity"
// @Success 201 {object} MessageResponse
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/module/camera [post]
func (h *CameraHandler) CreateCamera(c *gin.Context) {
	var req CreateCameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logging.Warn(c).Err(err).Msg("Invalid create camera request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if req.CameraID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing cameraId"})
		return
	}
	if req.CameraName == "" {
		req.CameraName = req.CameraID
	}
	kind := models.ParseDetectionKind(req.DetectionType)
	if kind == "" {
		kind = models.DetectionKindMotion
	}

	res := h.fleet.CreateCamera(c.Request.Context(), models.CameraIdentity{
		ID:            req.CameraID,
		DisplayName:   req.CameraName,
		SourceURI:     req.RtspURL,
		Username:      req.RtspAuthUsername,
		Password:      req.RtspAuthPassword,
		DetectionKind: kind,
	})
	if !res.Succeeded() {
		logging.Error(c).Str("camera_id", req.CameraID).Str("reason", res.Message()).Msg("Failed to create camera")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: res.Message()})
		return
	}

	logging.Info(c).Str("camera_id", req.CameraID).Msg("Camera created")
	c.JSON(http.StatusCreated, MessageResponse{Message: res.Message()})
}

// DeleteCamera deprovisions a camera device
// @Summary Delete a camera device
// @Tags module
// @Param cameraId path string true "Camera ID"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/module/camera/{cameraId} [delete]
func (h *CameraHandler) DeleteCamera(c *gin.Context) {
	cameraID := c.Param("cameraId")

	res := h.fleet.DeleteCamera(c.Request.Context(), cameraID)
	if !res.Status {
		logging.Error(c).Str("reason", res.Message).Msg("Failed to delete camera")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: res.Message})
		return
	}

	logging.Info(c).Msg("Camera deleted")
	c.Status(http.StatusNoContent)
}

// SendTelemetry sends telemetry as a camera device
// @Summary Send telemetry to a camera device
// @Tags module
// @Accept json
// @Produce json
// @Param cameraId path string true "Camera ID"
// @Param request body TelemetryRequest true "Telemetry"
// @Success 201 {object} MessageResponse
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/module/camera/{cameraId}/telemetry [post]
func (h *CameraHandler) SendTelemetry(c *gin.Context) {
	var req TelemetryRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Telemetry) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing cameraId or telemetry"})
		return
	}

	payload, err := json.Marshal(req.Telemetry)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	h.route(c, fleet.OpSendTelemetry, payload)
}

// SendInferences forwards an inference batch to a camera device
// @Summary Send inference telemetry to a camera device
// @Tags module
// @Accept json
// @Produce json
// @Param cameraId path string true "Camera ID"
// @Param request body InferencesRequest true "Inference batch"
// @Success 201 {object} MessageResponse
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/v1/module/camera/{cameraId}/inferences [post]
func (h *CameraHandler) SendInferences(c *gin.Context) {
	var req InferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Inferences) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing cameraId or inferences"})
		return
	}

	payload, err := json.Marshal(req.Inferences)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	h.route(c, fleet.OpSendInferences, payload)
}

func (h *CameraHandler) route(c *gin.Context, op fleet.Operation, payload json.RawMessage) {
	res := h.fleet.RouteOperation(c.Request.Context(), op, c.Param("cameraId"), payload)
	if !res.Status {
		logging.Error(c).Str("operation", string(op)).Str("reason", res.Message).Msg("Camera operation failed")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: res.Message})
		return
	}
	c.JSON(http.StatusCreated, MessageResponse{Message: res.Message})
}

// ListCameras lists registered cameras
// @Summary List camera devices
// @Description List registered cameras with their pipeline state and health
// @Tags module
// @Produce json
// @Success 200 {object} CameraListResponse
// @Router /api/v1/module/cameras [get]
func (h *CameraHandler) ListCameras(c *gin.Context) {
	cameras := h.fleet.Cameras()
	c.JSON(http.StatusOK, CameraListResponse{Cameras: cameras, Count: len(cameras)})
}
