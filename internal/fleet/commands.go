package fleet

import (
	"context"
	"fmt"
	"time"

	"camera-gateway-go/internal/models"
	"camera-gateway-go/internal/registry"
)

// Commands the gateway answers on its own registry connection
const (
	CommandAddCamera     = "cmAddCamera"
	CommandDeleteCamera  = "cmDeleteCamera"
	CommandRestartModule = "cmRestartModule"
)

// AddCameraRequest is the cmAddCamera payload
type AddCameraRequest struct {
	CameraID         string `json:"AddCameraRequestParams_CameraId"`
	CameraName       string `json:"AddCameraRequestParams_CameraName"`
	RtspURL          string `json:"AddCameraRequestParams_RtspUrl"`
	RtspAuthUsername string `json:"AddCameraRequestParams_RtspAuthUsername"`
	RtspAuthPassword string `json:"AddCameraRequestParams_RtspAuthPassword"`
	DetectionType    string `json:"AddCameraRequestParams_DetectionType"`
}

func (r AddCameraRequest) complete() bool {
	return r.CameraID != "" && r.CameraName != "" && r.RtspURL != "" &&
		r.RtspAuthUsername != "" && r.RtspAuthPassword != "" && r.DetectionType != ""
}

// DeleteCameraRequest is the cmDeleteCamera payload
type DeleteCameraRequest struct {
	CameraID string `json:"DeleteCameraRequestParams_CameraId"`
}

// RestartModuleRequest is the cmRestartModule payload. Timeout is in seconds.
type RestartModuleRequest struct {
	Timeout float64 `json:"RestartModuleRequestParams_Timeout"`
}

func (m *Manager) commandHandlers() map[string]registry.CommandHandler {
	return map[string]registry.CommandHandler{
		CommandAddCamera:     m.addCameraCommand,
		CommandDeleteCamera:  m.deleteCameraCommand,
		CommandRestartModule: m.restartModuleCommand,
	}
}

func commandValue(status int, value string) registry.CommandResponse {
	return registry.Respond(status, map[string]any{"value": value})
}

func (m *Manager) addCameraCommand(ctx context.Context, req registry.CommandRequest) registry.CommandResponse {
	m.log.Info().Str("command", CommandAddCamera).Msg("Command received")

	var params AddCameraRequest
	if err := req.Decode(&params); err != nil || !params.complete() {
		return commandValue(registry.StatusAccepted, fmt.Sprintf(
			"The %s command is missing required parameters, cameraId, cameraName, rtspUrl, rtspAuthUsername, rtspAuthPassword, detectionType",
			CommandAddCamera))
	}

	res := m.CreateCamera(ctx, models.CameraIdentity{
		ID:            params.CameraID,
		DisplayName:   params.CameraName,
		SourceURI:     params.RtspURL,
		Username:      params.RtspAuthUsername,
		Password:      params.RtspAuthPassword,
		DetectionKind: models.ParseDetectionKind(params.DetectionType),
	})
	return commandValue(registry.StatusAccepted, res.Message())
}

func (m *Manager) deleteCameraCommand(ctx context.Context, req registry.CommandRequest) registry.CommandResponse {
	m.log.Info().Str("command", CommandDeleteCamera).Msg("Command received")

	var params DeleteCameraRequest
	if err := req.Decode(&params); err != nil || params.CameraID == "" {
		return commandValue(registry.StatusAccepted, fmt.Sprintf("The %s command requires a Camera Id parameter", CommandDeleteCamera))
	}

	if res := m.DeleteCamera(ctx, params.CameraID); !res.Status {
		return commandValue(registry.StatusAccepted, fmt.Sprintf("An error occurred while executing the %s command", CommandDeleteCamera))
	}
	return commandValue(registry.StatusAccepted, fmt.Sprintf("The %s command succeeded", CommandDeleteCamera))
}

// restartModuleCommand responds before restarting
func (m *Manager) restartModuleCommand(ctx context.Context, req registry.CommandRequest) registry.CommandResponse {
	m.log.Info().Str("command", CommandRestartModule).Msg("Command received")

	var params RestartModuleRequest
	if err := req.Decode(&params); err != nil {
		m.log.Warn().Err(err).Msg("Invalid restart parameters, restarting immediately")
	}
	grace := time.Duration(params.Timeout * float64(time.Second))
	// leave time for the response to reach the caller
	if grace < time.Second {
		grace = time.Second
	}

	go func() {
		defer m.recoverPanic("restart")
		m.Restart(context.WithoutCancel(ctx), grace, "RestartModule command received")
	}()

	return commandValue(registry.StatusOK, "Success")
}
