package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"camera-gateway-go/internal/models"
	"camera-gateway-go/internal/pipeline"
	"camera-gateway-go/internal/registry"
)

// Operation is a camera operation dispatched by RouteOperation
type Operation string

const (
	OpDeleteCamera   Operation = "DELETE_CAMERA"
	OpSendTelemetry  Operation = "SEND_EVENT"
	OpSendInferences Operation = "SEND_INFERENCES"
)

// Routed message input channels
const (
	ChannelCameraCommand = "cameracommand"
	ChannelDiagnostics   = "lvaDiagnostics"
	ChannelOperational   = "lvaOperational"
	ChannelTelemetry     = "lvaTelemetry"
)

// Commands carried on the camera command channel
const (
	CameraCommandCreate         = "createcamera"
	CameraCommandDelete         = "deletecamera"
	CameraCommandSendTelemetry  = "senddevicetelemetry"
	CameraCommandSendInferences = "senddeviceinferences"
)

// Message properties set by the analytics module
const (
	PropertySubject   = "subject"
	PropertyEventType = "eventType"
)

// OperationInfo addresses an operation to one camera
type OperationInfo struct {
	CameraID      string          `json:"cameraId"`
	OperationInfo json.RawMessage `json:"operationInfo,omitempty"`
}

// RouteOperation validates the target camera and payload and dispatches op to
// it. It never panics; every outcome is in the result.
func (m *Manager) RouteOperation(ctx context.Context, op Operation, cameraID string, payload json.RawMessage) (result models.OperationResult) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("operation", string(op)).Msg("Camera operation panicked")
			result = models.OperationResult{Message: fmt.Sprintf("Camera operation failed: %v", r)}
		}
	}()

	m.log.Info().Str("operation", string(op)).Str("camera_id", cameraID).Msg("Processing camera operation")

	if cameraID == "" {
		return m.operationFailure(op, "Missing cameraId")
	}

	d, ok := m.Device(cameraID)
	if !ok {
		return m.operationFailure(op, fmt.Sprintf("No device exists with cameraId: %s", cameraID))
	}

	if op == OpDeleteCamera {
		return m.DeleteCamera(ctx, cameraID)
	}

	if isEmpty(payload) {
		return m.operationFailure(op, "Missing operationInfo data")
	}

	switch op {
	case OpSendTelemetry:
		var data map[string]any
		if err := json.Unmarshal(payload, &data); err != nil {
			return m.operationFailure(op, fmt.Sprintf("Invalid telemetry data: %v", err))
		}
		d.SendTelemetry(ctx, data)

	case OpSendInferences:
		batch, err := decodeInferences(payload)
		if err != nil {
			return m.operationFailure(op, fmt.Sprintf("Invalid inference data: %v", err))
		}
		d.ProcessInferences(ctx, batch)

	default:
		return m.operationFailure(op, fmt.Sprintf("Unknown camera operation: %s", op))
	}

	return models.OperationResult{Status: true, Message: "Success"}
}

func (m *Manager) operationFailure(op Operation, message string) models.OperationResult {
	m.log.Error().Str("operation", string(op)).Msg(message)
	return models.OperationResult{Message: message}
}

func isEmpty(payload json.RawMessage) bool {
	p := bytes.TrimSpace(payload)
	return len(p) == 0 || bytes.Equal(p, []byte("null"))
}

// decodeInferences accepts a bare array or an {"inferences": [...]} document
func decodeInferences(payload json.RawMessage) ([]models.Inference, error) {
	p := bytes.TrimSpace(payload)
	if len(p) > 0 && p[0] == '[' {
		var batch []models.Inference
		err := json.Unmarshal(p, &batch)
		return batch, err
	}

	var doc struct {
		Inferences []models.Inference `json:"inferences"`
	}
	if err := json.Unmarshal(p, &doc); err != nil {
		return nil, err
	}
	return doc.Inferences, nil
}

// RouteDownstreamMessage handles a message routed to one of the gateway's
// input channels. Pipeline messages are delivered to the camera named in the
// message subject. A message that cannot be delivered is logged and an error
// wrapping ErrUnroutable is returned.
func (m *Manager) RouteDownstreamMessage(ctx context.Context, msg registry.RoutedMessage) error {
	if len(bytes.TrimSpace(msg.Body)) == 0 {
		return nil
	}

	if m.settings.GetBool(SettingDebugRoutedMessage) {
		m.log.Info().
			Str("channel", msg.Channel).
			Interface("properties", msg.Properties).
			Str("data", string(msg.Body)).
			Msg("Routed message")
	}

	switch msg.Channel {
	case ChannelCameraCommand:
		return m.routeCameraCommand(ctx, msg.Body)

	case ChannelDiagnostics, ChannelOperational, ChannelTelemetry:
		return m.routePipelineMessage(ctx, msg)

	default:
		m.log.Warn().Str("channel", msg.Channel).Msg("Received routed message for unknown input")
		return fmt.Errorf("%w: unknown input %q", ErrUnroutable, msg.Channel)
	}
}

func (m *Manager) routeCameraCommand(ctx context.Context, body []byte) error {
	var cmd struct {
		Command string          `json:"command"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &cmd); err != nil {
		m.log.Error().Err(err).Msg("Invalid camera command message")
		return fmt.Errorf("%w: %v", ErrUnroutable, err)
	}

	switch cmd.Command {
	case CameraCommandCreate:
		var identity models.CameraIdentity
		if err := json.Unmarshal(cmd.Data, &identity); err != nil {
			m.log.Error().Err(err).Msg("Invalid createcamera data")
			return fmt.Errorf("%w: %v", ErrUnroutable, err)
		}
		identity.DetectionKind = models.ParseDetectionKind(string(identity.DetectionKind))
		m.CreateCamera(ctx, identity)
		return nil

	case CameraCommandDelete, CameraCommandSendTelemetry, CameraCommandSendInferences:
		var info OperationInfo
		if err := json.Unmarshal(cmd.Data, &info); err != nil {
			m.log.Error().Err(err).Str("command", cmd.Command).Msg("Invalid camera command data")
			return fmt.Errorf("%w: %v", ErrUnroutable, err)
		}

		op := map[string]Operation{
			CameraCommandDelete:         OpDeleteCamera,
			CameraCommandSendTelemetry:  OpSendTelemetry,
			CameraCommandSendInferences: OpSendInferences,
		}[cmd.Command]
		if res := m.RouteOperation(ctx, op, info.CameraID, info.OperationInfo); !res.Status {
			return fmt.Errorf("%w: %s", ErrUnroutable, res.Message)
		}
		return nil

	default:
		m.log.Warn().Str("command", cmd.Command).Msg("Received unknown camera command")
		return fmt.Errorf("%w: unknown command %q", ErrUnroutable, cmd.Command)
	}
}

func (m *Manager) routePipelineMessage(ctx context.Context, msg registry.RoutedMessage) error {
	subject := msg.Properties[PropertySubject]
	eventType := msg.Properties[PropertyEventType]

	cameraID := pipeline.CameraIDFromSubject(subject)
	if cameraID == "" {
		m.log.Error().
			Str("channel", msg.Channel).
			Str("subject", subject).
			Str("event_type", eventType).
			Msg("Received pipeline message but no cameraId found in subject")
		return fmt.Errorf("%w: no camera in subject %q", ErrUnroutable, subject)
	}

	d, ok := m.Device(cameraID)
	if !ok {
		m.log.Error().
			Str("channel", msg.Channel).
			Str("camera_id", cameraID).
			Msg("Received pipeline message for a camera that does not exist in the gateway")
		return fmt.Errorf("%w: %w: %s", ErrUnroutable, ErrCameraNotFound, cameraID)
	}

	if msg.Channel == ChannelTelemetry {
		batch, err := decodeInferences(msg.Body)
		if err != nil {
			m.log.Error().Err(err).Str("camera_id", cameraID).Msg("Invalid inference message")
			return fmt.Errorf("%w: %v", ErrUnroutable, err)
		}
		d.ProcessInferences(ctx, batch)
		return nil
	}

	d.SendPipelineEvent(ctx, eventType)
	return nil
}
