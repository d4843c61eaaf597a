package models

import (
	"strings"
)

// DetectionKind selects the camera device variant and its pipeline template
type DetectionKind string

const (
	DetectionKindMotion DetectionKind = "motion"
	DetectionKindObject DetectionKind = "object"
)

// String returns the string representation of DetectionKind
func (k DetectionKind) String() string {
	return string(k)
}

// IsValid checks if the detection kind is known
func (k DetectionKind) IsValid() bool {
	switch k {
	case DetectionKindMotion, DetectionKindObject:
		return true
	default:
		return false
	}
}

// ParseDetectionKind normalizes user input ("Motion", " object ") into a DetectionKind
func ParseDetectionKind(s string) DetectionKind {
	return DetectionKind(strings.ToLower(strings.TrimSpace(s)))
}

// CameraIdentity is immutable once a camera has been provisioned
type CameraIdentity struct {
	ID            string        `json:"cameraId" yaml:"cameraId" binding:"required"`
	DisplayName   string        `json:"cameraName" yaml:"cameraName"`
	SourceURI     string        `json:"rtspUrl" yaml:"rtspUrl"`
	Username      string        `json:"rtspAuthUsername" yaml:"rtspAuthUsername"`
	Password      string        `json:"rtspAuthPassword" yaml:"rtspAuthPassword"`
	DetectionKind DetectionKind `json:"detectionType" yaml:"detectionType"`
}

// CameraState is reported through the stCameraState telemetry point
type CameraState string

const (
	CameraStateInactive CameraState = "inactive"
	CameraStateActive   CameraState = "active"
)

// ClientState is reported through the stIoTCentralClientState telemetry point
type ClientState string

const (
	ClientStateDisconnected ClientState = "disconnected"
	ClientStateConnected    ClientState = "connected"
)

// ModuleState is reported through the stModuleState telemetry point
type ModuleState string

const (
	ModuleStateInactive ModuleState = "inactive"
	ModuleStateActive   ModuleState = "active"
)

// ProvisionResult distinguishes provisioning failures from connection failures.
// Neither failure is returned as an error; both are carried here.
type ProvisionResult struct {
	ProvisionStatus   bool   `json:"dpsProvisionStatus"`
	ProvisionMessage  string `json:"dpsProvisionMessage"`
	ConnectionStatus  bool   `json:"clientConnectionStatus"`
	ConnectionMessage string `json:"clientConnectionMessage"`
}

// Succeeded reports whether both provisioning and connection completed
func (r ProvisionResult) Succeeded() bool {
	return r.ProvisionStatus && r.ConnectionStatus
}

// Message returns the most relevant message for a caller
func (r ProvisionResult) Message() string {
	if !r.ProvisionStatus || r.ConnectionMessage == "" {
		return r.ProvisionMessage
	}
	return r.ConnectionMessage
}

// OperationResult is the uniform result of a routed fleet operation
type OperationResult struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// CameraSummary is the API view of a registered camera
type CameraSummary struct {
	CameraID      string        `json:"cameraId"`
	CameraName    string        `json:"cameraName"`
	DetectionKind DetectionKind `json:"detectionType"`
	PipelineState string        `json:"pipelineState"`
	Health        HealthState   `json:"health"`
}
