package models

import (
	"encoding/json"
	"fmt"
)

// HealthState is the aggregate health enum shared by the gateway and every camera.
// Lower is worse.
type HealthState int

const (
	HealthCritical HealthState = 0
	HealthWarning  HealthState = 1
	HealthGood     HealthState = 2
)

// String returns the string representation of HealthState
func (h HealthState) String() string {
	switch h {
	case HealthCritical:
		return "critical"
	case HealthWarning:
		return "warning"
	case HealthGood:
		return "good"
	default:
		return fmt.Sprintf("unknown(%d)", int(h))
	}
}

// HealthSample is recomputed on every health tick and never persisted
type HealthSample struct {
	State      HealthState `json:"state"`
	FreeMemory float64     `json:"freeMemory"` // kilobytes
	Cameras    int         `json:"connectedCameras"`
}

// BoundingBox in normalized coordinates
type BoundingBox struct {
	L float64 `json:"l"`
	T float64 `json:"t"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// InferenceTag carries the detected class and its confidence (0.0-1.0)
type InferenceTag struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// InferenceEntity is an object detection result
type InferenceEntity struct {
	Box BoundingBox  `json:"box"`
	Tag InferenceTag `json:"tag"`
}

// InferenceMotion is a motion detection result
type InferenceMotion struct {
	Box BoundingBox `json:"box"`
}

// Inference is one item of an inbound inference batch. Raw keeps the original
// JSON so it can be forwarded unchanged as telemetry.
type Inference struct {
	Type   string           `json:"type"`
	Entity *InferenceEntity `json:"entity,omitempty"`
	Motion *InferenceMotion `json:"motion,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the raw document
func (i *Inference) UnmarshalJSON(data []byte) error {
	type plain Inference
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*i = Inference(p)
	i.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON forwards the raw document when present
func (i Inference) MarshalJSON() ([]byte, error) {
	if len(i.Raw) > 0 {
		return i.Raw, nil
	}
	type plain Inference
	return json.Marshal(plain(i))
}

// ClassName returns the detected class of an object inference, or ""
func (i Inference) ClassName() string {
	if i.Entity == nil {
		return ""
	}
	return i.Entity.Tag.Value
}

// ConfidencePercent returns the object confidence scaled to 0-100
func (i Inference) ConfidencePercent() float64 {
	if i.Entity == nil {
		return 0
	}
	return i.Entity.Tag.Confidence * 100
}
