package device

import (
	"regexp"
	"strings"

	"camera-gateway-go/internal/models"
	"camera-gateway-go/internal/settings"
)

// Setting names shared by every camera kind
const (
	SettingRtspURL          = "wpRtspUrl"
	SettingRtspAuthUsername = "wpRtspAuthUsername"
	SettingRtspAuthPassword = "wpRtspAuthPassword"
)

// Motion detector settings
const (
	SettingSensitivity = "wpSensitivity"
)

// Object detector settings
const (
	SettingDetectionClasses    = "wpDetectionClasses"
	SettingConfidenceThreshold = "wpConfidenceThreshold"
	SettingInferenceFps        = "wpInferenceFps"
)

// Variant is what differs between camera kinds. The lifecycle itself lives in Device.
type Variant interface {
	// Settings returns the kind-specific settings
	Settings() []settings.Definition
	// PipelineSettings lists the settings whose change re-parameterizes the pipeline
	PipelineSettings() []string
	// PipelineParams maps current settings to pipeline instance parameters
	PipelineParams(s *settings.Settings) map[string]any
	// Filter selects the inferences forwarded as telemetry
	Filter(s *settings.Settings, batch []models.Inference) []models.Inference
	// ReadyImage is the preview image reported once the camera is connected
	ReadyImage(images SampleImages) string
	// InferenceImage is the preview image reported after a batch with matches.
	// Empty leaves the reported image unchanged.
	InferenceImage(images SampleImages) string
}

// DefaultCaptureImage is the preview shown for a camera before it has inferences
const DefaultCaptureImage = "https://iotcsavisionai.blob.core.windows.net/image-link-test/rtspcapture.jpg"

// SampleImages are the preview image urls reported as rpInferenceImageUrl
type SampleImages struct {
	Capture string
	Analyze string
	Motion  string
}

// withDefaults fills unset urls from Capture
func (s SampleImages) withDefaults() SampleImages {
	if s.Capture == "" {
		s.Capture = DefaultCaptureImage
	}
	if s.Analyze == "" {
		s.Analyze = s.Capture
	}
	if s.Motion == "" {
		s.Motion = s.Capture
	}
	return s
}

// Kind binds a detection kind to its registry model, pipeline template and variant
type Kind struct {
	Name     models.DetectionKind
	ModelID  string
	Template string
	Variant  Variant
}

// DefaultKinds returns the built-in kind table
func DefaultKinds(objectSubstringMatch bool) map[models.DetectionKind]Kind {
	return map[models.DetectionKind]Kind{
		models.DetectionKindMotion: {
			Name:     models.DetectionKindMotion,
			ModelID:  "urn:CameraGateway:MotionDetectorDevice:1",
			Template: string(models.DetectionKindMotion),
			Variant:  MotionDetector{},
		},
		models.DetectionKindObject: {
			Name:     models.DetectionKindObject,
			ModelID:  "urn:CameraGateway:ObjectDetectorDevice:1",
			Template: string(models.DetectionKindObject),
			Variant:  ObjectDetector{SubstringMatch: objectSubstringMatch},
		},
	}
}

func sharedSettings() []settings.Definition {
	return []settings.Definition{
		settings.String(SettingRtspURL, ""),
		settings.String(SettingRtspAuthUsername, ""),
		settings.String(SettingRtspAuthPassword, ""),
	}
}

// MotionDetector forwards every motion inference
type MotionDetector struct{}

func (MotionDetector) Settings() []settings.Definition {
	return []settings.Definition{
		settings.String(SettingSensitivity, "medium", "low", "medium", "high"),
	}
}

func (MotionDetector) PipelineSettings() []string {
	return []string{SettingSensitivity}
}

func (MotionDetector) PipelineParams(s *settings.Settings) map[string]any {
	return map[string]any{
		"motionSensitivity": s.GetString(SettingSensitivity),
	}
}

func (MotionDetector) Filter(_ *settings.Settings, batch []models.Inference) []models.Inference {
	return batch
}

func (MotionDetector) ReadyImage(images SampleImages) string { return images.Analyze }

func (MotionDetector) InferenceImage(images SampleImages) string { return images.Motion }

const (
	defaultDetectionClass      = "person"
	defaultConfidenceThreshold = 70.0
	defaultInferenceFps        = 2.0
)

var classSeparator = regexp.MustCompile(`[\s,]+`)

// ObjectDetector forwards object inferences of the configured classes whose
// confidence reaches the threshold. Classes match exactly after upper-casing
// unless SubstringMatch is set.
type ObjectDetector struct {
	SubstringMatch bool
}

func (ObjectDetector) Settings() []settings.Definition {
	return []settings.Definition{
		settings.String(SettingDetectionClasses, defaultDetectionClass),
		settings.Number(SettingConfidenceThreshold, defaultConfidenceThreshold),
		settings.Number(SettingInferenceFps, defaultInferenceFps),
	}
}

func (ObjectDetector) PipelineSettings() []string {
	return []string{SettingInferenceFps}
}

func (ObjectDetector) PipelineParams(s *settings.Settings) map[string]any {
	return map[string]any{
		"frameRate": s.GetNumber(SettingInferenceFps),
	}
}

func (o ObjectDetector) Filter(s *settings.Settings, batch []models.Inference) []models.Inference {
	classes := DetectionClasses(s.GetString(SettingDetectionClasses))
	threshold := s.GetNumber(SettingConfidenceThreshold)

	var out []models.Inference
	for _, inf := range batch {
		if !o.matchClass(classes, strings.ToUpper(inf.ClassName())) {
			continue
		}
		if inf.ConfidencePercent() < threshold {
			continue
		}
		out = append(out, inf)
	}
	return out
}

func (ObjectDetector) ReadyImage(images SampleImages) string { return images.Capture }

func (ObjectDetector) InferenceImage(SampleImages) string { return "" }

func (o ObjectDetector) matchClass(classes []string, class string) bool {
	if class == "" {
		return false
	}
	for _, c := range classes {
		if c == class {
			return true
		}
		if o.SubstringMatch && strings.Contains(class, c) {
			return true
		}
	}
	return false
}

// DetectionClasses parses a comma or whitespace separated class list into
// upper-case class names
func DetectionClasses(value string) []string {
	var out []string
	for _, c := range classSeparator.Split(strings.ToUpper(value), -1) {
		if c != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		out = []string{strings.ToUpper(defaultDetectionClass)}
	}
	return out
}
