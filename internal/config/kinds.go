package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"camera-gateway-go/internal/device"
	"camera-gateway-go/internal/models"
)

// KindOverride replaces the model id or template of a built-in detection kind
type KindOverride struct {
	ModelID  string `yaml:"modelId"`
	Template string `yaml:"template"`
}

type kindsFile struct {
	Kinds map[string]KindOverride `yaml:"kinds"`
}

// LoadKinds returns the built-in detection kinds with the overrides from the
// YAML file at path applied. An empty path returns the built-in table. Entries
// for kinds without a built-in variant are rejected.
//
//	kinds:
//	  object:
//	    modelId: urn:Acme:ObjectDetector:2
//	    template: objectV2
func LoadKinds(path string, objectSubstringMatch bool) (map[models.DetectionKind]device.Kind, error) {
	kinds := device.DefaultKinds(objectSubstringMatch)
	if path == "" {
		return kinds, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read kinds file: %w", err)
	}

	var doc kindsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse kinds file %s: %w", path, err)
	}

	for name, override := range doc.Kinds {
		kindName := models.ParseDetectionKind(name)
		kind, ok := kinds[kindName]
		if !ok {
			return nil, fmt.Errorf("%w: kinds file %s names unknown detection type %q", ErrInvalidValue, path, name)
		}
		if override.ModelID != "" {
			kind.ModelID = override.ModelID
		}
		if override.Template != "" {
			kind.Template = override.Template
		}
		kinds[kindName] = kind
	}
	return kinds, nil
}
