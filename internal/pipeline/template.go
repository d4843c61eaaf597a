package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"camera-gateway-go/internal/models"
)

// CameraIDPlaceholder is replaced with the camera id in template names
const CameraIDPlaceholder = "###RtspCameraId"

const (
	topologySuffix = "GraphTopology.json"
	instanceSuffix = "GraphInstance.json"
)

// TemplateSource reads the raw topology and instance documents of a named template
type TemplateSource interface {
	Read(ctx context.Context, name string) (topology, instance []byte, err error)
}

// TopologyFile returns the object/file name of a template's topology half
func TopologyFile(name string) string { return name + topologySuffix }

// InstanceFile returns the object/file name of a template's instance half
func InstanceFile(name string) string { return name + instanceSuffix }

// DirSource reads templates from a content directory
type DirSource struct {
	Root string
}

// Read implements TemplateSource
func (d DirSource) Read(_ context.Context, name string) ([]byte, []byte, error) {
	topology, err := os.ReadFile(filepath.Join(d.Root, TopologyFile(name)))
	if err != nil {
		return nil, nil, &TemplateLoadError{Name: name, File: TopologyFile(name), Err: err}
	}

	instance, err := os.ReadFile(filepath.Join(d.Root, InstanceFile(name)))
	if err != nil {
		return nil, nil, &TemplateLoadError{Name: name, File: InstanceFile(name), Err: err}
	}

	return topology, instance, nil
}

// Definition is one device's topology and instance documents
type Definition struct {
	Topology map[string]any
	Instance map[string]any
}

// ParseDefinition validates both documents of a template pair
func ParseDefinition(name string, topology, instance []byte) (*Definition, error) {
	def := &Definition{}

	if err := json.Unmarshal(topology, &def.Topology); err != nil {
		return nil, &TemplateLoadError{Name: name, File: TopologyFile(name), Err: err}
	}
	if err := json.Unmarshal(instance, &def.Instance); err != nil {
		return nil, &TemplateLoadError{Name: name, File: InstanceFile(name), Err: err}
	}

	if _, ok := def.Topology["name"].(string); !ok {
		return nil, &TemplateLoadError{Name: name, File: TopologyFile(name), Err: fmt.Errorf("%w: missing name", ErrInvalidTemplate)}
	}
	if _, ok := def.Instance["name"].(string); !ok {
		return nil, &TemplateLoadError{Name: name, File: InstanceFile(name), Err: fmt.Errorf("%w: missing name", ErrInvalidTemplate)}
	}

	return def, nil
}

// TopologyName returns the topology's name field
func (d *Definition) TopologyName() string {
	name, _ := d.Topology["name"].(string)
	return name
}

// InstanceName returns the instance's name field
func (d *Definition) InstanceName() string {
	name, _ := d.Instance["name"].(string)
	return name
}

// DeriveName makes a template name unique to a camera. The placeholder is replaced
// when present; otherwise the camera id is appended after an underscore.
func DeriveName(templateName, cameraID string) string {
	if strings.Contains(templateName, CameraIDPlaceholder) {
		return strings.ReplaceAll(templateName, CameraIDPlaceholder, cameraID)
	}
	return templateName + "_" + cameraID
}

// SetParam sets the value of a named instance parameter. It returns false when the
// instance defines no parameter with that name.
func (d *Definition) SetParam(name string, value any) bool {
	props, _ := d.Instance["properties"].(map[string]any)
	if props == nil {
		return false
	}

	params, _ := props["parameters"].([]any)
	for _, p := range params {
		param, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if param["name"] == name {
			param["value"] = value
			return true
		}
	}
	return false
}

// Param returns the value of a named instance parameter
func (d *Definition) Param(name string) (any, bool) {
	props, _ := d.Instance["properties"].(map[string]any)
	params, _ := props["parameters"].([]any)
	for _, p := range params {
		if param, ok := p.(map[string]any); ok && param["name"] == name {
			return param["value"], true
		}
	}
	return nil, false
}

// nameRef is the payload used by every lifecycle call that addresses an object by name
func nameRef(doc map[string]any) map[string]any {
	ref := map[string]any{"name": doc["name"]}
	if v, ok := doc["@apiVersion"]; ok {
		ref["@apiVersion"] = v
	}
	return ref
}

// identityParams are the source parameters every template receives
func identityParams(identity models.CameraIdentity) map[string]any {
	return map[string]any{
		"rtspUrl":          identity.SourceURI,
		"rtspAuthUsername": identity.Username,
		"rtspAuthPassword": identity.Password,
	}
}
