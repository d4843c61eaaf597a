// Package pipeline owns the analytics topology/instance pair of a single camera
// and drives it through the analytics module's lifecycle methods.
package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"camera-gateway-go/internal/models"
)

// Lifecycle methods exposed by the analytics module
const (
	MethodTopologySet        = "GraphTopologySet"
	MethodInstanceSet        = "GraphInstanceSet"
	MethodInstanceActivate   = "GraphInstanceActivate"
	MethodInstanceDeactivate = "GraphInstanceDeactivate"
	MethodInstanceDelete     = "GraphInstanceDelete"
	MethodTopologyDelete     = "GraphTopologyDelete"
)

// Invoker calls a method on the analytics module and returns its response payload
type Invoker interface {
	Invoke(ctx context.Context, method string, payload any) (json.RawMessage, error)
}

// State of a pipeline controller
type State int

const (
	StateUnset State = iota
	StateReady
	StateActive
	StateGone
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateGone:
		return "gone"
	default:
		return "unset"
	}
}

// Controller owns one camera's pipeline. Lifecycle calls are serialized.
type Controller struct {
	mu      sync.Mutex
	invoker Invoker
	source  TemplateSource
	log     zerolog.Logger

	templateName string
	rawTopology  []byte
	rawInstance  []byte
	def          *Definition
	state        State

	topologySet bool
	instanceSet bool
	activated   bool
}

// NewController creates an unloaded controller
func NewController(invoker Invoker, source TemplateSource, log zerolog.Logger) *Controller {
	return &Controller{
		invoker: invoker,
		source:  source,
		log:     log.With().Str("component", "pipeline").Logger(),
	}
}

// Load reads a named template pair. The controller becomes ready on success.
func (c *Controller) Load(ctx context.Context, name string) error {
	topology, instance, err := c.source.Read(ctx, name)
	if err != nil {
		return err
	}

	def, err := ParseDefinition(name, topology, instance)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.templateName = name
	c.rawTopology = topology
	c.rawInstance = instance
	c.def = def
	if c.state == StateUnset || c.state == StateGone {
		c.state = StateReady
	}

	c.log.Debug().
		Str("template", name).
		Str("topology", def.TopologyName()).
		Str("instance", def.InstanceName()).
		Msg("Loaded pipeline template")
	return nil
}

// Parameterize rebuilds the documents from the loaded template, names them after
// identity.ID and fills the source credentials plus any extra parameters. A
// parameter with no matching slot in the instance is logged and skipped.
// Changes take effect on the next Start.
func (c *Controller) Parameterize(identity models.CameraIdentity, extra map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.def == nil {
		return ErrNotLoaded
	}

	def, err := ParseDefinition(c.templateName, c.rawTopology, c.rawInstance)
	if err != nil {
		return err
	}

	topologyName := DeriveName(def.TopologyName(), identity.ID)
	instanceName := DeriveName(def.InstanceName(), identity.ID)

	def.Topology["name"] = topologyName
	def.Instance["name"] = instanceName
	if props, ok := def.Instance["properties"].(map[string]any); ok {
		props["topologyName"] = topologyName
	} else {
		def.Instance["properties"] = map[string]any{"topologyName": topologyName}
	}

	params := identityParams(identity)
	for k, v := range extra {
		params[k] = v
	}
	for _, name := range sortedKeys(params) {
		if !def.SetParam(name, params[name]) {
			c.log.Warn().
				Str("camera_id", identity.ID).
				Str("parameter", name).
				Str("instance", instanceName).
				Msg("Pipeline instance has no slot for parameter")
		}
	}

	c.def = def
	return nil
}

// Start sets the topology, sets the instance and activates it, in that order. It
// stops at the first failing step and returns an *InvokeError naming it. Starting
// an active pipeline returns ErrPipelineActive.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateActive:
		return ErrPipelineActive
	case StateUnset, StateGone:
		return ErrNotLoaded
	}

	if err := c.call(ctx, MethodTopologySet, c.def.Topology); err != nil {
		return err
	}
	c.topologySet = true

	if err := c.call(ctx, MethodInstanceSet, c.def.Instance); err != nil {
		return err
	}
	c.instanceSet = true

	if err := c.call(ctx, MethodInstanceActivate, nameRef(c.def.Instance)); err != nil {
		return err
	}
	c.activated = true
	c.state = StateActive

	c.log.Info().Str("instance", c.def.InstanceName()).Msg("Pipeline activated")
	return nil
}

// Stop tears down whatever Start managed to create: deactivate, delete the
// instance, delete the topology. Stopping a pipeline that never started succeeds.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) error {
	if c.def == nil {
		return nil
	}

	if c.activated {
		if err := c.call(ctx, MethodInstanceDeactivate, nameRef(c.def.Instance)); err != nil {
			return err
		}
		c.activated = false
	}

	if c.instanceSet {
		if err := c.call(ctx, MethodInstanceDelete, nameRef(c.def.Instance)); err != nil {
			return err
		}
		c.instanceSet = false
	}

	if c.topologySet {
		if err := c.call(ctx, MethodTopologyDelete, nameRef(c.def.Topology)); err != nil {
			return err
		}
		c.topologySet = false
	}

	if c.state == StateActive {
		c.log.Info().Str("instance", c.def.InstanceName()).Msg("Pipeline stopped")
		c.state = StateReady
	}
	return nil
}

// Delete stops the pipeline and releases the template. The template is released
// even if the stop fails; the stop error is returned.
func (c *Controller) Delete(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.stopLocked(ctx)

	c.def = nil
	c.rawTopology = nil
	c.rawInstance = nil
	c.topologySet, c.instanceSet, c.activated = false, false, false
	c.state = StateGone
	return err
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether the pipeline instance is running
func (c *Controller) Active() bool {
	return c.State() == StateActive
}

// InstanceName returns the parameterized instance name, or "" when unloaded
func (c *Controller) InstanceName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.def == nil {
		return ""
	}
	return c.def.InstanceName()
}

// TopologyName returns the parameterized topology name, or "" when unloaded
func (c *Controller) TopologyName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.def == nil {
		return ""
	}
	return c.def.TopologyName()
}

func (c *Controller) call(ctx context.Context, method string, payload any) error {
	c.log.Debug().Str("method", method).Msg("Invoking analytics module")

	if _, err := c.invoker.Invoke(ctx, method, payload); err != nil {
		c.log.Error().Err(err).Str("method", method).Msg("Analytics module call failed")
		return &InvokeError{Step: method, Err: err}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CameraIDFromSubject extracts the camera id from a routed message subject of the
// form /graphInstances/<prefix>_<cameraId>. It returns "" when the subject does
// not match.
func CameraIDFromSubject(subject string) string {
	parts := strings.Split(subject, "/")
	if len(parts) < 3 || parts[1] != "graphInstances" {
		return ""
	}

	_, cameraID, found := strings.Cut(parts[2], "_")
	if !found {
		return ""
	}
	return cameraID
}
