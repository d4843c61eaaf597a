// Package device implements one camera's session: provisioning, its registry
// connection, its settings and its analytics pipeline.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camera-gateway-go/internal/models"
	"camera-gateway-go/internal/pipeline"
	"camera-gateway-go/internal/provisioning"
	"camera-gateway-go/internal/registry"
	"camera-gateway-go/internal/settings"
)

// Telemetry, state and event names sent by a camera
const (
	TelemetryHeartbeat      = "tlSystemHeartbeat"
	TelemetryInferenceCount = "tlInferenceCount"
	TelemetryInference      = "tlInference"

	StateClientState = "stIoTCentralClientState"
	StateCamera      = "stCameraState"

	EventStartCommandReceived = "evStartLvaGraphCommandReceived"
	EventStopCommandReceived  = "evStopLvaGraphCommandReceived"
	EventPipeline             = "evPipelineEvent"
)

// Commands a camera answers
const (
	CommandStartProcessing = "cmStartLvaProcessing"
	CommandStopProcessing  = "cmStopLvaProcessing"
)

// Reported properties published on connect
const (
	PropertyCameraName       = "rpCameraName"
	PropertyManufacturer     = "rpManufacturer"
	PropertyModel            = "rpModel"
	PropertyRtspURL          = "rpRtspUrl"
	PropertyRtspAuthUsername = "rpRtspAuthUsername"
	PropertyDetectionType    = "rpDetectionType"
	PropertyGatewayTag       = "rpGatewayTag"

	PropertyInferenceImageURL = "rpInferenceImageUrl"
)

const (
	manufacturer = "Acme"
	model        = "Illudium Q-36"

	// GatewayTagSuffix marks devices created by a camera gateway
	GatewayTagSuffix = "camera-gateway"

	assetTimeLayout = "20060102-150405"
)

// DialFunc creates an unopened registry connection
type DialFunc func(creds registry.Credentials) (registry.Connection, error)

// Deps are the collaborators shared by every camera of a fleet
type Deps struct {
	Registrar provisioning.Registrar
	Dial      DialFunc
	Invoker   pipeline.Invoker
	Templates pipeline.TemplateSource

	GatewayID string
	ModuleID  string
	ScopeID   string
	MasterKey string

	// DebugTelemetryCamera turns on payload logging for one camera id
	DebugTelemetryCamera string

	Images SampleImages

	Log zerolog.Logger
	Now func() time.Time
}

// Device is one camera's session
type Device struct {
	identity models.CameraIdentity
	kind     Kind
	deps     Deps
	log      zerolog.Logger
	debug    bool

	settings   *settings.Settings
	reconciler *settings.Reconciler
	pipeline   *pipeline.Controller

	mu     sync.Mutex
	conn   registry.Connection
	subs   []registry.Subscription
	health models.HealthState
}

// New creates an unconnected camera of the given kind
func New(identity models.CameraIdentity, kind Kind, deps Deps) *Device {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	deps.Images = deps.Images.withDefaults()
	logger := deps.Log.With().Str("camera_id", identity.ID).Str("kind", string(kind.Name)).Logger()

	defs := append(sharedSettings(), kind.Variant.Settings()...)

	return &Device{
		identity:   identity,
		kind:       kind,
		deps:       deps,
		log:        logger,
		debug:      deps.DebugTelemetryCamera != "" && deps.DebugTelemetryCamera == identity.ID,
		settings:   settings.New(defs...),
		reconciler: settings.NewReconciler(logger),
		pipeline:   pipeline.NewController(deps.Invoker, deps.Templates, logger),
		health:     models.HealthGood,
	}
}

// ID returns the camera id
func (d *Device) ID() string { return d.identity.ID }

// Identity returns the camera identity
func (d *Device) Identity() models.CameraIdentity { return d.identity }

// Settings exposes the camera's live settings
func (d *Device) Settings() *settings.Settings { return d.settings }

// Pipeline exposes the camera's pipeline controller
func (d *Device) Pipeline() *pipeline.Controller { return d.pipeline }

// Health returns the last known health without reporting it
func (d *Device) Health() models.HealthState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health
}

// Summary returns the API view of the camera
func (d *Device) Summary() models.CameraSummary {
	return models.CameraSummary{
		CameraID:      d.identity.ID,
		CameraName:    d.identity.DisplayName,
		DetectionKind: d.kind.Name,
		PipelineState: d.pipeline.State().String(),
		Health:        d.Health(),
	}
}

// ProvisionAndConnect loads the pipeline template, registers the camera,
// opens its registry connection and subscribes to configuration and commands.
// Failures are reported in the result, never returned.
func (d *Device) ProvisionAndConnect(ctx context.Context) models.ProvisionResult {
	var result models.ProvisionResult

	if err := d.pipeline.Load(ctx, d.kind.Template); err != nil {
		result.ProvisionMessage = fmt.Sprintf("Failed to load pipeline template %q: %v", d.kind.Template, err)
		d.log.Error().Err(err).Str("template", d.kind.Template).Msg("Failed to load pipeline template")
		return result
	}

	reg, key, err := d.provision(ctx)
	if err != nil {
		result.ProvisionMessage = fmt.Sprintf("Error while provisioning device: %v", err)
		d.log.Error().Err(err).Msg("Failed to provision camera")
		return result
	}
	result.ProvisionStatus = true
	result.ProvisionMessage = fmt.Sprintf("Successfully provisioned device: %s", d.identity.ID)

	if err := d.connect(ctx, registry.Credentials{Endpoint: reg.Endpoint, DeviceID: reg.DeviceID, Key: key}); err != nil {
		result.ConnectionMessage = fmt.Sprintf("Registry connection error: %v", err)
		d.log.Error().Err(err).Msg("Failed to connect camera")
		return result
	}
	result.ConnectionStatus = true
	result.ConnectionMessage = fmt.Sprintf("Successfully connected device: %s", d.identity.ID)

	d.log.Info().Str("endpoint", reg.Endpoint).Msg("Camera connected")
	return result
}

func (d *Device) provision(ctx context.Context) (provisioning.Result, string, error) {
	if d.deps.MasterKey == "" || d.deps.Registrar == nil {
		return provisioning.Result{}, "", &provisioning.Error{DeviceID: d.identity.ID, Err: provisioning.ErrMissingSettings}
	}

	key, err := provisioning.DeriveKey(d.identity.ID, d.deps.MasterKey)
	if err != nil {
		return provisioning.Result{}, "", &provisioning.Error{DeviceID: d.identity.ID, Err: err}
	}

	res, err := d.deps.Registrar.Register(ctx, provisioning.Request{
		DeviceID:  d.identity.ID,
		Key:       key,
		ModelID:   d.kind.ModelID,
		GatewayID: d.deps.GatewayID,
		ModuleID:  d.deps.ModuleID,
	})
	if err != nil {
		return provisioning.Result{}, "", &provisioning.Error{DeviceID: d.identity.ID, Err: err}
	}
	if res.DeviceID == "" {
		res.DeviceID = d.identity.ID
	}
	return res, key, nil
}

func (d *Device) connect(ctx context.Context, creds registry.Credentials) error {
	d.closeConnection()

	conn, err := d.deps.Dial(creds)
	if err != nil {
		return &registry.ConnectionError{DeviceID: d.identity.ID, Step: "dial", Err: err}
	}
	if err := conn.Open(ctx); err != nil {
		_ = conn.Close()
		return &registry.ConnectionError{DeviceID: d.identity.ID, Step: "open", Err: err}
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	fail := func(step string, err error) error {
		d.closeConnection()
		return &registry.ConnectionError{DeviceID: d.identity.ID, Step: step, Err: err}
	}

	twin, err := conn.GetConfiguration(ctx)
	if err != nil {
		return fail("configuration", err)
	}

	sub, err := conn.OnConfigurationChanged(func(patch map[string]any) {
		d.OnConfigurationChanged(context.Background(), patch)
	})
	if err != nil {
		return fail("subscribe configuration", err)
	}
	d.track(sub)

	conn.OnError(d.onConnectionError)

	for name, handler := range map[string]registry.CommandHandler{
		CommandStartProcessing: d.startProcessingCommand,
		CommandStopProcessing:  d.stopProcessingCommand,
	} {
		sub, err := conn.OnCommand(name, handler)
		if err != nil {
			return fail("subscribe "+name, err)
		}
		d.track(sub)
	}

	d.OnConfigurationChanged(ctx, twin.Desired)

	if err := conn.UpdateConfirmedProperties(ctx, d.identityProperties()); err != nil {
		d.log.Warn().Err(err).Msg("Failed to publish camera properties")
	}

	d.sendMeasurement(ctx, map[string]any{
		StateClientState: models.ClientStateConnected,
		StateCamera:      models.CameraStateInactive,
	})

	d.mu.Lock()
	d.health = models.HealthGood
	d.mu.Unlock()

	d.log.Info().Msg("Camera is ready")
	d.reportImage(ctx, d.kind.Variant.ReadyImage(d.deps.Images))
	return nil
}

func (d *Device) reportImage(ctx context.Context, url string) {
	conn := d.connection()
	if url == "" || conn == nil {
		return
	}
	if err := conn.UpdateConfirmedProperties(ctx, map[string]any{PropertyInferenceImageURL: url}); err != nil {
		d.log.Warn().Err(err).Msg("Failed to report inference image")
	}
}

func (d *Device) identityProperties() map[string]any {
	return map[string]any{
		PropertyCameraName:       d.identity.DisplayName,
		PropertyManufacturer:     manufacturer,
		PropertyModel:            model,
		PropertyRtspURL:          d.identity.SourceURI,
		PropertyRtspAuthUsername: d.identity.Username,
		PropertyDetectionType:    string(d.kind.Name),
		PropertyGatewayTag:       d.deps.GatewayID + ":" + GatewayTagSuffix,
	}
}

func (d *Device) track(sub registry.Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, sub)
}

func (d *Device) unsubscribe() {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			d.log.Debug().Err(err).Msg("Unsubscribe failed")
		}
	}
}

func (d *Device) closeConnection() {
	d.unsubscribe()

	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to close registry connection")
		}
	}
}

func (d *Device) onConnectionError(err error) {
	d.log.Error().Err(err).Msg("Camera registry connection error")

	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = models.HealthCritical
}

func (d *Device) connection() registry.Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// GetHealth reports the current health as a heartbeat and returns it
func (d *Device) GetHealth(ctx context.Context) models.HealthState {
	health := d.Health()
	d.sendMeasurement(ctx, map[string]any{TelemetryHeartbeat: health})
	return health
}

// DeleteCamera tears the pipeline down, reports the camera inactive and closes
// its registry connection. Errors are logged, never returned.
func (d *Device) DeleteCamera(ctx context.Context) {
	d.log.Info().Msg("Deleting camera")

	if err := d.pipeline.Delete(ctx); err != nil {
		d.log.Warn().Err(err).Msg("Pipeline teardown failed while deleting camera")
	}

	d.sendMeasurement(ctx, map[string]any{StateCamera: models.CameraStateInactive})
	d.closeConnection()
}

// Close ends the registry session and leaves the pipeline running. Used on shutdown.
func (d *Device) Close() {
	d.closeConnection()
}

// SendTelemetry forwards an arbitrary telemetry document
func (d *Device) SendTelemetry(ctx context.Context, data map[string]any) {
	d.sendMeasurement(ctx, data)
}

// SendPipelineEvent reports an operational or diagnostic event of the pipeline
func (d *Device) SendPipelineEvent(ctx context.Context, eventType string) {
	if eventType == "" {
		return
	}
	d.sendMeasurement(ctx, map[string]any{EventPipeline: eventType})
}

// ProcessInferences forwards the inferences selected by the camera kind, one
// telemetry message each, followed by their count. It returns the number forwarded.
func (d *Device) ProcessInferences(ctx context.Context, batch []models.Inference) int {
	if d.connection() == nil {
		d.log.Error().Msg("Cannot process inferences, camera is not connected")
		return 0
	}

	if d.debug {
		d.log.Info().Int("inferences", len(batch)).Msg("Processing inferences")
	}

	matched := d.kind.Variant.Filter(d.settings, batch)
	for _, inf := range matched {
		d.sendMeasurement(ctx, map[string]any{TelemetryInference: inf})
	}
	if len(matched) > 0 {
		d.sendMeasurement(ctx, map[string]any{TelemetryInferenceCount: len(matched)})
		d.reportImage(ctx, d.kind.Variant.InferenceImage(d.deps.Images))
	}
	return len(matched)
}

// OnConfigurationChanged reconciles a desired-property patch, confirms the result
// and re-parameterizes the pipeline when a pipeline setting changed
func (d *Device) OnConfigurationChanged(ctx context.Context, patch map[string]any) {
	var reporter settings.Reporter
	if conn := d.connection(); conn != nil {
		reporter = conn
	}

	res, err := d.reconciler.Apply(ctx, d.settings, patch, reporter)
	if err != nil {
		d.log.Error().Err(err).Msg("Failed to confirm camera settings")
	}

	if d.pipelineSettingChanged(res) {
		if err := d.parameterize(); err != nil {
			d.log.Error().Err(err).Msg("Failed to apply settings to pipeline")
		}
	}
}

func (d *Device) pipelineSettingChanged(res settings.Result) bool {
	names := append([]string{SettingRtspURL, SettingRtspAuthUsername, SettingRtspAuthPassword}, d.kind.Variant.PipelineSettings()...)
	for _, name := range names {
		if res.Changed(name) {
			return true
		}
	}
	return false
}

// parameterize applies identity and current settings to the pipeline. A
// non-empty rtsp setting overrides the provisioned source.
func (d *Device) parameterize() error {
	params := d.kind.Variant.PipelineParams(d.settings)
	params["assetName"] = d.assetName()

	for setting, param := range map[string]string{
		SettingRtspURL:          "rtspUrl",
		SettingRtspAuthUsername: "rtspAuthUsername",
		SettingRtspAuthPassword: "rtspAuthPassword",
	} {
		if v := d.settings.GetString(setting); v != "" {
			params[param] = v
		}
	}

	return d.pipeline.Parameterize(d.identity, params)
}

func (d *Device) assetName() string {
	return fmt.Sprintf("%s-%s-%s", d.deps.ScopeID, d.identity.ID, d.deps.Now().UTC().Format(assetTimeLayout))
}

// StartProcessing restarts the pipeline with the current settings
func (d *Device) StartProcessing(ctx context.Context) error {
	if err := d.pipeline.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	if err := d.parameterize(); err != nil {
		return fmt.Errorf("failed to parameterize pipeline: %w", err)
	}
	if err := d.pipeline.Start(ctx); err != nil {
		return err
	}

	d.sendMeasurement(ctx, map[string]any{StateCamera: models.CameraStateActive})
	return nil
}

// StopProcessing stops the pipeline
func (d *Device) StopProcessing(ctx context.Context) error {
	if err := d.pipeline.Stop(ctx); err != nil {
		return err
	}

	d.sendMeasurement(ctx, map[string]any{StateCamera: models.CameraStateInactive})
	return nil
}

func (d *Device) startProcessingCommand(ctx context.Context, _ registry.CommandRequest) (resp registry.CommandResponse) {
	d.log.Info().Str("command", CommandStartProcessing).Msg("Command received")
	defer d.recoverCommand(CommandStartProcessing, &resp)

	d.sendMeasurement(ctx, map[string]any{EventStartCommandReceived: d.deps.Now().UTC().Format(time.RFC3339)})

	if err := d.StartProcessing(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to start pipeline")
		return registry.Respond(registry.StatusBadRequest, map[string]any{"message": err.Error()})
	}
	return registry.Respond(registry.StatusCreated, map[string]any{
		"message": fmt.Sprintf("Pipeline %s started", d.pipeline.InstanceName()),
	})
}

func (d *Device) stopProcessingCommand(ctx context.Context, _ registry.CommandRequest) (resp registry.CommandResponse) {
	d.log.Info().Str("command", CommandStopProcessing).Msg("Command received")
	defer d.recoverCommand(CommandStopProcessing, &resp)

	d.sendMeasurement(ctx, map[string]any{EventStopCommandReceived: d.deps.Now().UTC().Format(time.RFC3339)})

	if err := d.StopProcessing(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop pipeline")
		return registry.Respond(registry.StatusBadRequest, map[string]any{"message": err.Error()})
	}
	return registry.Respond(registry.StatusCreated, map[string]any{"message": "Pipeline stopped"})
}

// recoverCommand turns a panicking handler into a failure response
func (d *Device) recoverCommand(name string, resp *registry.CommandResponse) {
	if r := recover(); r != nil {
		d.log.Error().Interface("panic", r).Str("command", name).Msg("Command handler panicked")
		*resp = registry.Respond(registry.StatusBadRequest, map[string]any{"message": fmt.Sprintf("%v", r)})
	}
}

func (d *Device) sendMeasurement(ctx context.Context, data map[string]any) {
	conn := d.connection()
	if conn == nil || len(data) == 0 {
		return
	}

	if err := conn.SendTelemetry(ctx, data, nil); err != nil {
		if !errors.Is(err, context.Canceled) {
			d.log.Error().Err(err).Msg("Failed to send telemetry")
		}
		return
	}

	if d.debug {
		d.log.Info().Interface("telemetry", data).Msg("Telemetry sent")
	}
}
