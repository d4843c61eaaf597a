// Package fleet owns the gateway's registry session and the set of camera
// devices it manages.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camera-gateway-go/internal/device"
	"camera-gateway-go/internal/models"
	"camera-gateway-go/internal/provisioning"
	"camera-gateway-go/internal/registry"
	"camera-gateway-go/internal/settings"
	"camera-gateway-go/internal/store"
)

// Gateway telemetry, state and event names
const (
	TelemetryHeartbeat        = "tlSystemHeartbeat"
	TelemetryFreeMemory       = "tlFreeMemory"
	TelemetryConnectedCameras = "tlConnectedCameras"

	StateClientState = "stIoTCentralClientState"
	StateModule      = "stModuleState"

	EventCreateCamera  = "evCreateCamera"
	EventDeleteCamera  = "evDeleteCamera"
	EventModuleStarted = "evModuleStarted"
	EventModuleStopped = "evModuleStopped"
	EventModuleRestart = "evModuleRestart"
)

// Gateway settings
const (
	SettingDebugTelemetry     = "wpDebugTelemetry"
	SettingDebugRoutedMessage = "wpDebugRoutedMessage"
)

const (
	DefaultHealthCheckRetries = 3
	DefaultRestartGracePeriod = 10 * time.Second
)

var (
	ErrCameraExists   = errors.New("camera already exists")
	ErrCameraNotFound = errors.New("camera not found")
	ErrUnknownKind    = errors.New("unknown detection type")
	ErrUnroutable     = errors.New("unroutable message")
)

// Lifecycle terminates the process so an external supervisor can restart it
type Lifecycle interface {
	Exit(code int)
}

// ProcessLifecycle exits the current process
type ProcessLifecycle struct{}

func (ProcessLifecycle) Exit(code int) { os.Exit(code) }

// State of the gateway's registry session
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configure a Manager
type Options struct {
	GatewayID string
	ModuleID  string

	// Kinds maps each detection kind to its device variant
	Kinds map[models.DetectionKind]device.Kind

	HealthCheckRetries int
	RestartGracePeriod time.Duration

	Store     store.DeviceStore
	Admin     provisioning.DeviceAdmin
	Lifecycle Lifecycle
	System    SystemStats
}

// Manager is the entry point for fleet operations. It exclusively owns the
// device map and the gateway's settings.
type Manager struct {
	conn registry.Connection
	deps device.Deps
	opts Options
	log  zerolog.Logger

	settings   *settings.Settings
	reconciler *settings.Reconciler

	mu         sync.RWMutex
	devices    map[string]*device.Device
	pending    map[string]bool
	subs       []registry.Subscription
	state      State
	connFailed bool
	health     models.HealthState
	failStreak int
	lastSample models.HealthSample
}

// NewManager creates a manager for the gateway connection conn. deps are handed
// to every device the manager creates.
func NewManager(conn registry.Connection, deps device.Deps, opts Options, log zerolog.Logger) *Manager {
	if opts.Kinds == nil {
		opts.Kinds = device.DefaultKinds(false)
	}
	if opts.HealthCheckRetries <= 0 {
		opts.HealthCheckRetries = DefaultHealthCheckRetries
	}
	if opts.RestartGracePeriod < 0 {
		opts.RestartGracePeriod = 0
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Lifecycle == nil {
		opts.Lifecycle = ProcessLifecycle{}
	}
	if opts.System == nil {
		opts.System = NewHostStats(log)
	}
	deps.Log = log

	return &Manager{
		conn: conn,
		deps: deps,
		opts: opts,
		log:  log,
		settings: settings.New(
			settings.Bool(SettingDebugTelemetry, false),
			settings.Bool(SettingDebugRoutedMessage, false),
		),
		reconciler: settings.NewReconciler(log),
		devices:    make(map[string]*device.Device),
		pending:    make(map[string]bool),
		health:     models.HealthGood,
		lastSample: models.HealthSample{State: models.HealthGood},
	}
}

// Start opens the gateway session, subscribes to configuration, commands and
// routed messages, publishes the gateway properties and recreates stored cameras.
func (m *Manager) Start(ctx context.Context) error {
	m.setState(StateConnecting)

	if err := m.conn.Open(ctx); err != nil {
		m.connectionFailed(err)
		return &registry.ConnectionError{DeviceID: m.conn.DeviceID(), Step: "open", Err: err}
	}

	twin, err := m.conn.GetConfiguration(ctx)
	if err != nil {
		m.connectionFailed(err)
		return &registry.ConnectionError{DeviceID: m.conn.DeviceID(), Step: "configuration", Err: err}
	}

	m.conn.OnError(m.connectionFailed)

	sub, err := m.conn.OnConfigurationChanged(func(patch map[string]any) {
		m.OnConfigurationChanged(context.Background(), patch)
	})
	if err != nil {
		return &registry.ConnectionError{DeviceID: m.conn.DeviceID(), Step: "subscribe configuration", Err: err}
	}
	m.track(sub)

	for name, handler := range m.commandHandlers() {
		sub, err := m.conn.OnCommand(name, handler)
		if err != nil {
			return &registry.ConnectionError{DeviceID: m.conn.DeviceID(), Step: "subscribe " + name, Err: err}
		}
		m.track(sub)
	}

	sub, err = m.conn.OnRoutedMessage(func(msg registry.RoutedMessage) {
		defer m.recoverPanic("routed message")
		_ = m.RouteDownstreamMessage(context.Background(), msg)
	})
	if err != nil {
		return &registry.ConnectionError{DeviceID: m.conn.DeviceID(), Step: "subscribe routed messages", Err: err}
	}
	m.track(sub)

	m.setState(StateConnected)
	m.log.Info().Str("gateway_id", m.opts.GatewayID).Msg("Gateway connected")

	if err := m.conn.UpdateConfirmedProperties(ctx, m.opts.System.Properties(ctx)); err != nil {
		m.log.Warn().Err(err).Msg("Failed to publish gateway properties")
	}

	m.SendMeasurement(ctx, map[string]any{
		StateClientState:   models.ClientStateConnected,
		StateModule:        models.ModuleStateActive,
		EventModuleStarted: "Module initialization",
	})

	m.OnConfigurationChanged(ctx, twin.Desired)
	m.recreateDevices(ctx)
	return nil
}

// Shutdown closes every camera session without deprovisioning, then the gateway session
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	devices := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.devices = make(map[string]*device.Device)
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, d := range devices {
		d.Close()
	}

	m.SendMeasurement(ctx, map[string]any{
		StateModule:        models.ModuleStateInactive,
		EventModuleStopped: "Module shutdown",
	})

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	if err := m.conn.Close(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to close gateway connection")
	}
	m.setState(StateDisconnected)
	m.log.Info().Int("cameras", len(devices)).Msg("Gateway stopped")
}

// OnConfigurationChanged reconciles the gateway settings. The first patch
// moves the gateway to the active state.
func (m *Manager) OnConfigurationChanged(ctx context.Context, patch map[string]any) {
	if _, err := m.reconciler.Apply(ctx, m.settings, patch, m.conn); err != nil {
		m.log.Error().Err(err).Msg("Failed to confirm gateway settings")
	}

	m.mu.Lock()
	if m.state == StateConnected {
		m.state = StateActive
	}
	m.mu.Unlock()
}

// Settings exposes the gateway settings
func (m *Manager) Settings() *settings.Settings { return m.settings }

// State returns the gateway session state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Manager) track(sub registry.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, sub)
}

func (m *Manager) connectionFailed(err error) {
	m.log.Error().Err(err).Msg("Gateway registry connection error")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connFailed = true
	m.health = models.HealthCritical
}

// CreateCamera provisions and connects a camera. The camera is registered only
// when both steps succeed. Provisioning is not cancelled with ctx: a create
// abandoned by its caller still runs to completion.
func (m *Manager) CreateCamera(ctx context.Context, identity models.CameraIdentity) models.ProvisionResult {
	ctx = context.WithoutCancel(ctx)

	m.log.Info().
		Str("camera_id", identity.ID).
		Str("camera_name", identity.DisplayName).
		Str("detection_type", string(identity.DetectionKind)).
		Msg("Creating camera")

	if identity.ID == "" {
		return m.provisionFailure(identity.ID, "Missing device configuration - skipping provisioning")
	}

	kind, ok := m.opts.Kinds[identity.DetectionKind]
	if !ok {
		return m.provisionFailure(identity.ID, fmt.Sprintf("%v: %q", ErrUnknownKind, identity.DetectionKind))
	}

	if !m.reserve(identity.ID) {
		return m.provisionFailure(identity.ID, fmt.Sprintf("%v: %s", ErrCameraExists, identity.ID))
	}
	defer m.release(identity.ID)

	d := device.New(identity, kind, m.deps)
	result := d.ProvisionAndConnect(ctx)
	if !result.Succeeded() {
		return result
	}

	m.mu.Lock()
	m.devices[identity.ID] = d
	m.mu.Unlock()

	if err := m.opts.Store.Put(ctx, store.Record{Identity: identity, CreatedAt: time.Now().UTC()}); err != nil {
		m.log.Warn().Err(err).Str("camera_id", identity.ID).Msg("Failed to persist camera")
	}

	m.SendMeasurement(ctx, map[string]any{EventCreateCamera: identity.ID})
	m.log.Info().Str("camera_id", identity.ID).Msg("Successfully provisioned camera")
	return result
}

func (m *Manager) provisionFailure(cameraID, message string) models.ProvisionResult {
	m.log.Error().Str("camera_id", cameraID).Msg(message)
	return models.ProvisionResult{ProvisionMessage: message}
}

func (m *Manager) reserve(cameraID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[cameraID]; exists || m.pending[cameraID] {
		return false
	}
	m.pending[cameraID] = true
	return true
}

func (m *Manager) release(cameraID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, cameraID)
}

// DeleteCamera deprovisions a camera. Local bookkeeping is always removed; a
// failed remote delete leaves a registry record behind and is only logged.
func (m *Manager) DeleteCamera(ctx context.Context, cameraID string) models.OperationResult {
	m.log.Info().Str("camera_id", cameraID).Msg("Deleting camera")

	if cameraID == "" {
		return models.OperationResult{Message: "Missing cameraId"}
	}

	m.mu.Lock()
	d, found := m.devices[cameraID]
	delete(m.devices, cameraID)
	m.mu.Unlock()

	if found {
		d.DeleteCamera(ctx)
	}

	if err := m.opts.Store.Delete(ctx, cameraID); err != nil {
		m.log.Warn().Err(err).Str("camera_id", cameraID).Msg("Failed to remove stored camera")
	}

	var remoteErr error
	if m.opts.Admin != nil {
		remoteErr = m.opts.Admin.DeleteDevice(ctx, cameraID)
	}
	if remoteErr != nil {
		m.log.Warn().Err(remoteErr).Str("camera_id", cameraID).
			Msg("Registry delete failed, the registry record remains and needs separate cleanup")
	}

	if !found && remoteErr != nil {
		return models.OperationResult{Message: fmt.Sprintf("%v: %s", ErrCameraNotFound, cameraID)}
	}

	m.SendMeasurement(ctx, map[string]any{EventDeleteCamera: cameraID})
	m.log.Info().Str("camera_id", cameraID).Msg("Successfully deprovisioned camera")

	if remoteErr != nil {
		return models.OperationResult{Status: true, Message: "Camera removed from gateway, registry record remains"}
	}
	return models.OperationResult{Status: true, Message: "Success"}
}

// Device returns a registered camera
func (m *Manager) Device(cameraID string) (*device.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[cameraID]
	return d, ok
}

// Cameras lists registered cameras ordered by id
func (m *Manager) Cameras() []models.CameraSummary {
	m.mu.RLock()
	devices := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.RUnlock()

	out := make([]models.CameraSummary, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

func (m *Manager) recreateDevices(ctx context.Context) {
	records, err := m.opts.Store.List(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to read stored cameras")
		return
	}

	m.log.Info().Int("cameras", len(records)).Msg("Recreating stored cameras")
	for _, rec := range records {
		res := m.CreateCamera(ctx, rec.Identity)
		if !res.Succeeded() {
			m.log.Error().Str("camera_id", rec.Identity.ID).Str("reason", res.Message()).Msg("Failed to recreate camera")
		}
	}
}

// SendMeasurement sends gateway telemetry. It is a no-op before the session is
// open; failures are logged.
func (m *Manager) SendMeasurement(ctx context.Context, data map[string]any) {
	if len(data) == 0 || m.State() == StateDisconnected {
		return
	}

	if err := m.conn.SendTelemetry(ctx, data, nil); err != nil {
		m.log.Error().Err(err).Msg("Failed to send gateway telemetry")
		return
	}

	if m.settings.GetBool(SettingDebugTelemetry) {
		m.log.Info().Interface("telemetry", data).Msg("Gateway telemetry sent")
	}
}

func (m *Manager) recoverPanic(where string) {
	if r := recover(); r != nil {
		m.log.Error().Interface("panic", r).Str("where", where).Msg("Recovered from panic")
	}
}
