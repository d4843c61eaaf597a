package device

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camera-gateway-go/internal/models"
	"camera-gateway-go/internal/pipeline"
	"camera-gateway-go/internal/provisioning"
	"camera-gateway-go/internal/registry"
)

const motionTopology = `{"@apiVersion": "1.0", "name": "MotionDetection"}`

const motionInstance = `{
  "@apiVersion": "1.0",
  "name": "Motion_###RtspCameraId",
  "properties": {
    "topologyName": "MotionDetection",
    "parameters": [
      {"name": "rtspUrl", "value": ""},
      {"name": "rtspAuthUsername", "value": ""},
      {"name": "rtspAuthPassword", "value": ""},
      {"name": "motionSensitivity", "value": ""},
      {"name": "assetName", "value": ""}
    ]
  }
}`

const objectTopology = `{"@apiVersion": "1.0", "name": "ObjectDetection"}`

const objectInstance = `{
  "@apiVersion": "1.0",
  "name": "Object_###RtspCameraId",
  "properties": {
    "topologyName": "ObjectDetection",
    "parameters": [
      {"name": "rtspUrl", "value": ""},
      {"name": "frameRate", "value": 0},
      {"name": "assetName", "value": ""}
    ]
  }
}`

var testNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

type invocation struct {
	method  string
	payload map[string]any
}

type fakeInvoker struct {
	mu     sync.Mutex
	calls  []invocation
	failOn string
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, payload any) (json.RawMessage, error) {
	b, _ := json.Marshal(payload)
	var m map[string]any
	_ = json.Unmarshal(b, &m)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invocation{method: method, payload: m})
	if method == f.failOn {
		return nil, errors.New("module unavailable")
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeInvoker) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.method)
	}
	return out
}

func (f *fakeInvoker) last(method string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].method == method {
			return f.calls[i].payload
		}
	}
	return nil
}

func (f *fakeInvoker) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

type fixture struct {
	hub     *registry.MemoryHub
	invoker *fakeInvoker
	deps    Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	for name, body := range map[string]string{
		pipeline.TopologyFile("motion"): motionTopology,
		pipeline.InstanceFile("motion"): motionInstance,
		pipeline.TopologyFile("object"): objectTopology,
		pipeline.InstanceFile("object"): objectInstance,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}

	hub := registry.NewMemoryHub()
	inv := &fakeInvoker{}
	return &fixture{
		hub:     hub,
		invoker: inv,
		deps: Deps{
			Registrar: provisioning.HubRegistrar{Hub: hub, Endpoint: "mem://local"},
			Dial: func(creds registry.Credentials) (registry.Connection, error) {
				return registry.Dial(creds, registry.Options{Hub: hub})
			},
			Invoker:   inv,
			Templates: pipeline.DirSource{Root: dir},
			GatewayID: "edge-1",
			ModuleID:  "gateway",
			ScopeID:   "0ne0001",
			MasterKey: base64.StdEncoding.EncodeToString([]byte("group-master-key")),
			Log:       zerolog.Nop(),
			Now:       func() time.Time { return testNow },
		},
	}
}

func (f *fixture) connect(t *testing.T, kind models.DetectionKind, id string) *Device {
	t.Helper()
	d := New(models.CameraIdentity{
		ID:            id,
		DisplayName:   "Lobby",
		SourceURI:     "rtsp://10.0.0.5/stream",
		Username:      "admin",
		Password:      "secret",
		DetectionKind: kind,
	}, DefaultKinds(false)[kind], f.deps)

	res := d.ProvisionAndConnect(context.Background())
	require.True(t, res.Succeeded(), res.Message())
	return d
}

// telemetry returns every value sent under key by a device
func (f *fixture) telemetry(deviceID, key string) []any {
	var out []any
	for _, msg := range f.hub.Telemetry() {
		if msg.DeviceID != deviceID {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(msg.Payload, &doc); err != nil {
			continue
		}
		if v, ok := doc[key]; ok {
			out = append(out, v)
		}
	}
	return out
}

func param(t *testing.T, instance map[string]any, name string) any {
	t.Helper()
	props, _ := instance["properties"].(map[string]any)
	params, _ := props["parameters"].([]any)
	for _, p := range params {
		if m, ok := p.(map[string]any); ok && m["name"] == name {
			return m["value"]
		}
	}
	t.Fatalf("parameter %s not found", name)
	return nil
}

type closeCounter struct {
	registry.Connection
	closes atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closes.Add(1)
	return c.Connection.Close()
}

func TestProvisionAndConnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.connect(t, models.DetectionKindMotion, "cam-1")

	assert.True(t, f.hub.Connected("cam-1"))
	assert.Equal(t, []string{"cam-1"}, f.hub.Devices())

	reported := f.hub.Reported("cam-1")
	assert.Equal(t, "Lobby", reported[PropertyCameraName])
	assert.Equal(t, "Acme", reported[PropertyManufacturer])
	assert.Equal(t, "Illudium Q-36", reported[PropertyModel])
	assert.Equal(t, "motion", reported[PropertyDetectionType])
	assert.Equal(t, "edge-1:camera-gateway", reported[PropertyGatewayTag])
	// Defaults are confirmed on the first configuration
	assert.Equal(t, "medium", reported[SettingSensitivity])

	assert.Equal(t, []any{"connected"}, f.telemetry("cam-1", StateClientState))
	assert.Equal(t, []any{"inactive"}, f.telemetry("cam-1", StateCamera))
	assert.Equal(t, models.HealthGood, d.Health())
	assert.Equal(t, pipeline.StateReady, d.Pipeline().State())
}

func TestProvisionAppliesDesiredConfiguration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.hub.SetDesired("cam-1", map[string]any{SettingSensitivity: "high", "$version": 4})

	d := f.connect(t, models.DetectionKindMotion, "cam-1")
	assert.Equal(t, "high", d.Settings().GetString(SettingSensitivity))
	assert.Equal(t, "high", f.hub.Reported("cam-1")[SettingSensitivity])
}

func TestProvisionWithoutMasterKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.deps.MasterKey = ""

	d := New(models.CameraIdentity{ID: "cam-1", DetectionKind: models.DetectionKindMotion}, DefaultKinds(false)[models.DetectionKindMotion], f.deps)
	res := d.ProvisionAndConnect(context.Background())

	assert.False(t, res.ProvisionStatus)
	assert.False(t, res.ConnectionStatus)
	assert.Contains(t, res.ProvisionMessage, provisioning.ErrMissingSettings.Error())
	assert.Empty(t, f.hub.Devices())
}

func TestProvisionMissingTemplate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.deps.Templates = pipeline.DirSource{Root: t.TempDir()}

	d := New(models.CameraIdentity{ID: "cam-1"}, DefaultKinds(false)[models.DetectionKindObject], f.deps)
	res := d.ProvisionAndConnect(context.Background())

	assert.False(t, res.ProvisionStatus)
	assert.Contains(t, res.ProvisionMessage, "objectGraphTopology.json")
	assert.Empty(t, f.hub.Devices())
}

func TestConnectionFailureIsReported(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.deps.Dial = func(registry.Credentials) (registry.Connection, error) {
		return nil, errors.New("registry unreachable")
	}

	d := New(models.CameraIdentity{ID: "cam-1"}, DefaultKinds(false)[models.DetectionKindMotion], f.deps)
	res := d.ProvisionAndConnect(context.Background())

	assert.True(t, res.ProvisionStatus)
	assert.False(t, res.ConnectionStatus)
	assert.Contains(t, res.ConnectionMessage, "registry unreachable")
	assert.Equal(t, res.ConnectionMessage, res.Message())
}

func TestConnectErrorsAreTyped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.hub.Strict = true
	f.deps.Registrar = provisioning.HubRegistrar{Hub: registry.NewMemoryHub(), Endpoint: "mem://local"}

	d := New(models.CameraIdentity{ID: "cam-1"}, DefaultKinds(false)[models.DetectionKindMotion], f.deps)
	_, key, err := d.provision(context.Background())
	require.NoError(t, err)

	err = d.connect(context.Background(), registry.Credentials{Endpoint: "mem://local", DeviceID: "cam-1", Key: key})
	var connErr *registry.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "open", connErr.Step)
	assert.ErrorIs(t, err, registry.ErrUnauthorized)

	f.deps.MasterKey = "not base64!"
	_, _, err = New(models.CameraIdentity{ID: "cam-2"}, DefaultKinds(false)[models.DetectionKindMotion], f.deps).provision(context.Background())
	var provErr *provisioning.Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "cam-2", provErr.DeviceID)
}

func TestFailedOpenClosesConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.hub.Strict = true
	f.deps.Registrar = provisioning.HubRegistrar{Hub: registry.NewMemoryHub(), Endpoint: "mem://local"}
	var conn *closeCounter
	f.deps.Dial = func(creds registry.Credentials) (registry.Connection, error) {
		inner, err := registry.Dial(creds, registry.Options{Hub: f.hub})
		if err != nil {
			return nil, err
		}
		conn = &closeCounter{Connection: inner}
		return conn, nil
	}

	d := New(models.CameraIdentity{ID: "cam-1"}, DefaultKinds(false)[models.DetectionKindMotion], f.deps)
	res := d.ProvisionAndConnect(context.Background())

	assert.False(t, res.ConnectionStatus)
	require.NotNil(t, conn)
	assert.Equal(t, int32(1), conn.closes.Load())
	assert.Nil(t, d.connection())
}

func TestReadyReportsInferenceImage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.deps.Images = SampleImages{Analyze: "https://img/analyze.jpg", Motion: "https://img/motion.jpg"}
	f.connect(t, models.DetectionKindMotion, "cam-1")
	assert.Equal(t, "https://img/analyze.jpg", f.hub.Reported("cam-1")[PropertyInferenceImageURL])

	f.connect(t, models.DetectionKindObject, "cam-2")
	assert.Equal(t, DefaultCaptureImage, f.hub.Reported("cam-2")[PropertyInferenceImageURL])
}

func TestMotionInferencesRefreshImage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.deps.Images = SampleImages{Analyze: "https://img/analyze.jpg", Motion: "https://img/motion.jpg"}
	d := f.connect(t, models.DetectionKindMotion, "cam-1")

	d.ProcessInferences(context.Background(), nil)
	assert.Equal(t, "https://img/analyze.jpg", f.hub.Reported("cam-1")[PropertyInferenceImageURL])

	d.ProcessInferences(context.Background(), []models.Inference{
		{Type: "motion", Motion: &models.InferenceMotion{Box: models.BoundingBox{L: 0.1}}},
	})
	assert.Equal(t, "https://img/motion.jpg", f.hub.Reported("cam-1")[PropertyInferenceImageURL])
}

func TestObjectInferencesKeepImage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.connect(t, models.DetectionKindObject, "cam-1")

	d.ProcessInferences(context.Background(), []models.Inference{objectInference("person", 0.9)})
	assert.Equal(t, DefaultCaptureImage, f.hub.Reported("cam-1")[PropertyInferenceImageURL])
}

func TestStartCommandStartsPipeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.connect(t, models.DetectionKindMotion, "cam-1")
	ctx := context.Background()

	resp, err := f.hub.Invoke(ctx, "cam-1", CommandStartProcessing, nil)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCreated, resp.Status)

	assert.Equal(t, []string{
		pipeline.MethodTopologySet,
		pipeline.MethodInstanceSet,
		pipeline.MethodInstanceActivate,
	}, f.invoker.methods())

	instance := f.invoker.last(pipeline.MethodInstanceSet)
	assert.Equal(t, "Motion_cam-1", instance["name"])
	assert.Equal(t, "medium", param(t, instance, "motionSensitivity"))
	assert.Equal(t, "0ne0001-cam-1-20240102-030405", param(t, instance, "assetName"))
	assert.Equal(t, "rtsp://10.0.0.5/stream", param(t, instance, "rtspUrl"))

	assert.Equal(t, pipeline.StateActive, d.Pipeline().State())
	assert.Len(t, f.telemetry("cam-1", EventStartCommandReceived), 1)
	assert.Contains(t, f.telemetry("cam-1", StateCamera), "active")
}

func TestStartCommandRestartsActivePipeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.connect(t, models.DetectionKindMotion, "cam-1")
	ctx := context.Background()

	_, err := f.hub.Invoke(ctx, "cam-1", CommandStartProcessing, nil)
	require.NoError(t, err)
	f.invoker.reset()

	resp, err := f.hub.Invoke(ctx, "cam-1", CommandStartProcessing, nil)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCreated, resp.Status)
	assert.Equal(t, []string{
		pipeline.MethodInstanceDeactivate,
		pipeline.MethodInstanceDelete,
		pipeline.MethodTopologyDelete,
		pipeline.MethodTopologySet,
		pipeline.MethodInstanceSet,
		pipeline.MethodInstanceActivate,
	}, f.invoker.methods())
}

func TestStartCommandFailureResponds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.invoker.failOn = pipeline.MethodInstanceSet
	d := f.connect(t, models.DetectionKindMotion, "cam-1")

	resp, err := f.hub.Invoke(context.Background(), "cam-1", CommandStartProcessing, nil)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusBadRequest, resp.Status)
	assert.NotContains(t, f.invoker.methods(), pipeline.MethodInstanceActivate)
	assert.NotEqual(t, pipeline.StateActive, d.Pipeline().State())
	assert.NotContains(t, f.telemetry("cam-1", StateCamera), "active")
}

func TestStopCommand(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.connect(t, models.DetectionKindMotion, "cam-1")
	ctx := context.Background()

	resp, err := f.hub.Invoke(ctx, "cam-1", CommandStopProcessing, nil)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCreated, resp.Status)
	assert.Empty(t, f.invoker.methods())

	_, err = f.hub.Invoke(ctx, "cam-1", CommandStartProcessing, nil)
	require.NoError(t, err)

	resp, err = f.hub.Invoke(ctx, "cam-1", CommandStopProcessing, nil)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCreated, resp.Status)
	assert.Equal(t, pipeline.StateReady, d.Pipeline().State())
	assert.Len(t, f.telemetry("cam-1", EventStopCommandReceived), 2)
}

func TestConfigurationChangeReparameterizes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.connect(t, models.DetectionKindObject, "cam-1")

	f.hub.SetDesired("cam-1", map[string]any{
		SettingInferenceFps:     5,
		SettingDetectionClasses: "car, truck",
		SettingRtspURL:          "rtsp://10.0.0.9/alt",
		"$version":              7,
	})

	assert.Equal(t, 5.0, d.Settings().GetNumber(SettingInferenceFps))
	reported := f.hub.Reported("cam-1")
	assert.Equal(t, 5.0, reported[SettingInferenceFps])
	assert.Equal(t, "car, truck", reported[SettingDetectionClasses])
	// omitted from the patch, restored to default
	assert.Equal(t, 70.0, reported[SettingConfidenceThreshold])
	assert.NotContains(t, reported, "$version")

	_, err := f.hub.Invoke(context.Background(), "cam-1", CommandStartProcessing, nil)
	require.NoError(t, err)

	instance := f.invoker.last(pipeline.MethodInstanceSet)
	assert.Equal(t, 5.0, param(t, instance, "frameRate"))
	assert.Equal(t, "rtsp://10.0.0.9/alt", param(t, instance, "rtspUrl"))
}

func objectInference(class string, confidence float64) models.Inference {
	return models.Inference{
		Type: "entity",
		Entity: &models.InferenceEntity{
			Tag: models.InferenceTag{Value: class, Confidence: confidence},
		},
	}
}

func TestProcessInferencesFiltersObjects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.connect(t, models.DetectionKindObject, "cam-1")
	f.hub.SetDesired("cam-1", map[string]any{
		SettingDetectionClasses:    "person,car",
		SettingConfidenceThreshold: 50,
	})

	n := d.ProcessInferences(context.Background(), []models.Inference{
		objectInference("person", 0.9),
		objectInference("car", 0.4),
		objectInference("cargo", 0.95),
		objectInference("Car", 0.5),
		{Type: "motion", Motion: &models.InferenceMotion{}},
	})

	assert.Equal(t, 2, n)
	assert.Len(t, f.telemetry("cam-1", TelemetryInference), 2)
	assert.Equal(t, []any{2.0}, f.telemetry("cam-1", TelemetryInferenceCount))
}

func TestProcessInferencesForwardsAllMotion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.connect(t, models.DetectionKindMotion, "cam-1")

	n := d.ProcessInferences(context.Background(), []models.Inference{
		{Type: "motion", Motion: &models.InferenceMotion{Box: models.BoundingBox{L: 0.1}}},
		{Type: "motion", Motion: &models.InferenceMotion{Box: models.BoundingBox{L: 0.2}}},
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, []any{2.0}, f.telemetry("cam-1", TelemetryInferenceCount))
}

func TestProcessInferencesNoMatchSendsNoCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.connect(t, models.DetectionKindObject, "cam-1")

	n := d.ProcessInferences(context.Background(), []models.Inference{objectInference("dog", 0.99)})
	assert.Zero(t, n)
	assert.Empty(t, f.telemetry("cam-1", TelemetryInferenceCount))
}

func TestProcessInferencesWithoutConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := New(models.CameraIdentity{ID: "cam-1"}, DefaultKinds(false)[models.DetectionKindMotion], f.deps)

	assert.Zero(t, d.ProcessInferences(context.Background(), []models.Inference{{Type: "motion"}}))
	assert.Empty(t, f.hub.Telemetry())
}

func TestConnectionErrorMakesHealthCritical(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.connect(t, models.DetectionKindMotion, "cam-1")

	assert.Equal(t, models.HealthGood, d.GetHealth(context.Background()))

	f.hub.Fail("cam-1", errors.New("connection reset"))
	assert.Equal(t, models.HealthCritical, d.GetHealth(context.Background()))
	assert.Equal(t, []any{2.0, 0.0}, f.telemetry("cam-1", TelemetryHeartbeat))
}

func TestDeleteCamera(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.connect(t, models.DetectionKindMotion, "cam-1")
	ctx := context.Background()

	_, err := f.hub.Invoke(ctx, "cam-1", CommandStartProcessing, nil)
	require.NoError(t, err)
	f.invoker.reset()

	d.DeleteCamera(ctx)

	assert.Equal(t, []string{
		pipeline.MethodInstanceDeactivate,
		pipeline.MethodInstanceDelete,
		pipeline.MethodTopologyDelete,
	}, f.invoker.methods())
	assert.Equal(t, pipeline.StateGone, d.Pipeline().State())
	assert.False(t, f.hub.Connected("cam-1"))

	states := f.telemetry("cam-1", StateCamera)
	assert.Equal(t, "inactive", states[len(states)-1])

	// Nothing is sent once the connection is closed
	before := len(f.hub.Telemetry())
	d.GetHealth(ctx)
	assert.Len(t, f.hub.Telemetry(), before)
}

func TestDeleteCameraToleratesTeardownFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.connect(t, models.DetectionKindMotion, "cam-1")
	ctx := context.Background()

	_, err := f.hub.Invoke(ctx, "cam-1", CommandStartProcessing, nil)
	require.NoError(t, err)
	f.invoker.failOn = pipeline.MethodInstanceDeactivate

	d.DeleteCamera(ctx)
	assert.False(t, f.hub.Connected("cam-1"))
}

func TestObjectDetectorSubstringMatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.connect(t, models.DetectionKindObject, "cam-1")
	f.hub.SetDesired("cam-1", map[string]any{SettingDetectionClasses: "car"})

	batch := []models.Inference{objectInference("cargo", 0.9), objectInference("car", 0.9)}

	exact := ObjectDetector{}
	assert.Len(t, exact.Filter(d.Settings(), batch), 1)

	substring := ObjectDetector{SubstringMatch: true}
	assert.Len(t, substring.Filter(d.Settings(), batch), 2)
}

func TestDetectionClasses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"person", []string{"PERSON"}},
		{"person, car", []string{"PERSON", "CAR"}},
		{" truck\tbus,,bicycle ", []string{"TRUCK", "BUS", "BICYCLE"}},
		{"", []string{"PERSON"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectionClasses(tt.in))
		})
	}
}

func TestMotionSensitivityRejectsUnknownValue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.connect(t, models.DetectionKindMotion, "cam-1")

	f.hub.SetDesired("cam-1", map[string]any{SettingSensitivity: "HIGH"})
	assert.Equal(t, "high", d.Settings().GetString(SettingSensitivity))

	f.hub.SetDesired("cam-1", map[string]any{SettingSensitivity: "extreme"})
	assert.Equal(t, "", d.Settings().GetString(SettingSensitivity))
}
