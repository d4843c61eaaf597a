package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camera-gateway-go/internal/models"
)

const testTopology = `{
  "@apiVersion": "1.0",
  "name": "MotionTopology",
  "properties": {"parameters": [{"name": "rtspUrl", "type": "String"}]}
}`

const testInstance = `{
  "@apiVersion": "1.0",
  "name": "Motion_###RtspCameraId",
  "properties": {
    "topologyName": "MotionTopology",
    "parameters": [
      {"name": "rtspUrl", "value": ""},
      {"name": "rtspAuthUsername", "value": ""},
      {"name": "rtspAuthPassword", "value": ""},
      {"name": "motionSensitivity", "value": "medium"}
    ]
  }
}`

type call struct {
	method  string
	payload map[string]any
}

type fakeInvoker struct {
	calls  []call
	failOn string
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, payload any) (json.RawMessage, error) {
	b, _ := json.Marshal(payload)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	f.calls = append(f.calls, call{method: method, payload: m})

	if method == f.failOn {
		return nil, errors.New("module unavailable")
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeInvoker) methods() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.method)
	}
	return out
}

func writeTemplate(t *testing.T, name, topology, instance string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, TopologyFile(name)), []byte(topology), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, InstanceFile(name)), []byte(instance), 0o644))
	return dir
}

func newLoadedController(t *testing.T, inv *fakeInvoker) *Controller {
	t.Helper()
	dir := writeTemplate(t, "motion", testTopology, testInstance)

	c := NewController(inv, DirSource{Root: dir}, zerolog.Nop())
	require.NoError(t, c.Load(context.Background(), "motion"))
	require.NoError(t, c.Parameterize(models.CameraIdentity{
		ID:        "cam-1",
		SourceURI: "rtsp://10.0.0.5/stream",
		Username:  "admin",
		Password:  "secret",
	}, map[string]any{"motionSensitivity": "high", "notInTemplate": 3}))
	return c
}

func TestLoadMissingTemplate(t *testing.T) {
	t.Parallel()

	c := NewController(&fakeInvoker{}, DirSource{Root: t.TempDir()}, zerolog.Nop())
	err := c.Load(context.Background(), "motion")

	var loadErr *TemplateLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "motion", loadErr.Name)
	assert.Equal(t, StateUnset, c.State())
}

func TestLoadInvalidInstance(t *testing.T) {
	t.Parallel()

	dir := writeTemplate(t, "motion", testTopology, `{"properties": {}}`)
	c := NewController(&fakeInvoker{}, DirSource{Root: dir}, zerolog.Nop())

	err := c.Load(context.Background(), "motion")
	require.ErrorIs(t, err, ErrInvalidTemplate)
}

func TestParameterizeNamesAndParameters(t *testing.T) {
	t.Parallel()

	c := newLoadedController(t, &fakeInvoker{})

	assert.Equal(t, "MotionTopology_cam-1", c.TopologyName())
	assert.Equal(t, "Motion_cam-1", c.InstanceName())

	c.mu.Lock()
	def := c.def
	c.mu.Unlock()

	url, ok := def.Param("rtspUrl")
	require.True(t, ok)
	assert.Equal(t, "rtsp://10.0.0.5/stream", url)

	sens, _ := def.Param("motionSensitivity")
	assert.Equal(t, "high", sens)

	_, ok = def.Param("notInTemplate")
	assert.False(t, ok)

	props := def.Instance["properties"].(map[string]any)
	assert.Equal(t, "MotionTopology_cam-1", props["topologyName"])
}

func TestParameterizeIsRepeatable(t *testing.T) {
	t.Parallel()

	c := newLoadedController(t, &fakeInvoker{})
	require.NoError(t, c.Parameterize(models.CameraIdentity{ID: "cam-1"}, nil))

	assert.Equal(t, "Motion_cam-1", c.InstanceName())
	assert.Equal(t, "MotionTopology_cam-1", c.TopologyName())
}

func TestParameterizeBeforeLoad(t *testing.T) {
	t.Parallel()

	c := NewController(&fakeInvoker{}, DirSource{}, zerolog.Nop())
	require.ErrorIs(t, c.Parameterize(models.CameraIdentity{ID: "x"}, nil), ErrNotLoaded)
}

func TestStartRunsStepsInOrder(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	c := newLoadedController(t, inv)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []string{MethodTopologySet, MethodInstanceSet, MethodInstanceActivate}, inv.methods())
	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, "Motion_cam-1", inv.calls[2].payload["name"])
	assert.Equal(t, "1.0", inv.calls[2].payload["@apiVersion"])
}

func TestStartWhileActive(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	c := newLoadedController(t, inv)
	require.NoError(t, c.Start(context.Background()))

	require.ErrorIs(t, c.Start(context.Background()), ErrPipelineActive)
	assert.Len(t, inv.calls, 3)
}

func TestStartAbortsOnInstanceSetFailure(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{failOn: MethodInstanceSet}
	c := newLoadedController(t, inv)

	err := c.Start(context.Background())

	var invErr *InvokeError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, MethodInstanceSet, invErr.Step)
	assert.Equal(t, []string{MethodTopologySet, MethodInstanceSet}, inv.methods())
	assert.Equal(t, StateReady, c.State())

	// Only the topology exists remotely, so stop removes just that.
	inv.failOn = ""
	inv.calls = nil
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, []string{MethodTopologyDelete}, inv.methods())
}

func TestStopTearsDownInOrder(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	c := newLoadedController(t, inv)
	require.NoError(t, c.Start(context.Background()))
	inv.calls = nil

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, []string{MethodInstanceDeactivate, MethodInstanceDelete, MethodTopologyDelete}, inv.methods())
	assert.Equal(t, StateReady, c.State())

	inv.calls = nil
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateActive, c.State())
}

func TestStopNeverStarted(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	c := newLoadedController(t, inv)

	require.NoError(t, c.Stop(context.Background()))
	assert.Empty(t, inv.calls)
	assert.Equal(t, StateReady, c.State())
}

func TestStopFailureKeepsRemainingSteps(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	c := newLoadedController(t, inv)
	require.NoError(t, c.Start(context.Background()))

	inv.calls = nil
	inv.failOn = MethodInstanceDelete
	require.Error(t, c.Stop(context.Background()))

	inv.calls = nil
	inv.failOn = ""
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, []string{MethodInstanceDelete, MethodTopologyDelete}, inv.methods())
}

func TestDeleteReleasesTemplate(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	c := newLoadedController(t, inv)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Delete(context.Background()))
	assert.Equal(t, StateGone, c.State())
	assert.Empty(t, c.InstanceName())
	require.ErrorIs(t, c.Start(context.Background()), ErrNotLoaded)
}

func TestCameraIDFromSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		subject string
		want    string
	}{
		{"/graphInstances/Motion_cam-7", "cam-7"},
		{"/graphInstances/Object_cam_with_underscores", "cam_with_underscores"},
		{"/graphInstances/NoUnderscore", ""},
		{"/other/Motion_cam-7", ""},
		{"", ""},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, CameraIDFromSubject(tc.subject), tc.subject)
	}
}

func TestDeriveName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Motion_cam-3", DeriveName("Motion_###RtspCameraId", "cam-3"))
	assert.Equal(t, "Motion_cam-3", DeriveName("Motion", "cam-3"))
}
