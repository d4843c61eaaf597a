package main

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camera-gateway-go/internal/config"
	"camera-gateway-go/internal/device"
	"camera-gateway-go/internal/models"
	"camera-gateway-go/internal/natstest"
	"camera-gateway-go/internal/pipeline"
	"camera-gateway-go/internal/provisioning"
)

const (
	motionTopology = `{"name": "Motion", "properties": {"parameters": []}}`
	motionInstance = `{
  "name": "Motion_###RtspCameraId",
  "properties": {"topologyName": "Motion", "parameters": [{"name": "rtspUrl", "value": ""}]}
}`
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, pipeline.TopologyFile("motion")), []byte(motionTopology), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, pipeline.InstanceFile("motion")), []byte(motionInstance), 0o644))

	return &config.Config{
		GatewayID:             "edge-1",
		ModuleID:              "camera-gateway",
		RegistryEndpoint:      "mem://local",
		ProvisioningMode:      config.ProvisioningLocal,
		ProvisioningKey:       base64.StdEncoding.EncodeToString([]byte("group-master-key")),
		AnalyticsModuleID:     "lvaEdge",
		AnalyticsTransport:    config.AnalyticsTransportNATS,
		SimulateAnalytics:     true,
		InvokeResponseTimeout: 5 * time.Second,
		TemplateSource:        config.TemplateSourceDir,
		ContentRoot:           dir,
		DeviceStore:           config.DeviceStoreMemory,
		HealthCheckRetries:    3,
	}
}

func TestBuildGatewayLocal(t *testing.T) {
	srv := natstest.RunServer(t)
	nc := natstest.Connect(t, srv)
	cfg := localConfig(t)

	ctx := context.Background()
	gw, err := buildGateway(ctx, cfg, nc, device.DefaultKinds(false))
	require.NoError(t, err)
	defer gw.close()

	require.NoError(t, gw.manager.Start(ctx))
	defer gw.manager.Shutdown(ctx)

	res := gw.manager.CreateCamera(ctx, models.CameraIdentity{
		ID:            "cam-1",
		DisplayName:   "Lobby",
		SourceURI:     "rtsp://10.0.0.5/stream",
		DetectionKind: models.DetectionKindMotion,
	})
	require.True(t, res.Status, res.Message())
	require.Len(t, gw.manager.Cameras(), 1)

	d, ok := gw.manager.Device("cam-1")
	require.True(t, ok)
	require.NoError(t, d.StartProcessing(ctx))
	assert.True(t, d.Pipeline().Active())
	assert.Equal(t, "Motion_cam-1", d.Pipeline().InstanceName())

	require.NoError(t, d.StopProcessing(ctx))
	assert.False(t, d.Pipeline().Active())

	assert.True(t, gw.manager.DeleteCamera(ctx, "cam-1").Status)
	assert.Empty(t, gw.manager.Cameras())
}

func TestBuildProvisioningWithoutSettings(t *testing.T) {
	cfg := &config.Config{ProvisioningMode: config.ProvisioningHTTP}

	registrar, admin, err := buildProvisioning(cfg, nil)
	require.NoError(t, err)

	_, err = registrar.Register(context.Background(), provisioning.Request{DeviceID: "cam-1"})
	assert.ErrorIs(t, err, provisioning.ErrMissingSettings)
	assert.ErrorIs(t, admin.DeleteDevice(context.Background(), "cam-1"), provisioning.ErrMissingSettings)
}

func TestBuildInvokerRejectsBadGRPCEndpoint(t *testing.T) {
	cfg := &config.Config{AnalyticsTransport: config.AnalyticsTransportGRPC, AnalyticsGRPCURL: "ftp://nowhere"}

	_, err := buildInvoker(cfg, nil, &gateway{})
	assert.Error(t, err)
}

func TestIsMemEndpoint(t *testing.T) {
	assert.True(t, isMemEndpoint("mem://local"))
	assert.False(t, isMemEndpoint("nats://localhost:4222"))
	assert.False(t, isMemEndpoint("::bad"))
}
