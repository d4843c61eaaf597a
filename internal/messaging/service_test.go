package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camera-gateway-go/internal/config"
	"camera-gateway-go/internal/natstest"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		GatewayID:          "edge-1",
		NatsURL:            url,
		NatsConnectTimeout: 2 * time.Second,
		NatsReconnectWait:  100 * time.Millisecond,
		NatsMaxReconnects:  1,
		NatsDrainTimeout:   time.Second,
	}
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()

	srv := natstest.RunServer(t)

	svc, err := NewService(testConfig(srv.ClientURL()))
	require.NoError(t, err)
	assert.True(t, svc.IsConnected())
	assert.Equal(t, "camera-gateway-edge-1", svc.Conn().Opts.Name)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	assert.False(t, svc.IsConnected())
	assert.True(t, svc.Conn().IsClosed())

	// second shutdown is a no-op
	require.NoError(t, svc.Shutdown(ctx))
}

func TestServiceConnectFailure(t *testing.T) {
	t.Parallel()

	_, err := NewService(testConfig("nats://127.0.0.1:1"))
	assert.Error(t, err)
}
