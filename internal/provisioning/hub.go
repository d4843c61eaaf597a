package provisioning

import (
	"context"
	"fmt"

	"camera-gateway-go/internal/registry"
)

// HubRegistrar provisions devices into an in-process registry
type HubRegistrar struct {
	Hub      *registry.MemoryHub
	Endpoint string
}

// Register implements Registrar
func (h HubRegistrar) Register(_ context.Context, req Request) (Result, error) {
	if req.DeviceID == "" {
		return Result{}, fmt.Errorf("%w: device id", ErrMissingSettings)
	}
	h.Hub.RegisterDevice(req.DeviceID, req.Key)
	return Result{DeviceID: req.DeviceID, Endpoint: h.Endpoint}, nil
}

// DeleteDevice implements DeviceAdmin
func (h HubRegistrar) DeleteDevice(_ context.Context, deviceID string) error {
	return h.Hub.DeleteDevice(deviceID)
}
