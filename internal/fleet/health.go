package fleet

import (
	"context"
	"time"

	"camera-gateway-go/internal/device"
	"camera-gateway-go/internal/models"
)

const deviceHealthTimeout = 30 * time.Second

// GetHealth computes the gateway health, reports it and applies the restart
// policy: after HealthCheckRetries consecutive unhealthy readings the module
// restarts. Every camera is checked in the background; camera results never
// affect the gateway health. A tick whose host reading fails reports nothing,
// leaves the streak untouched and returns the previous health.
func (m *Manager) GetHealth(ctx context.Context) models.HealthState {
	free, err := m.opts.System.FreeMemory(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Error computing health state")

		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.health
	}

	m.mu.Lock()
	cameras := len(m.devices)
	connFailed := m.connFailed
	m.connFailed = false
	m.mu.Unlock()

	m.SendMeasurement(ctx, map[string]any{
		TelemetryFreeMemory:       free,
		TelemetryConnectedCameras: cameras,
	})

	health := models.HealthGood
	if free == 0 || connFailed {
		health = models.HealthCritical
	}

	m.SendMeasurement(ctx, map[string]any{TelemetryHeartbeat: health})

	restart := false
	m.mu.Lock()
	if health < models.HealthGood {
		m.failStreak++
		if m.failStreak >= m.opts.HealthCheckRetries {
			m.failStreak = 0
			restart = true
		}
	} else {
		m.failStreak = 0
	}
	streak := m.failStreak
	m.health = health
	m.lastSample = models.HealthSample{State: health, FreeMemory: free, Cameras: cameras}
	m.mu.Unlock()

	if health < models.HealthGood {
		m.log.Warn().Stringer("health", health).Int("streak", streak).Msg("Health check watch")
	}
	if restart {
		m.Restart(ctx, m.opts.RestartGracePeriod, "checkHealthState")
	}

	m.checkDevices(ctx)
	return health
}

// LastSample returns the most recent health sample
func (m *Manager) LastSample() models.HealthSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSample
}

func (m *Manager) checkDevices(ctx context.Context) {
	m.mu.RLock()
	devices := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.RUnlock()

	base := context.WithoutCancel(ctx)
	for _, d := range devices {
		go func(d *device.Device) {
			defer m.recoverPanic("camera health check")

			checkCtx, cancel := context.WithTimeout(base, deviceHealthTimeout)
			defer cancel()
			d.GetHealth(checkCtx)
		}(d)
	}
}

// Restart reports the module as stopping, waits grace and exits the process.
// When ctx ends first the process is left running so the caller's shutdown
// can complete.
func (m *Manager) Restart(ctx context.Context, grace time.Duration, reason string) {
	m.log.Warn().Str("reason", reason).Dur("grace", grace).Msg("Module restart requested")

	m.SendMeasurement(ctx, map[string]any{
		EventModuleRestart: reason,
		StateModule:        models.ModuleStateInactive,
		EventModuleStopped: "Module restart",
	})

	if grace > 0 {
		timer := time.NewTimer(grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	if ctx.Err() != nil {
		m.log.Warn().Str("reason", reason).Msg("Module restart abandoned, shutdown in progress")
		return
	}

	m.log.Info().Msg("Shutting down main process - module container will restart")
	m.opts.Lifecycle.Exit(1)
}
