package fleet

import (
	"context"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Gateway properties reported on start
const (
	PropertyOsName                = "osName"
	PropertySwVersion             = "swVersion"
	PropertyProcessorArchitecture = "processorArchitecture"
	PropertyTotalMemory           = "totalMemory"
	PropertyCPUModel              = "cpuModel"
	PropertyCPUCores              = "cpuCores"
)

// SystemStats reads host resources
type SystemStats interface {
	// FreeMemory returns available memory in kilobytes
	FreeMemory(ctx context.Context) (float64, error)
	// Properties returns the host description reported as gateway properties
	Properties(ctx context.Context) map[string]any
}

// HostStats reads the local host through gopsutil. The zero value logs nothing.
type HostStats struct {
	log zerolog.Logger
}

func NewHostStats(log zerolog.Logger) HostStats {
	return HostStats{log: log}
}

func (HostStats) FreeMemory(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return float64(vm.Available) / 1024, nil
}

func (p HostStats) Properties(ctx context.Context) map[string]any {
	props := map[string]any{
		PropertyOsName:                runtime.GOOS,
		PropertySwVersion:             "",
		PropertyProcessorArchitecture: runtime.GOARCH,
		PropertyTotalMemory:           0.0,
		PropertyCPUModel:              "Unknown",
		PropertyCPUCores:              0,
	}

	if info, err := host.InfoWithContext(ctx); err != nil {
		p.log.Warn().Err(err).Msg("Host info collection failed")
	} else {
		props[PropertyOsName] = info.Platform
		props[PropertySwVersion] = info.KernelVersion
		if info.KernelArch != "" {
			props[PropertyProcessorArchitecture] = info.KernelArch
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		p.log.Warn().Err(err).Msg("Memory collection failed")
	} else {
		props[PropertyTotalMemory] = float64(vm.Total) / 1024
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		props[PropertyCPUModel] = cpus[0].ModelName
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		props[PropertyCPUCores] = n
	}

	return props
}
