package util

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

const mib = 1 << 20

// Host describes the machine a botlink process runs on. It is logged at
// startup, served on /api/public/system and sent with the MQTT birth message.
type Host struct {
	Hostname  string `json:"hostname"`
	GOOS      string `json:"goos"`
	GOARCH    string `json:"goarch"`
	Distro    string `json:"distro,omitempty"`
	CPUModel  string `json:"cpu_model,omitempty"`
	CPUs      int    `json:"cpus"`
	MemoryMB  uint64 `json:"memory_mb,omitempty"`
	GoVersion string `json:"go_version"`
	PID       int    `json:"pid"`
}

// DescribeHost gathers Host. Whatever gopsutil cannot read stays empty.
func DescribeHost(ctx context.Context) Host {
	h := Host{
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		GoVersion: runtime.Version(),
		PID:       os.Getpid(),
	}
	h.Hostname, _ = os.Hostname()

	if info, err := host.InfoWithContext(ctx); err == nil {
		h.Distro = fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		h.CPUModel = cpus[0].ModelName
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.MemoryMB = vm.Total / mib
	}
	return h
}

// CPUPercent samples total CPU use since the previous call.
func CPUPercent(ctx context.Context) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, nil
	}
	return pct[0], nil
}

// Memory is a snapshot of host memory in MiB.
type Memory struct {
	TotalMB     uint64  `json:"total_mb"`
	UsedMB      uint64  `json:"used_mb"`
	AvailableMB uint64  `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`
}

func MemoryUsage(ctx context.Context) (Memory, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Memory{}, err
	}
	return Memory{
		TotalMB:     vm.Total / mib,
		UsedMB:      vm.Used / mib,
		AvailableMB: vm.Available / mib,
		UsedPercent: vm.UsedPercent,
	}, nil
}
