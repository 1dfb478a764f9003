// Package sysinfo samples the host load reported in agent heartbeats.
package sysinfo

import (
	"context"
	"net"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	shared "NetPulse/internal/shared/models"
)

// Sample returns CPU, memory and root disk usage in percent. Values that
// cannot be read are left at zero.
func Sample(ctx context.Context, runningTasks int) shared.HeartbeatMetrics {
	m := shared.HeartbeatMetrics{RunningTasks: runningTasks}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		m.CPU = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.Memory = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, rootPath()); err == nil {
		m.Disk = du.UsedPercent
	}
	return m
}

// Hostname prefers the OS hostname gopsutil reports.
func Hostname(ctx context.Context) string {
	if info, err := host.InfoWithContext(ctx); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	name, _ := os.Hostname()
	return name
}

// OutboundIP returns the local address used to reach the coordinator host.
func OutboundIP(target string) string {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}
