package agentclient

import (
	"log/slog"

	"github.com/EternisAI/silo-fleet/internal/protocol"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// MetricsSource samples host load for heartbeats.
type MetricsSource interface {
	Sample() *protocol.Metrics
}

// HostMetrics reports CPU and memory utilisation in percent.
type HostMetrics struct{}

func NewHostMetrics() *HostMetrics {
	// Prime the CPU counters so the first heartbeat has a baseline.
	_, _ = cpu.Percent(0, false)
	return &HostMetrics{}
}

func (HostMetrics) Sample() *protocol.Metrics {
	var m protocol.Metrics

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		v := pct[0]
		m.CPU = &v
	} else if err != nil {
		slog.Debug("Failed to sample cpu", "error", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		v := vm.UsedPercent
		m.Mem = &v
	} else {
		slog.Debug("Failed to sample memory", "error", err)
	}

	if m.CPU == nil && m.Mem == nil {
		return nil
	}
	return &m
}
