package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// hostSnapshot is the host pressure observed after a run.
type hostSnapshot struct {
	cpuPercent float64
	memPercent float64
	load1      float64
	// ok is false when none of the host samples succeeded.
	ok bool
}

// sampleHost reads host pressure. Missing samples are left at zero.
func sampleHost(ctx context.Context) hostSnapshot {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var snap hostSnapshot
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.cpuPercent = pct[0]
		snap.ok = true
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.memPercent = vm.UsedPercent
		snap.ok = true
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.load1 = avg.Load1
		snap.ok = true
	}
	return snap
}

func printHost(w io.Writer, snap hostSnapshot) {
	if !snap.ok {
		fmt.Fprintln(w, "bench host: unavailable")
		return
	}
	fmt.Fprintf(w, "bench host: cpu=%.1f mem=%.1f load1=%.2f\n", snap.cpuPercent, snap.memPercent, snap.load1)
}
