package bench

import (
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Environment describes the host a benchmark ran on.
type Environment struct {
	GoVersion   string `json:"go_version"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	Platform    string `json:"platform,omitempty"`
	LogicalCPUs int    `json:"logical_cpus"`
	GOMAXPROCS  int    `json:"gomaxprocs"`
	TotalMemory uint64 `json:"total_memory_bytes,omitempty"`
}

// CaptureEnvironment collects host details. Probes that fail are logged and
// left empty; they never fail a benchmark.
func CaptureEnvironment() Environment {
	env := Environment{
		GoVersion:   runtime.Version(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		LogicalCPUs: runtime.NumCPU(),
		GOMAXPROCS:  runtime.GOMAXPROCS(0),
	}

	if counts, err := cpu.Counts(true); err == nil && counts > 0 {
		env.LogicalCPUs = counts
	} else if err != nil {
		log.WithError(err).Debug("CPU count probe failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		env.TotalMemory = vm.Total
	} else if err != nil {
		log.WithError(err).Debug("Memory probe failed")
	}

	if info, err := host.Info(); err == nil && info != nil {
		env.Platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	} else if err != nil {
		log.WithError(err).Debug("Host probe failed")
	}

	return env
}
