package gpu

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HostInfo describes the CPU the emulator runs on.
type HostInfo struct {
	GOOS      string   `json:"goos"`
	GOARCH    string   `json:"goarch"`
	CPUs      int      `json:"cpus"`
	MaxProcs  int      `json:"max_procs"`
	Features  []string `json:"features"`
	GoVersion string   `json:"go_version"`
}

var hostFeatures = []struct {
	name string
	on   *bool
}{
	{"avx", &cpu.X86.HasAVX},
	{"avx2", &cpu.X86.HasAVX2},
	{"fma", &cpu.X86.HasFMA},
	{"avx512f", &cpu.X86.HasAVX512F},
	{"avx512bf16", &cpu.X86.HasAVX512BF16},
	{"asimd", &cpu.ARM64.HasASIMD},
	{"sve", &cpu.ARM64.HasSVE},
}

// Host reports the host CPU and the SIMD features x/sys/cpu detected.
func Host() HostInfo {
	info := HostInfo{
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		MaxProcs:  runtime.GOMAXPROCS(0),
		GoVersion: runtime.Version(),
	}
	for _, f := range hostFeatures {
		if *f.on {
			info.Features = append(info.Features, f.name)
		}
	}
	return info
}
