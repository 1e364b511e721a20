package device

import (
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

type cpuDriver struct{}

func (cpuDriver) Kind() Kind { return CPU }

func (cpuDriver) Probe() ([]Info, error) {
	name := strings.TrimSpace(cpuid.CPU.BrandName)
	if name == "" {
		name = runtime.GOARCH
	}
	return []Info{{
		Kind:               CPU,
		Name:               name,
		MaxThreadsPerBlock: runtime.GOMAXPROCS(0),
		WarpSize:           1,
		Multiprocessors:    max(cpuid.CPU.PhysicalCores, 1),
		CacheLine:          positive(cpuid.CPU.CacheLine, 64),
		L1D:                positive(cpuid.CPU.Cache.L1D, 32<<10),
		L2:                 positive(cpuid.CPU.Cache.L2, 1<<20),
		Features:           cpuid.CPU.FeatureSet(),
	}}, nil
}

func (cpuDriver) Activate(int) error    { return nil }
func (cpuDriver) Synchronize(int) error { return nil }

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
