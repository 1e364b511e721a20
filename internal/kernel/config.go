package kernel

import (
	"fmt"

	"github.com/samcharles93/ember/internal/device"
)

// Config is what the caller asks of a backend.
type Config struct {
	// RMSNormMaxSize is the longest row rms_norm must handle.
	RMSNormMaxSize int `yaml:"rms_norm_max_size"`
	// SoftmaxMaxSize is the longest attention row softmax must handle.
	SoftmaxMaxSize int `yaml:"softmax_max_size"`
	// Workers caps host parallelism; zero uses the device limit.
	Workers int `yaml:"workers"`
}

func (c Config) Validate() error {
	if c.RMSNormMaxSize <= 0 {
		return fmt.Errorf("%w: rms_norm_max_size must be > 0, got %d", ErrKernelConfig, c.RMSNormMaxSize)
	}
	if c.SoftmaxMaxSize <= 0 {
		return fmt.Errorf("%w: softmax_max_size must be > 0, got %d", ErrKernelConfig, c.SoftmaxMaxSize)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0, got %d", ErrKernelConfig, c.Workers)
	}
	return nil
}

// Limits are the tuned parameters a backend settled on.
type Limits struct {
	MaxThreadsPerBlock int
	WarpSize           int
	ComputeCapability  device.Capability
	RMSNormMaxSize     int
	SoftmaxMaxSize     int
}

// MinCommon derives limits every device in devs can honour: the smallest
// thread count per block and the lowest compute capability. warp fixes the
// warp size for the backend.
func MinCommon(devs []device.Info, warp int, cfg Config) (Limits, error) {
	if err := cfg.Validate(); err != nil {
		return Limits{}, err
	}
	if len(devs) == 0 {
		return Limits{}, fmt.Errorf("%w: no device capability available", ErrKernelConfig)
	}
	if warp <= 0 {
		return Limits{}, fmt.Errorf("%w: warp size must be > 0", ErrKernelConfig)
	}
	l := Limits{
		MaxThreadsPerBlock: devs[0].MaxThreadsPerBlock,
		WarpSize:           warp,
		ComputeCapability:  devs[0].ComputeCapability,
		RMSNormMaxSize:     cfg.RMSNormMaxSize,
		SoftmaxMaxSize:     cfg.SoftmaxMaxSize,
	}
	for _, d := range devs[1:] {
		l.MaxThreadsPerBlock = min(l.MaxThreadsPerBlock, d.MaxThreadsPerBlock)
		if d.ComputeCapability.Less(l.ComputeCapability) {
			l.ComputeCapability = d.ComputeCapability
		}
	}
	if l.MaxThreadsPerBlock <= 0 {
		return Limits{}, fmt.Errorf("%w: device reports %d threads per block", ErrKernelConfig, l.MaxThreadsPerBlock)
	}
	return l, nil
}
