// Package backend selects and constructs a kernel capability set by name.
package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/ember/internal/backend/cpu"
	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/logger"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
	Auto = "auto"
)

var ErrUnavailable = errors.New("backend not available in this build")

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, CUDA, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, or cuda)", backend)
	}
}

// New initializes the devices for the named backend and builds its
// kernels. Auto prefers CUDA when this build has it and a device answers.
func New(name string, cfg kernel.Config, log logger.Logger) (kernel.Backend, error) {
	name, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	switch name {
	case CPU:
		return newCPU(cfg, log)
	case CUDA:
		return newAccelerator(cfg, log)
	}
	if cudaEnabled {
		b, err := newAccelerator(cfg, log)
		if err == nil {
			return b, nil
		}
		log.Warn("cuda backend unavailable, using cpu", "error", err)
	}
	return newCPU(cfg, log)
}

func newCPU(cfg kernel.Config, log logger.Logger) (kernel.Backend, error) {
	if err := device.Init(device.CPU); err != nil {
		return nil, err
	}
	devs, err := device.Devices(device.CPU)
	if err != nil {
		return nil, err
	}
	b, err := cpu.New(devs, cfg)
	if err != nil {
		return nil, fmt.Errorf("cpu kernels: %w", err)
	}
	log.Info("backend ready",
		"backend", b.Name(),
		"device", devs[0].Name,
		"workers", b.Workers(),
		"rms_norm_max", b.Limits().RMSNormMaxSize,
		"softmax_max", b.Limits().SoftmaxMaxSize,
	)
	return b, nil
}

func newAccelerator(cfg kernel.Config, log logger.Logger) (kernel.Backend, error) {
	if !cudaEnabled {
		return nil, fmt.Errorf("%s: %w", CUDA, ErrUnavailable)
	}
	if err := device.Init(device.CUDA); err != nil {
		return nil, err
	}
	devs, err := device.Devices(device.CUDA)
	if err != nil {
		return nil, err
	}
	b, err := newCUDA(devs, cfg)
	if err != nil {
		return nil, fmt.Errorf("cuda kernels: %w", err)
	}
	l := b.Limits()
	log.Info("backend ready",
		"backend", b.Name(),
		"devices", len(devs),
		"threads_per_block", l.MaxThreadsPerBlock,
		"compute_capability", l.ComputeCapability.String(),
		"warp", l.WarpSize,
		"rms_norm_max", l.RMSNormMaxSize,
		"softmax_max", l.SoftmaxMaxSize,
	)
	return b, nil
}
