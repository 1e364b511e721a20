//go:build cuda

package backend

import (
	"github.com/samcharles93/ember/internal/backend/cuda"
	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/kernel"
)

const cudaEnabled = true

func init() {
	device.Register(cuda.Driver{})
}

func newCUDA(devs []device.Info, cfg kernel.Config) (kernel.Backend, error) {
	return cuda.New(devs, cfg)
}
