//go:build !cuda

package backend

import (
	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/kernel"
)

const cudaEnabled = false

func newCUDA([]device.Info, kernel.Config) (kernel.Backend, error) {
	return nil, ErrUnavailable
}
