//go:build cuda

package cuda

import (
	"fmt"

	"github.com/samcharles93/ember/internal/backend/cuda/native"
	"github.com/samcharles93/ember/internal/device"
)

// Driver exposes the GPUs to the device registry.
type Driver struct{}

func (Driver) Kind() device.Kind { return device.CUDA }

func (Driver) Probe() ([]device.Info, error) {
	count, err := native.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("cuda device query failed: %w", err)
	}
	infos := make([]device.Info, 0, count)
	for i := range count {
		a, err := native.DeviceAttributes(i)
		if err != nil {
			return nil, err
		}
		infos = append(infos, device.Info{
			Kind:               device.CUDA,
			Ordinal:            i,
			Name:               a.Name,
			MaxThreadsPerBlock: a.MaxThreadsPerBlock,
			WarpSize:           a.WarpSize,
			ComputeCapability:  device.Capability{Major: a.Major, Minor: a.Minor},
			Multiprocessors:    a.Multiprocessors,
			TotalMemory:        a.TotalMemory,
		})
	}
	return infos, nil
}

func (Driver) Activate(ordinal int) error {
	return native.SetDevice(ordinal)
}

// Synchronize makes ordinal current on the calling thread before waiting
// on it.
func (Driver) Synchronize(ordinal int) error {
	if err := native.SetDevice(ordinal); err != nil {
		return err
	}
	return native.DeviceSynchronize()
}
