// Package cpu implements the kernel capability set on host memory.
package cpu

import (
	"fmt"

	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/tensor"
)

const Name = "cpu"

type Backend struct {
	devices []device.Info
	limits  kernel.Limits
	workers int
	// grain is the smallest number of elements worth handing to a worker.
	grain int
}

var _ kernel.Backend = (*Backend)(nil)

// New tunes the kernels for the given CPU devices. Worker count comes from
// the smallest thread budget across devices unless cfg caps it further, and
// the per-task grain from the smallest L1 data cache.
func New(devs []device.Info, cfg kernel.Config) (*Backend, error) {
	limits, err := kernel.MinCommon(devs, 1, cfg)
	if err != nil {
		return nil, err
	}
	workers := limits.MaxThreadsPerBlock
	if cfg.Workers > 0 {
		workers = min(workers, cfg.Workers)
	}
	l1 := devs[0].L1D
	for _, d := range devs[1:] {
		l1 = min(l1, d.L1D)
	}
	return &Backend{
		devices: devs,
		limits:  limits,
		workers: workers,
		grain:   max(l1/4, 1024),
	}, nil
}

func (b *Backend) Name() string                     { return Name }
func (b *Backend) Devices() []device.Info           { return b.devices }
func (b *Backend) Limits() kernel.Limits            { return b.limits }
func (b *Backend) Supports(dt tensor.DataType) bool { return dt == tensor.F32 }
func (b *Backend) Preferred() tensor.DataType       { return tensor.F32 }
func (b *Backend) Close() error                     { return nil }

// Workers reports the tuned degree of parallelism.
func (b *Backend) Workers() int { return b.workers }

func (b *Backend) NewQueue() (kernel.Queue, error) {
	return &Queue{info: b.devices[0]}, nil
}

// Queue is synchronous: every kernel has finished when it returns.
type Queue struct {
	info device.Info
}

func (q *Queue) Device() device.Info { return q.info }
func (q *Queue) Synchronize() error  { return nil }
func (q *Queue) Close() error        { return nil }

func (b *Backend) Alloc(dt tensor.DataType, shape ...int) (*tensor.Tensor, error) {
	return tensor.Zeros(dt, shape...)
}

// Upload returns host tensors unchanged; the kernels read them in place.
func (b *Backend) Upload(_ kernel.Queue, src *tensor.Tensor) (*tensor.Tensor, error) {
	if _, ok := src.Storage().(*tensor.HostStorage); !ok {
		return nil, fmt.Errorf("upload: %w", tensor.ErrNotHost)
	}
	return src, nil
}

func (b *Backend) Download(_ kernel.Queue, dst []byte, src *tensor.Tensor) error {
	if !src.IsContiguous() {
		return fmt.Errorf("download: %w", tensor.ErrNotContiguous)
	}
	raw, err := src.HostBytes()
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if len(dst) < len(raw) {
		return fmt.Errorf("download: %w: need %d bytes, have %d", tensor.ErrSizeMismatch, len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}

// f32 returns the whole backing storage of an F32 host tensor; callers
// index it with element offsets.
func f32(t *tensor.Tensor) ([]float32, error) {
	if t.DataType() != tensor.F32 {
		return nil, fmt.Errorf("%w: cpu kernels compute on F32, got %v", kernel.ErrUnsupported, t.DataType())
	}
	h, ok := t.Storage().(*tensor.HostStorage)
	if !ok {
		return nil, tensor.ErrNotHost
	}
	return tensor.AsFloat32s(h.Bytes()), nil
}
