//go:build cuda

package cuda

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/samcharles93/ember/internal/backend/cuda/native"
	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/tensor"
)

// Storage is device memory on one GPU. It is freed by Free or, failing
// that, once the garbage collector finds it unreachable.
type Storage struct {
	buf   native.DeviceBuffer
	n     int
	owner device.Info

	once    sync.Once
	cleanup runtime.Cleanup
}

func newStorage(owner device.Info, n int) (*Storage, error) {
	s := &Storage{n: n, owner: owner}
	if n == 0 {
		return s, nil
	}
	buf, err := native.AllocDevice(int64(n))
	if err != nil {
		return nil, err
	}
	s.buf = buf
	s.cleanup = runtime.AddCleanup(s, func(b native.DeviceBuffer) { _ = b.Free() }, buf)
	return s, nil
}

func (s *Storage) Len() int { return s.n }

// Owner is the device the memory lives on.
func (s *Storage) Owner() device.Info { return s.owner }

// Free releases the memory now. Later calls are no-ops.
func (s *Storage) Free() error {
	var err error
	s.once.Do(func() {
		if s.buf.IsNil() {
			return
		}
		s.cleanup.Stop()
		err = s.buf.Free()
		s.buf = native.DeviceBuffer{}
	})
	return err
}

// layout mirrors struct Layout in kernels.cu. Offsets and strides count
// elements.
type layout struct {
	rank, offset  int64
	shape, stride [maxRank]int64
}

const maxRank = 6

func (l *layout) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(l)), unsafe.Sizeof(*l))
}

func layoutOf(t *tensor.Tensor) (*layout, error) {
	if t.Rank() > maxRank {
		return nil, fmt.Errorf("%w: rank %d exceeds %d", kernel.ErrUnsupported, t.Rank(), maxRank)
	}
	l := &layout{rank: int64(t.Rank()), offset: int64(t.ElemOffset())}
	for i, d := range t.Shape() {
		l.shape[i] = int64(d)
		l.stride[i] = int64(t.Stride(i))
	}
	return l, nil
}

// rows is the number of rows the row kernels launch one block for.
func rows(t *tensor.Tensor) int {
	if t.Rank() == 0 {
		return 1
	}
	return t.NumElements() / max(t.Dim(-1), 1)
}

// operand resolves the device memory behind t and checks it lives on the
// queue's device.
func operand(q *Queue, t *tensor.Tensor) (native.DeviceBuffer, *layout, error) {
	s, ok := t.Storage().(*Storage)
	if !ok {
		return native.DeviceBuffer{}, nil, fmt.Errorf("%w: %T is not cuda storage", kernel.ErrUnsupported, t.Storage())
	}
	if s.owner.Ordinal != q.info.Ordinal {
		return native.DeviceBuffer{}, nil, fmt.Errorf("%w: tensor on %s, queue on %s", device.ErrWrongContext, s.owner, q.info)
	}
	if s.buf.IsNil() && s.n > 0 {
		return native.DeviceBuffer{}, nil, fmt.Errorf("%w: storage already freed", kernel.ErrUnsupported)
	}
	l, err := layoutOf(t)
	if err != nil {
		return native.DeviceBuffer{}, nil, err
	}
	return s.buf, l, nil
}

// Alloc returns zeroed device memory on the current device.
func (b *Backend) Alloc(dt tensor.DataType, shape ...int) (*tensor.Tensor, error) {
	if dt.Size() == 0 {
		return nil, fmt.Errorf("%w: %v", tensor.ErrDataType, dt)
	}
	ordinal, err := native.CurrentDevice()
	if err != nil {
		return nil, err
	}
	info, ok := b.device(ordinal)
	if !ok {
		return nil, fmt.Errorf("%w: device %d is not served by this backend", device.ErrWrongContext, ordinal)
	}
	n := dt.Size()
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: dimension %d", tensor.ErrShapeMismatch, d)
		}
		n *= d
	}
	s, err := newStorage(info, n)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		// The default stream orders the memset before any queue's work.
		if err := native.MemsetAsync(s.buf, int64(n), native.Stream{}); err != nil {
			_ = s.Free()
			return nil, err
		}
	}
	return tensor.FromStorage(dt, shape, s)
}

// Upload copies a contiguous host tensor to the queue's device.
func (b *Backend) Upload(kq kernel.Queue, src *tensor.Tensor) (*tensor.Tensor, error) {
	q, err := queueOf(kq)
	if err != nil {
		return nil, err
	}
	if !src.IsContiguous() {
		return nil, fmt.Errorf("upload: %w", tensor.ErrNotContiguous)
	}
	raw, err := src.HostBytes()
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	n := src.NumElements() * src.DataType().Size()
	s, err := newStorage(q.info, n)
	if err != nil {
		return nil, err
	}
	if err := native.MemcpyH2D(s.buf, raw[:n]); err != nil {
		_ = s.Free()
		return nil, fmt.Errorf("upload: %w", err)
	}
	return tensor.FromStorage(src.DataType(), src.Shape(), s)
}

// Download waits for the queue and copies a contiguous tensor into dst.
func (b *Backend) Download(kq kernel.Queue, dst []byte, src *tensor.Tensor) error {
	q, err := queueOf(kq)
	if err != nil {
		return err
	}
	if !src.IsContiguous() {
		return fmt.Errorf("download: %w", tensor.ErrNotContiguous)
	}
	n := src.NumElements() * src.DataType().Size()
	if len(dst) < n {
		return fmt.Errorf("download: %w: need %d bytes, have %d", tensor.ErrSizeMismatch, n, len(dst))
	}
	buf, _, err := operand(q, src)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := q.ensureHost(n); err != nil {
		return err
	}
	if err := native.MemcpyD2HAsync(q.host, buf.Add(int64(src.Offset())), int64(n), q.stream); err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if err := q.stream.Synchronize(); err != nil {
		return err
	}
	copy(dst[:n], q.host.Bytes(n))
	return nil
}
