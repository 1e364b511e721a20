//go:build cuda

package cuda

import (
	"fmt"

	"github.com/samcharles93/ember/internal/backend/cuda/native"
	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/kernel"
)

// Queue is one CUDA stream with its cuBLAS handle. Kernels return once
// their work is enqueued; Synchronize waits for it.
type Queue struct {
	info   device.Info
	stream native.Stream
	blas   native.BlasHandle
	fns    map[string]native.Function

	// Pinned staging for token ids and downloads, grown on demand.
	host     native.HostBuffer
	hostCap  int
	ids      native.DeviceBuffer
	idsBytes int
}

func (q *Queue) Device() device.Info { return q.info }

func (q *Queue) Synchronize() error {
	return q.stream.Synchronize()
}

func (q *Queue) Close() error {
	var err error
	if e := q.stream.Synchronize(); e != nil {
		err = e
	}
	if e := q.ids.Free(); e != nil && err == nil {
		err = e
	}
	if e := q.host.Free(); e != nil && err == nil {
		err = e
	}
	if e := q.blas.Destroy(); e != nil && err == nil {
		err = e
	}
	if e := q.stream.Destroy(); e != nil && err == nil {
		err = e
	}
	q.ids, q.host = native.DeviceBuffer{}, native.HostBuffer{}
	q.idsBytes, q.hostCap = 0, 0
	return err
}

// ensureHost grows the pinned staging buffer. Pending copies out of it
// must finish first.
func (q *Queue) ensureHost(n int) error {
	if n <= q.hostCap {
		return nil
	}
	if err := q.stream.Synchronize(); err != nil {
		return err
	}
	if err := q.host.Free(); err != nil {
		return err
	}
	buf, err := native.AllocHostPinned(int64(n))
	if err != nil {
		q.host, q.hostCap = native.HostBuffer{}, 0
		return err
	}
	q.host, q.hostCap = buf, n
	return nil
}

// ensureIDs grows the device buffer gather reads token ids from.
func (q *Queue) ensureIDs(n int) error {
	if n <= q.idsBytes {
		return nil
	}
	if err := q.stream.Synchronize(); err != nil {
		return err
	}
	if err := q.ids.Free(); err != nil {
		return err
	}
	buf, err := native.AllocDevice(int64(n))
	if err != nil {
		q.ids, q.idsBytes = native.DeviceBuffer{}, 0
		return err
	}
	q.ids, q.idsBytes = buf, n
	return nil
}

func (q *Queue) launch(name string, rows, threads int, args *native.Args) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = launchPanic(name, rec)
		}
	}()
	fn, ok := q.fns[name]
	if !ok {
		return fmt.Errorf("%w: kernel %s not loaded", kernel.ErrUnsupported, name)
	}
	if err := native.Launch(fn, rows, threads, q.stream, args); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// launchPanic turns a panic recovered around a kernel launch into an error.
func launchPanic(name string, rec any) error {
	if err, ok := rec.(error); ok {
		return fmt.Errorf("%s: cuda execution failed: %w", name, err)
	}
	return fmt.Errorf("%s: cuda execution failed: %v", name, rec)
}

func queueOf(q kernel.Queue) (*Queue, error) {
	cq, ok := q.(*Queue)
	if !ok || cq == nil {
		return nil, fmt.Errorf("%w: %T is not a cuda queue", kernel.ErrUnsupported, q)
	}
	return cq, nil
}
