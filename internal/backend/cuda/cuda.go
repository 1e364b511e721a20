//go:build cuda

// Package cuda implements the kernel capability set on NVIDIA GPUs. The
// elementwise and row kernels are compiled with NVRTC for the lowest
// compute capability among the devices; matmul goes through cuBLAS.
package cuda

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/samcharles93/ember/internal/backend/cuda/native"
	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/tensor"
)

const Name = "cuda"

//go:embed kernels.cu
var kernelSource string

var kernelNames = []string{
	"ember_gather", "ember_rms_norm", "ember_rope", "ember_reform32",
	"ember_reform16", "ember_softmax", "ember_swiglu",
}

// elementwiseThreads caps blocks for kernels with no reduction.
const elementwiseThreads = 256

type Backend struct {
	devices []device.Info
	limits  kernel.Limits
	ptx     string

	// Block sizes for the reducing kernels, fixed at construction from
	// the configured row maxima.
	rmsThreads     int
	softmaxThreads int
	rowThreads     int

	mu      sync.Mutex
	modules map[int]*module
}

// module is the compiled kernel set loaded on one device.
type module struct {
	mod native.Module
	fns map[string]native.Function
}

var _ kernel.Backend = (*Backend)(nil)

// New compiles the kernels for devs. Limits come from the smallest
// thread budget and the lowest compute capability among them.
func New(devs []device.Info, cfg kernel.Config) (*Backend, error) {
	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: no cuda devices", device.ErrNoDevice)
	}
	warp := devs[0].WarpSize
	for _, d := range devs[1:] {
		if d.WarpSize != warp {
			return nil, fmt.Errorf("%w: mixed warp sizes %d and %d", kernel.ErrKernelConfig, warp, d.WarpSize)
		}
	}
	limits, err := kernel.MinCommon(devs, warp, cfg)
	if err != nil {
		return nil, err
	}
	if limits.MaxThreadsPerBlock > warp*warp {
		limits.MaxThreadsPerBlock = warp * warp
	}
	cc := limits.ComputeCapability
	ptx, err := native.Compile(kernelSource, "ember_kernels.cu",
		fmt.Sprintf("--gpu-architecture=compute_%d%d", cc.Major, cc.Minor),
		fmt.Sprintf("-DEMBER_WARP=%d", warp),
		"--use_fast_math",
	)
	if err != nil {
		return nil, fmt.Errorf("compile kernels for sm_%d%d: %w", cc.Major, cc.Minor, err)
	}
	return &Backend{
		devices:        devs,
		limits:         limits,
		ptx:            ptx,
		rmsThreads:     blockSize(limits.RMSNormMaxSize, limits),
		softmaxThreads: blockSize(limits.SoftmaxMaxSize, limits),
		rowThreads:     blockSize(elementwiseThreads, limits),
		modules:        map[int]*module{},
	}, nil
}

// blockSize rounds n up to a whole number of warps within the thread
// budget.
func blockSize(n int, l kernel.Limits) int {
	w := l.WarpSize
	n = (n + w - 1) / w * w
	return max(w, min(n, l.MaxThreadsPerBlock/w*w))
}

func (b *Backend) Name() string                     { return Name }
func (b *Backend) Devices() []device.Info           { return b.devices }
func (b *Backend) Limits() kernel.Limits            { return b.limits }
func (b *Backend) Supports(dt tensor.DataType) bool { return dt == tensor.F32 }
func (b *Backend) Preferred() tensor.DataType       { return tensor.F32 }

// Close unloads the kernel modules. Each unload runs on its own device.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	for ordinal, m := range b.modules {
		info, ok := b.device(ordinal)
		if !ok {
			continue
		}
		e := device.Enter(info, func(*device.Context) error { return m.mod.Unload() })
		if e != nil && err == nil {
			err = e
		}
	}
	b.modules = map[int]*module{}
	return err
}

func (b *Backend) device(ordinal int) (device.Info, bool) {
	for _, d := range b.devices {
		if d.Ordinal == ordinal {
			return d, true
		}
	}
	return device.Info{}, false
}

// load returns the kernels for the current device, loading them on first
// use.
func (b *Backend) load(ordinal int) (*module, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.modules[ordinal]; ok {
		return m, nil
	}
	mod, err := native.LoadModule(b.ptx)
	if err != nil {
		return nil, fmt.Errorf("load kernels on device %d: %w", ordinal, err)
	}
	m := &module{mod: mod, fns: make(map[string]native.Function, len(kernelNames))}
	for _, name := range kernelNames {
		fn, err := mod.Function(name)
		if err != nil {
			_ = mod.Unload()
			return nil, err
		}
		m.fns[name] = fn
	}
	b.modules[ordinal] = m
	return m, nil
}

// NewQueue creates a stream on the device current for the calling thread,
// which must be inside device.Enter for one of the backend's devices.
func (b *Backend) NewQueue() (kernel.Queue, error) {
	ordinal, err := native.CurrentDevice()
	if err != nil {
		return nil, err
	}
	info, ok := b.device(ordinal)
	if !ok {
		return nil, fmt.Errorf("%w: device %d is not served by this backend", device.ErrWrongContext, ordinal)
	}
	m, err := b.load(ordinal)
	if err != nil {
		return nil, err
	}
	stream, err := native.NewStream()
	if err != nil {
		return nil, fmt.Errorf("cuda stream create failed: %w", err)
	}
	blas, err := native.NewBlasHandle(stream)
	if err != nil {
		_ = stream.Destroy()
		return nil, fmt.Errorf("cublas init failed: %w", err)
	}
	return &Queue{info: info, stream: stream, blas: blas, fns: m.fns}, nil
}
