//go:build cuda

package native

/*
#cgo LDFLAGS: -lcuda -lcudart -lcublas -lnvrtc

#include <stddef.h>
#include <stdlib.h>

// Forward declarations keep the build free of CUDA headers. The linker
// still needs the libraries when building with the cuda tag.
typedef void* cudaStream_t;
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaDeviceGetAttribute(int* value, int attr, int device);
extern cudaError_t cudaSetDevice(int device);
extern cudaError_t cudaGetDevice(int* device);
extern cudaError_t cudaDeviceSynchronize(void);
extern cudaError_t cudaStreamCreate(cudaStream_t* stream);
extern cudaError_t cudaStreamDestroy(cudaStream_t stream);
extern cudaError_t cudaStreamSynchronize(cudaStream_t stream);
extern cudaError_t cudaMalloc(void** ptr, unsigned long long size);
extern cudaError_t cudaFree(void* ptr);
extern cudaError_t cudaMemsetAsync(void* ptr, int value, unsigned long long size, cudaStream_t stream);
extern cudaError_t cudaMemcpy(void* dst, const void* src, unsigned long long size, int kind);
extern cudaError_t cudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream);
extern cudaError_t cudaMallocHost(void** ptr, unsigned long long size);
extern cudaError_t cudaFreeHost(void* ptr);

#define EMBER_CUDA_MEMCPY_HOST_TO_DEVICE 1
#define EMBER_CUDA_MEMCPY_DEVICE_TO_HOST 2

#define EMBER_ATTR_MAX_THREADS_PER_BLOCK 1
#define EMBER_ATTR_WARP_SIZE 10
#define EMBER_ATTR_MULTIPROCESSORS 16
#define EMBER_ATTR_CC_MAJOR 75
#define EMBER_ATTR_CC_MINOR 76

// Driver API, used for device names and for loading runtime-compiled
// kernels into the primary context the runtime API creates.
typedef int CUresult;
typedef int CUdevice;
typedef struct CUmod_st* CUmodule;
typedef struct CUfunc_st* CUfunction;

extern CUresult cuInit(unsigned int flags);
extern CUresult cuGetErrorString(CUresult err, const char** str);
extern CUresult cuDeviceGet(CUdevice* dev, int ordinal);
extern CUresult cuDeviceGetName(char* name, int len, CUdevice dev);
extern CUresult cuDeviceTotalMem_v2(size_t* bytes, CUdevice dev);
extern CUresult cuModuleLoadData(CUmodule* module, const void* image);
extern CUresult cuModuleUnload(CUmodule module);
extern CUresult cuModuleGetFunction(CUfunction* fn, CUmodule module, const char* name);
extern CUresult cuLaunchKernel(CUfunction f,
	unsigned int gx, unsigned int gy, unsigned int gz,
	unsigned int bx, unsigned int by, unsigned int bz,
	unsigned int shared, cudaStream_t stream, void** params, void** extra);

typedef struct _nvrtcProgram* nvrtcProgram;
typedef int nvrtcResult;

extern const char* nvrtcGetErrorString(nvrtcResult result);
extern nvrtcResult nvrtcCreateProgram(nvrtcProgram* prog, const char* src, const char* name,
	int numHeaders, const char* const* headers, const char* const* includeNames);
extern nvrtcResult nvrtcCompileProgram(nvrtcProgram prog, int numOptions, const char* const* options);
extern nvrtcResult nvrtcGetProgramLogSize(nvrtcProgram prog, size_t* size);
extern nvrtcResult nvrtcGetProgramLog(nvrtcProgram prog, char* log);
extern nvrtcResult nvrtcGetPTXSize(nvrtcProgram prog, size_t* size);
extern nvrtcResult nvrtcGetPTX(nvrtcProgram prog, char* ptx);
extern nvrtcResult nvrtcDestroyProgram(nvrtcProgram* prog);

typedef struct cublasContext* cublasHandle_t;
typedef int cublasStatus_t;

extern cublasStatus_t cublasCreate_v2(cublasHandle_t* handle);
extern cublasStatus_t cublasDestroy_v2(cublasHandle_t handle);
extern cublasStatus_t cublasSetStream_v2(cublasHandle_t handle, cudaStream_t stream);
extern cublasStatus_t cublasGemmEx(
	cublasHandle_t handle, int transa, int transb, int m, int n, int k,
	const void* alpha, const void* A, int Atype, int lda,
	const void* B, int Btype, int ldb,
	const void* beta, void* C, int Ctype, int ldc,
	int computeType, int algo);
extern cublasStatus_t cublasGemmStridedBatchedEx(
	cublasHandle_t handle, int transa, int transb, int m, int n, int k,
	const void* alpha, const void* A, int Atype, int lda, long long strideA,
	const void* B, int Btype, int ldb, long long strideB,
	const void* beta, void* C, int Ctype, int ldc, long long strideC,
	int batchCount, int computeType, int algo);

static cudaError_t emberAttr(int* out, int attr, int device) {
	return cudaDeviceGetAttribute(out, attr, device);
}

static int emberDeviceName(char* name, int len, int ordinal) {
	CUdevice dev;
	CUresult st = cuInit(0);
	if (st != 0) return st;
	st = cuDeviceGet(&dev, ordinal);
	if (st != 0) return st;
	return cuDeviceGetName(name, len, dev);
}

static int emberDeviceTotalMem(unsigned long long* out, int ordinal) {
	CUdevice dev;
	size_t bytes = 0;
	CUresult st = cuInit(0);
	if (st != 0) return st;
	st = cuDeviceGet(&dev, ordinal);
	if (st != 0) return st;
	st = cuDeviceTotalMem_v2(&bytes, dev);
	*out = (unsigned long long)bytes;
	return st;
}

static const char* emberDriverErrorString(int code) {
	const char* s = NULL;
	if (cuGetErrorString((CUresult)code, &s) != 0 || s == NULL) return "unknown driver error";
	return s;
}

// emberLaunch builds the parameter array cuLaunchKernel wants from a
// packed argument blob. offs[i] is the byte offset of argument i.
static int emberLaunch(CUfunction f,
	unsigned int gx, unsigned int bx, unsigned int shared, cudaStream_t stream,
	char* blob, const int* offs, int n) {
	void* params[16];
	if (n > 16) return 1;
	for (int i = 0; i < n; i++) params[i] = blob + offs[i];
	return cuLaunchKernel(f, gx, 1, 1, bx, 1, 1, shared, stream, params, NULL);
}

// emberCompile compiles src to PTX. On failure *log holds the compiler
// output; the caller frees *ptx and *log.
static int emberCompile(const char* src, const char* name, const char** opts, int nopts, char** ptx, char** log) {
	nvrtcProgram prog;
	*ptx = NULL;
	*log = NULL;
	nvrtcResult st = nvrtcCreateProgram(&prog, src, name, 0, NULL, NULL);
	if (st != 0) return st;
	st = nvrtcCompileProgram(prog, nopts, opts);
	size_t n = 0;
	nvrtcGetProgramLogSize(prog, &n);
	if (n > 1) {
		*log = (char*)malloc(n);
		nvrtcGetProgramLog(prog, *log);
	}
	if (st == 0) {
		st = nvrtcGetPTXSize(prog, &n);
		if (st == 0) {
			*ptx = (char*)malloc(n);
			st = nvrtcGetPTX(prog, *ptx);
		}
	}
	nvrtcDestroyProgram(&prog);
	return st;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"
)

var ErrAllocSize = errors.New("cuda: allocation size must be > 0")

type Stream struct {
	ptr C.cudaStream_t
}

type BlasHandle struct {
	ptr C.cublasHandle_t
}

// DeviceBuffer is a device address. Offsets into an allocation are
// DeviceBuffers too.
type DeviceBuffer struct {
	ptr unsafe.Pointer
}

type HostBuffer struct {
	ptr unsafe.Pointer
}

// Attributes are the per-device properties the backend tunes against.
type Attributes struct {
	Name               string
	MaxThreadsPerBlock int
	WarpSize           int
	Multiprocessors    int
	Major, Minor       int
	TotalMemory        uint64
}

func DeviceCount() (int, error) {
	var count C.int
	if err := cudaErr(C.cudaGetDeviceCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

func DeviceAttributes(ordinal int) (Attributes, error) {
	var a Attributes
	for _, q := range []struct {
		attr C.int
		dst  *int
	}{
		{C.EMBER_ATTR_MAX_THREADS_PER_BLOCK, &a.MaxThreadsPerBlock},
		{C.EMBER_ATTR_WARP_SIZE, &a.WarpSize},
		{C.EMBER_ATTR_MULTIPROCESSORS, &a.Multiprocessors},
		{C.EMBER_ATTR_CC_MAJOR, &a.Major},
		{C.EMBER_ATTR_CC_MINOR, &a.Minor},
	} {
		var v C.int
		if err := cudaErr(C.emberAttr(&v, q.attr, C.int(ordinal))); err != nil {
			return Attributes{}, fmt.Errorf("device %d attribute %d: %w", ordinal, int(q.attr), err)
		}
		*q.dst = int(v)
	}
	var name [256]C.char
	if err := driverErr(C.emberDeviceName(&name[0], C.int(len(name)), C.int(ordinal))); err != nil {
		return Attributes{}, fmt.Errorf("device %d name: %w", ordinal, err)
	}
	a.Name = C.GoString(&name[0])
	var total C.ulonglong
	if err := driverErr(C.emberDeviceTotalMem(&total, C.int(ordinal))); err != nil {
		return Attributes{}, fmt.Errorf("device %d memory: %w", ordinal, err)
	}
	a.TotalMemory = uint64(total)
	return a, nil
}

// SetDevice makes ordinal current for the calling OS thread and creates
// its primary context if needed.
func SetDevice(ordinal int) error {
	if err := cudaErr(C.cudaSetDevice(C.int(ordinal))); err != nil {
		return err
	}
	return cudaErr(C.cudaFree(nil))
}

func CurrentDevice() (int, error) {
	var d C.int
	if err := cudaErr(C.cudaGetDevice(&d)); err != nil {
		return 0, err
	}
	return int(d), nil
}

// DeviceSynchronize waits for all work on the current device.
func DeviceSynchronize() error {
	return cudaErr(C.cudaDeviceSynchronize())
}

func NewStream() (Stream, error) {
	var stream C.cudaStream_t
	if err := cudaErr(C.cudaStreamCreate(&stream)); err != nil {
		return Stream{}, err
	}
	return Stream{ptr: stream}, nil
}

func (s Stream) Destroy() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.cudaStreamDestroy(s.ptr))
}

func (s Stream) Synchronize() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.cudaStreamSynchronize(s.ptr))
}

func AllocDevice(bytes int64) (DeviceBuffer, error) {
	if bytes <= 0 {
		return DeviceBuffer{}, ErrAllocSize
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.cudaMalloc(&ptr, C.ulonglong(bytes))); err != nil {
		return DeviceBuffer{}, err
	}
	return DeviceBuffer{ptr: ptr}, nil
}

func (b DeviceBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return cudaErr(C.cudaFree(b.ptr))
}

func (b DeviceBuffer) IsNil() bool { return b.ptr == nil }

// Add returns the address bytes past b.
func (b DeviceBuffer) Add(bytes int64) DeviceBuffer {
	return DeviceBuffer{ptr: unsafe.Add(b.ptr, bytes)}
}

// Addr is the device address as a kernel argument.
func (b DeviceBuffer) Addr() uint64 {
	return uint64(uintptr(b.ptr))
}

func MemsetAsync(dst DeviceBuffer, bytes int64, stream Stream) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.cudaMemsetAsync(dst.ptr, 0, C.ulonglong(bytes), stream.ptr))
}

func AllocHostPinned(bytes int64) (HostBuffer, error) {
	if bytes <= 0 {
		return HostBuffer{}, ErrAllocSize
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.cudaMallocHost(&ptr, C.ulonglong(bytes))); err != nil {
		return HostBuffer{}, err
	}
	return HostBuffer{ptr: ptr}, nil
}

func (b HostBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return cudaErr(C.cudaFreeHost(b.ptr))
}

// Bytes views the first n bytes of the pinned buffer.
func (b HostBuffer) Bytes(n int) []byte {
	return unsafe.Slice((*byte)(b.ptr), n)
}

func MemcpyH2DAsync(dst DeviceBuffer, src HostBuffer, bytes int64, stream Stream) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.cudaMemcpyAsync(dst.ptr, src.ptr, C.ulonglong(bytes), C.EMBER_CUDA_MEMCPY_HOST_TO_DEVICE, stream.ptr))
}

func MemcpyD2HAsync(dst HostBuffer, src DeviceBuffer, bytes int64, stream Stream) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.cudaMemcpyAsync(dst.ptr, src.ptr, C.ulonglong(bytes), C.EMBER_CUDA_MEMCPY_DEVICE_TO_HOST, stream.ptr))
}

// MemcpyH2D copies from Go memory and returns once src may be reused.
func MemcpyH2D(dst DeviceBuffer, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return cudaErr(C.cudaMemcpy(dst.ptr, unsafe.Pointer(&src[0]), C.ulonglong(len(src)), C.EMBER_CUDA_MEMCPY_HOST_TO_DEVICE))
}

func MemcpyD2H(dst []byte, src DeviceBuffer) error {
	if len(dst) == 0 {
		return nil
	}
	return cudaErr(C.cudaMemcpy(unsafe.Pointer(&dst[0]), src.ptr, C.ulonglong(len(dst)), C.EMBER_CUDA_MEMCPY_DEVICE_TO_HOST))
}

// Compile turns CUDA C source into PTX with NVRTC.
func Compile(src, name string, opts ...string) (string, error) {
	csrc := C.CString(src)
	defer C.free(unsafe.Pointer(csrc))
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	copts := (**C.char)(C.malloc(C.size_t(max(len(opts), 1)) * C.size_t(unsafe.Sizeof(uintptr(0)))))
	defer C.free(unsafe.Pointer(copts))
	view := unsafe.Slice(copts, max(len(opts), 1))
	for i, o := range opts {
		view[i] = C.CString(o)
	}
	defer func() {
		for i := range opts {
			C.free(unsafe.Pointer(view[i]))
		}
	}()

	var ptx, log *C.char
	st := C.emberCompile(csrc, cname, copts, C.int(len(opts)), &ptx, &log)
	defer C.free(unsafe.Pointer(ptx))
	defer C.free(unsafe.Pointer(log))
	if st != 0 {
		msg := C.GoString(C.nvrtcGetErrorString(C.nvrtcResult(st)))
		if log != nil {
			msg += ": " + strings.TrimSpace(C.GoString(log))
		}
		return "", fmt.Errorf("nvrtc error %d: %s", int(st), msg)
	}
	return C.GoString(ptx), nil
}

// Module is PTX loaded into the current device's context.
type Module struct {
	ptr C.CUmodule
}

type Function struct {
	ptr C.CUfunction
}

func LoadModule(ptx string) (Module, error) {
	cptx := C.CString(ptx)
	defer C.free(unsafe.Pointer(cptx))
	var m C.CUmodule
	if err := driverErr(C.int(C.cuModuleLoadData(&m, unsafe.Pointer(cptx)))); err != nil {
		return Module{}, err
	}
	return Module{ptr: m}, nil
}

func (m Module) Function(name string) (Function, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var f C.CUfunction
	if err := driverErr(C.int(C.cuModuleGetFunction(&f, m.ptr, cname))); err != nil {
		return Function{}, fmt.Errorf("%s: %w", name, err)
	}
	return Function{ptr: f}, nil
}

func (m Module) Unload() error {
	if m.ptr == nil {
		return nil
	}
	return driverErr(C.int(C.cuModuleUnload(m.ptr)))
}

// Args packs kernel arguments by value, each 8-byte aligned.
type Args struct {
	blob []byte
	offs []C.int
}

func (a *Args) Ptr(b DeviceBuffer) *Args { return a.U64(b.Addr()) }

func (a *Args) U64(v uint64) *Args {
	return a.raw(unsafe.Slice((*byte)(unsafe.Pointer(&v)), 8))
}

func (a *Args) I64(v int64) *Args { return a.U64(uint64(v)) }

func (a *Args) F32(v float32) *Args {
	return a.raw(unsafe.Slice((*byte)(unsafe.Pointer(&v)), 4))
}

// Raw appends a plain-data struct. It must hold no Go pointers.
func (a *Args) Raw(b []byte) *Args { return a.raw(b) }

func (a *Args) raw(b []byte) *Args {
	for len(a.blob)%8 != 0 {
		a.blob = append(a.blob, 0)
	}
	a.offs = append(a.offs, C.int(len(a.blob)))
	a.blob = append(a.blob, b...)
	return a
}

// Launch runs f over grid blocks of block threads on stream.
func Launch(f Function, grid, block int, stream Stream, args *Args) error {
	if grid == 0 {
		return nil
	}
	if len(args.blob) == 0 {
		return errors.New("cuda: launch without arguments")
	}
	return driverErr(C.emberLaunch(f.ptr, C.uint(grid), C.uint(block), 0, stream.ptr,
		(*C.char)(unsafe.Pointer(&args.blob[0])), &args.offs[0], C.int(len(args.offs))))
}

func NewBlasHandle(stream Stream) (BlasHandle, error) {
	var handle C.cublasHandle_t
	if err := cublasErr(C.cublasCreate_v2(&handle)); err != nil {
		return BlasHandle{}, err
	}
	if err := cublasErr(C.cublasSetStream_v2(handle, stream.ptr)); err != nil {
		_ = cublasErr(C.cublasDestroy_v2(handle))
		return BlasHandle{}, err
	}
	return BlasHandle{ptr: handle}, nil
}

func (h BlasHandle) Destroy() error {
	if h.ptr == nil {
		return nil
	}
	return cublasErr(C.cublasDestroy_v2(h.ptr))
}

type BlasDataType int

const (
	BlasF16  BlasDataType = 2  // CUDA_R_16F
	BlasBF16 BlasDataType = 14 // CUDA_R_16BF
	BlasF32  BlasDataType = 0  // CUDA_R_32F
)

type BlasComputeType int

const (
	BlasComputeF32 BlasComputeType = 68 // CUBLAS_COMPUTE_32F
)

type BlasOp int

const (
	BlasOpN BlasOp = 0 // CUBLAS_OP_N
	BlasOpT BlasOp = 1 // CUBLAS_OP_T
)

type BlasGemmAlgo int

const (
	BlasGemmDefault BlasGemmAlgo = -1 // CUBLAS_GEMM_DEFAULT
)

// Operand is one column-major GEMM input or output.
type Operand struct {
	Buf  DeviceBuffer
	Type BlasDataType
	LD   int
	// Stride is the element distance between batch entries.
	Stride int64
}

// Gemm computes c = alpha*op(a)*op(b) + beta*c for batch column-major
// problems laid out at fixed strides.
func Gemm(h BlasHandle, transA, transB BlasOp, m, n, k, batch int, alpha float32, a, b Operand, beta float32, c Operand) error {
	if batch == 1 {
		return cublasErr(C.cublasGemmEx(h.ptr,
			C.int(transA), C.int(transB), C.int(m), C.int(n), C.int(k),
			unsafe.Pointer(&alpha), a.Buf.ptr, C.int(a.Type), C.int(a.LD),
			b.Buf.ptr, C.int(b.Type), C.int(b.LD),
			unsafe.Pointer(&beta), c.Buf.ptr, C.int(c.Type), C.int(c.LD),
			C.int(BlasComputeF32), C.int(BlasGemmDefault),
		))
	}
	return cublasErr(C.cublasGemmStridedBatchedEx(h.ptr,
		C.int(transA), C.int(transB), C.int(m), C.int(n), C.int(k),
		unsafe.Pointer(&alpha), a.Buf.ptr, C.int(a.Type), C.int(a.LD), C.longlong(a.Stride),
		b.Buf.ptr, C.int(b.Type), C.int(b.LD), C.longlong(b.Stride),
		unsafe.Pointer(&beta), c.Buf.ptr, C.int(c.Type), C.int(c.LD), C.longlong(c.Stride),
		C.int(batch), C.int(BlasComputeF32), C.int(BlasGemmDefault),
	))
}

func cublasErr(code C.cublasStatus_t) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("cublas error %d", int(code))
}

func cudaErr(code C.cudaError_t) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.cudaGetErrorString(code))
	return fmt.Errorf("cuda runtime error %d: %s", int(code), msg)
}

func driverErr(code C.int) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("cuda driver error %d: %s", int(code), C.GoString(C.emberDriverErrorString(code)))
}
