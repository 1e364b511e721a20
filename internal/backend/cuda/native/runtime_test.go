//go:build cuda

package native

import (
	"encoding/binary"
	"math"
	"runtime"
	"testing"
	"unsafe"
)

func requireDevice(t *testing.T) {
	t.Helper()
	count, err := DeviceCount()
	if err != nil {
		t.Skipf("DeviceCount: %v", err)
	}
	if count < 1 {
		t.Skip("no cuda device available")
	}
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
	if err := SetDevice(0); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
}

func newStream(t *testing.T) Stream {
	t.Helper()
	stream, err := NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	t.Cleanup(func() {
		if err := stream.Destroy(); err != nil {
			t.Errorf("stream destroy: %v", err)
		}
	})
	return stream
}

func allocDevice(t *testing.T, bytes int64) DeviceBuffer {
	t.Helper()
	buf, err := AllocDevice(bytes)
	if err != nil {
		t.Fatalf("AllocDevice: %v", err)
	}
	t.Cleanup(func() { _ = buf.Free() })
	return buf
}

func allocPinned(t *testing.T, bytes int64) HostBuffer {
	t.Helper()
	buf, err := AllocHostPinned(bytes)
	if err != nil {
		t.Fatalf("AllocHostPinned: %v", err)
	}
	t.Cleanup(func() { _ = buf.Free() })
	return buf
}

func f32Bytes(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(x))
	}
	return out
}

func bytesF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func TestDeviceAttributes(t *testing.T) {
	requireDevice(t)
	a, err := DeviceAttributes(0)
	if err != nil {
		t.Fatalf("DeviceAttributes: %v", err)
	}
	if a.Name == "" || a.MaxThreadsPerBlock <= 0 || a.WarpSize <= 0 || a.Major <= 0 || a.TotalMemory == 0 {
		t.Fatalf("implausible attributes: %+v", a)
	}
	if d, err := CurrentDevice(); err != nil || d != 0 {
		t.Fatalf("CurrentDevice = %d, %v", d, err)
	}
}

func TestPinnedAllocAndMemcpyRoundTrip(t *testing.T) {
	requireDevice(t)
	stream := newStream(t)

	const n = 256
	bytes := int64(n * unsafe.Sizeof(float32(0)))
	hostIn := allocPinned(t, bytes)
	hostOut := allocPinned(t, bytes)
	dev := allocDevice(t, bytes)

	in := unsafe.Slice((*float32)(unsafe.Pointer(&hostIn.Bytes(int(bytes))[0])), n)
	for i := range in {
		in[i] = float32(i) * 1.25
	}
	if err := MemcpyH2DAsync(dev, hostIn, bytes, stream); err != nil {
		t.Fatalf("MemcpyH2DAsync: %v", err)
	}
	if err := MemcpyD2HAsync(hostOut, dev, bytes, stream); err != nil {
		t.Fatalf("MemcpyD2HAsync: %v", err)
	}
	if err := stream.Synchronize(); err != nil {
		t.Fatalf("stream synchronize: %v", err)
	}
	out := bytesF32(hostOut.Bytes(int(bytes)))
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("mismatch at %d: got %v want %v", i, out[i], in[i])
		}
	}
}

func TestMemsetAndOffsets(t *testing.T) {
	requireDevice(t)
	stream := newStream(t)
	dev := allocDevice(t, 32)
	if err := MemcpyH2D(dev, f32Bytes([]float32{1, 2, 3, 4, 5, 6, 7, 8})); err != nil {
		t.Fatalf("MemcpyH2D: %v", err)
	}
	if err := MemsetAsync(dev.Add(8), 16, stream); err != nil {
		t.Fatalf("MemsetAsync: %v", err)
	}
	if err := stream.Synchronize(); err != nil {
		t.Fatalf("synchronize: %v", err)
	}
	out := make([]byte, 32)
	if err := MemcpyD2H(out, dev); err != nil {
		t.Fatalf("MemcpyD2H: %v", err)
	}
	got := bytesF32(out)
	want := []float32{1, 2, 0, 0, 0, 0, 7, 8}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestGemmBatchedF32(t *testing.T) {
	requireDevice(t)
	stream := newStream(t)
	blas, err := NewBlasHandle(stream)
	if err != nil {
		t.Fatalf("NewBlasHandle: %v", err)
	}
	defer func() { _ = blas.Destroy() }()

	// Column-major a [m,k], b [k,n], two batches each.
	const m, n, k, batch = 3, 2, 4, 2
	a := make([]float32, batch*m*k)
	b := make([]float32, batch*k*n)
	for i := range a {
		a[i] = float32(i%7) * 0.5
	}
	for i := range b {
		b[i] = float32(i%5) - 1
	}
	aDev := allocDevice(t, int64(4*len(a)))
	bDev := allocDevice(t, int64(4*len(b)))
	cDev := allocDevice(t, int64(4*batch*m*n))
	if err := MemcpyH2D(aDev, f32Bytes(a)); err != nil {
		t.Fatalf("upload a: %v", err)
	}
	if err := MemcpyH2D(bDev, f32Bytes(b)); err != nil {
		t.Fatalf("upload b: %v", err)
	}

	err = Gemm(blas, BlasOpN, BlasOpN, m, n, k, batch, 1,
		Operand{Buf: aDev, Type: BlasF32, LD: m, Stride: m * k},
		Operand{Buf: bDev, Type: BlasF32, LD: k, Stride: k * n},
		0,
		Operand{Buf: cDev, Type: BlasF32, LD: m, Stride: m * n},
	)
	if err != nil {
		t.Fatalf("Gemm: %v", err)
	}
	if err := stream.Synchronize(); err != nil {
		t.Fatalf("synchronize: %v", err)
	}
	raw := make([]byte, 4*batch*m*n)
	if err := MemcpyD2H(raw, cDev); err != nil {
		t.Fatalf("download: %v", err)
	}
	got := bytesF32(raw)
	for p := range batch {
		for i := range m {
			for j := range n {
				var want float32
				for l := range k {
					want += a[p*m*k+l*m+i] * b[p*k*n+j*k+l]
				}
				if g := got[p*m*n+j*m+i]; math.Abs(float64(g-want)) > 1e-4 {
					t.Fatalf("batch %d (%d,%d): got %v want %v", p, i, j, g, want)
				}
			}
		}
	}
}

func TestCompileAndLaunch(t *testing.T) {
	requireDevice(t)
	stream := newStream(t)

	ptx, err := Compile(`extern "C" __global__ void scale(float* x, float s, long long n) {
	long long i = (long long)blockIdx.x * blockDim.x + threadIdx.x;
	if (i < n) x[i] *= s;
}`, "scale.cu")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	mod, err := LoadModule(ptx)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	defer func() { _ = mod.Unload() }()
	fn, err := mod.Function("scale")
	if err != nil {
		t.Fatalf("Function: %v", err)
	}

	const n = 100
	src := make([]float32, n)
	for i := range src {
		src[i] = float32(i)
	}
	dev := allocDevice(t, 4*n)
	if err := MemcpyH2D(dev, f32Bytes(src)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	args := (&Args{}).Ptr(dev).F32(2).I64(n)
	if err := Launch(fn, 1, 128, stream, args); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := stream.Synchronize(); err != nil {
		t.Fatalf("synchronize: %v", err)
	}
	raw := make([]byte, 4*n)
	if err := MemcpyD2H(raw, dev); err != nil {
		t.Fatalf("download: %v", err)
	}
	for i, v := range bytesF32(raw) {
		if v != 2*float32(i) {
			t.Fatalf("element %d: got %v want %v", i, v, 2*float32(i))
		}
	}
}

func TestCompileReportsLog(t *testing.T) {
	if _, err := Compile("this is not cuda", "bad.cu"); err == nil {
		t.Fatalf("expected compile error")
	}
}
