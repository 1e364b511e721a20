package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	infos    []Info
	probeErr error
	active   []int
	synced   []int
}

func (f *fakeDriver) Kind() Kind { return CUDA }

func (f *fakeDriver) Probe() ([]Info, error) { return f.infos, f.probeErr }

func (f *fakeDriver) Activate(ordinal int) error {
	f.active = append(f.active, ordinal)
	return nil
}

func (f *fakeDriver) Synchronize(ordinal int) error {
	f.synced = append(f.synced, ordinal)
	return nil
}

// withFakeAccelerator swaps in a fake CUDA driver for one test and restores
// the registry afterwards.
func withFakeAccelerator(t *testing.T, f *fakeDriver) {
	t.Helper()
	mu.Lock()
	prevDrivers := drivers
	prevDevices := devices
	drivers = map[Kind]Driver{CPU: cpuDriver{}}
	devices = map[Kind][]Info{}
	mu.Unlock()
	Register(f)
	t.Cleanup(func() {
		mu.Lock()
		drivers = prevDrivers
		devices = prevDevices
		mu.Unlock()
	})
}

func twoGPUs() *fakeDriver {
	return &fakeDriver{infos: []Info{
		{Kind: CUDA, Ordinal: 0, Name: "gpu0", MaxThreadsPerBlock: 1024, WarpSize: 32, ComputeCapability: Capability{8, 6}},
		{Kind: CUDA, Ordinal: 1, Name: "gpu1", MaxThreadsPerBlock: 512, WarpSize: 32, ComputeCapability: Capability{7, 5}},
	}}
}

func TestDevicesRequiresInit(t *testing.T) {
	withFakeAccelerator(t, twoGPUs())

	_, err := Devices(CPU)
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, Init(CPU))
	cpus, err := Devices(CPU)
	require.NoError(t, err)
	require.Len(t, cpus, 1)
	assert.Equal(t, CPU, cpus[0].Kind)
	assert.Positive(t, cpus[0].MaxThreadsPerBlock)

	_, err = Devices(CUDA)
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, Init(CUDA))
	gpus, err := Devices(CUDA)
	require.NoError(t, err)
	assert.Len(t, gpus, 2)
	assert.Len(t, All(), 3)
}

func TestInitReportsProbeFailures(t *testing.T) {
	f := &fakeDriver{probeErr: errors.New("driver missing")}
	withFakeAccelerator(t, f)

	err := Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver missing")

	_, err = Devices(CPU)
	require.NoError(t, err, "cpu stays usable when the accelerator probe fails")

	f.probeErr = nil
	require.ErrorIs(t, Init(CUDA), ErrNoDevice)
}

func TestSynchronizeAndShutdown(t *testing.T) {
	f := twoGPUs()
	withFakeAccelerator(t, f)
	require.NoError(t, Init())

	require.NoError(t, Synchronize())
	assert.ElementsMatch(t, []int{0, 1}, f.synced)

	require.NoError(t, Shutdown())
	_, err := Devices(CUDA)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestCapabilityOrdering(t *testing.T) {
	t.Parallel()
	assert.True(t, Capability{7, 5}.Less(Capability{8, 0}))
	assert.True(t, Capability{8, 0}.Less(Capability{8, 6}))
	assert.False(t, Capability{8, 6}.Less(Capability{8, 6}))
	assert.Equal(t, "8.6", Capability{8, 6}.String())
}

func TestSporeBindsOnlyInsideOwningContext(t *testing.T) {
	f := twoGPUs()
	withFakeAccelerator(t, f)
	require.NoError(t, Init(CUDA))
	gpus, err := Devices(CUDA)
	require.NoError(t, err)

	var spore *Spore[[]float32]
	var leaked *Context
	err = Enter(gpus[0], func(ctx *Context) error {
		var err error
		spore, err = Sporulate(ctx, []float32{1, 2, 3})
		leaked = ctx
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, f.active)
	assert.False(t, spore.Empty())

	_, err = spore.Sprout(leaked)
	require.ErrorIs(t, err, ErrContextClosed)

	err = Enter(gpus[1], func(ctx *Context) error {
		_, err := spore.Sprout(ctx)
		return err
	})
	require.ErrorIs(t, err, ErrWrongContext)

	err = Enter(gpus[0], func(ctx *Context) error {
		v, err := spore.Sprout(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, []float32{1, 2, 3}, v)
		_, err = spore.Sprout(ctx)
		assert.ErrorIs(t, err, ErrSporeEmpty)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, spore.Empty())
}

func TestSporeRelease(t *testing.T) {
	withFakeAccelerator(t, twoGPUs())
	require.NoError(t, Init(CPU))
	cpus, err := Devices(CPU)
	require.NoError(t, err)

	freed := 0
	err = Enter(cpus[0], func(ctx *Context) error {
		s, err := Sporulate(ctx, 7)
		if err != nil {
			return err
		}
		if err := s.Release(ctx, func(v int) { freed += v }); err != nil {
			return err
		}
		return s.Release(ctx, func(v int) { freed += v })
	})
	require.NoError(t, err)
	assert.Equal(t, 7, freed)
}
