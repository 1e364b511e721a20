package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/ember/internal/backend/cpu"
	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/tensor"
)

func newBackend(t *testing.T) (*cpu.Backend, kernel.Queue) {
	t.Helper()
	b, err := cpu.New([]device.Info{{Kind: device.CPU, Name: "test", MaxThreadsPerBlock: 2, L1D: 32 << 10}},
		kernel.Config{RMSNormMaxSize: 64, SoftmaxMaxSize: 64})
	require.NoError(t, err)
	q, err := b.NewQueue()
	require.NoError(t, err)
	return b, q
}

func fill(t *testing.T, x *tensor.Tensor, base float32) {
	t.Helper()
	data, err := x.Float32s()
	require.NoError(t, err)
	for i := range data {
		data[i] = base + float32(i)
	}
}

func TestNewShapes(t *testing.T) {
	t.Parallel()
	b, _ := newBackend(t)

	set, err := New(b, Shape{Layers: 3, KVHeads: 2, MaxSeqLen: 8, HeadDim: 4, DataType: tensor.F32})
	require.NoError(t, err)
	require.Len(t, set, 3)

	for _, l := range set {
		k, v := l.Get()
		assert.Equal(t, []int{2, 8, 4}, k.Shape())
		assert.Equal(t, []int{2, 8, 4}, v.Shape())
		assert.False(t, tensor.Overlaps(k, v))
	}
	assert.Equal(t, 8, set.MaxSeqLen())
	assert.Equal(t, 3*2*2*8*4*4, set.Bytes())
}

func TestNewRejectsEmptyShape(t *testing.T) {
	t.Parallel()
	b, _ := newBackend(t)

	_, err := New(b, Shape{Layers: 1, KVHeads: 0, MaxSeqLen: 8, HeadDim: 4, DataType: tensor.F32})
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestWindowAddressesPositions(t *testing.T) {
	t.Parallel()
	b, _ := newBackend(t)

	l, err := NewLayer(b, tensor.F32, 2, 6, 2)
	require.NoError(t, err)
	k, _ := l.Get()
	fill(t, k, 0)

	wk, wv, err := l.Window(2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 2}, wk.Shape())
	assert.Equal(t, []int{2, 3, 2}, wv.Shape())

	got, err := wk.ToFloat32()
	require.NoError(t, err)
	// head 0 rows 2..4, head 1 rows 2..4 (row stride 2, head stride 12)
	assert.Equal(t, []float32{4, 5, 6, 7, 8, 9, 16, 17, 18, 19, 20, 21}, got)

	_, _, err = l.Window(5, 2)
	require.ErrorIs(t, err, tensor.ErrOutOfBounds)
}

func TestDuplicateCopiesValidRange(t *testing.T) {
	t.Parallel()
	b, q := newBackend(t)

	src, err := New(b, Shape{Layers: 2, KVHeads: 1, MaxSeqLen: 4, HeadDim: 2, DataType: tensor.F32})
	require.NoError(t, err)
	for i, l := range src {
		k, v := l.Get()
		fill(t, k, float32(10*i+1))
		fill(t, v, float32(100*i+1))
	}

	dst, err := Duplicate(q, b, src, 3)
	require.NoError(t, err)
	require.Len(t, dst, 2)

	for i := range dst {
		k, v := dst[i].Get()
		sk, sv := src[i].Get()
		assert.False(t, tensor.Overlaps(k, sk))

		got, err := k.ToFloat32()
		require.NoError(t, err)
		want, err := sk.ToFloat32()
		require.NoError(t, err)
		assert.Equal(t, want[:6], got[:6])
		assert.Equal(t, []float32{0, 0}, got[6:])

		got, err = v.ToFloat32()
		require.NoError(t, err)
		want, err = sv.ToFloat32()
		require.NoError(t, err)
		assert.Equal(t, want[:6], got[:6])
	}

	// the copy is independent of the source
	k, _ := src[0].Get()
	data, err := k.Float32s()
	require.NoError(t, err)
	data[0] = -1
	dk, _ := dst[0].Get()
	got, err := dk.ToFloat32()
	require.NoError(t, err)
	assert.Equal(t, float32(1), got[0])
}

func TestDuplicateBounds(t *testing.T) {
	t.Parallel()
	b, q := newBackend(t)

	src, err := New(b, Shape{Layers: 1, KVHeads: 1, MaxSeqLen: 4, HeadDim: 2, DataType: tensor.F32})
	require.NoError(t, err)

	_, err = Duplicate(q, b, src, 5)
	require.ErrorIs(t, err, tensor.ErrOutOfBounds)

	_, err = Duplicate(q, b, nil, 0)
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)

	empty, err := Duplicate(q, b, src, 0)
	require.NoError(t, err)
	k, _ := empty[0].Get()
	got, err := k.ToFloat32()
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), got)
}
