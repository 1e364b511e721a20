package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestNewValidatesBufferLength(t *testing.T) {
	t.Parallel()
	_, err := New(F32, []int{2, 3}, make([]byte, 23))
	require.ErrorIs(t, err, ErrShapeMismatch)

	x, err := New(F32, []int{2, 3}, make([]byte, 24))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, x.Strides())
	assert.True(t, x.IsContiguous())

	_, err = New(Invalid, []int{1}, make([]byte, 4))
	require.ErrorIs(t, err, ErrDataType)
}

func TestSliceNarrowsWithoutCopy(t *testing.T) {
	t.Parallel()
	x, err := FromFloat32([]int{4, 5}, seq(20))
	require.NoError(t, err)

	s, err := x.Slice(Span(1, 2), Range{Start: 0, Step: 2, Len: 3})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, s.Shape())
	assert.Equal(t, []int{5, 2}, s.Strides())
	assert.Equal(t, 5*4, s.Offset())
	assert.Same(t, x.Storage(), s.Storage())

	vals, err := s.ToFloat32()
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 7, 9, 10, 12, 14}, vals)
	assert.False(t, s.IsContiguous())
}

func TestSliceOutOfBounds(t *testing.T) {
	t.Parallel()
	x, err := Zeros(F32, 4, 5)
	require.NoError(t, err)

	_, err = x.Slice(Span(3, 2))
	require.ErrorIs(t, err, ErrOutOfBounds)
	_, err = x.Slice(Full(), Range{Start: 1, Step: 2, Len: 3})
	require.ErrorIs(t, err, ErrOutOfBounds)
	_, err = x.Slice(Full(), Full(), Full())
	require.ErrorIs(t, err, ErrOutOfBounds)

	tail, err := x.Slice(Range{Start: 2, Step: 1, Len: -1})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, tail.Shape())
}

func TestSplitPartitionsDimension(t *testing.T) {
	t.Parallel()
	x, err := FromFloat32([]int{2, 6}, seq(12))
	require.NoError(t, err)

	parts, err := x.Split(1, 3, 2, 1)
	require.NoError(t, err)
	require.Len(t, parts, 3)

	want := [][]float32{{0, 1, 2, 6, 7, 8}, {3, 4, 9, 10}, {5, 11}}
	for i, p := range parts {
		got, err := p.ToFloat32()
		require.NoError(t, err)
		assert.Equal(t, want[i], got)
	}

	_, err = x.Split(1, 3, 2)
	require.ErrorIs(t, err, ErrSizeMismatch)
	_, err = x.Split(2, 1)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestTransposeRoundTrip(t *testing.T) {
	t.Parallel()
	x, err := Zeros(F32, 2, 3, 4)
	require.NoError(t, err)
	sliced, err := x.Slice(Full(), Span(1, 2))
	require.NoError(t, err)

	perms := [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}, {2, 1, 0}, {0, 2, 1}}
	for _, base := range []*Tensor{x, sliced} {
		for _, p := range perms {
			tp, err := base.Transpose(p...)
			require.NoError(t, err)
			back, err := tp.Transpose(InversePermutation(p)...)
			require.NoError(t, err)
			assert.Equal(t, base.Shape(), back.Shape())
			assert.Equal(t, base.Strides(), back.Strides())
			assert.Equal(t, base.Offset(), back.Offset())
		}
	}

	_, err = x.Transpose(0, 0, 1)
	require.ErrorIs(t, err, ErrInvalidPermutation)
	_, err = x.Transpose(0, 1)
	require.ErrorIs(t, err, ErrInvalidPermutation)
	_, err = x.Transpose(0, 1, 3)
	require.ErrorIs(t, err, ErrInvalidPermutation)
}

func TestTransposeMovesIndices(t *testing.T) {
	t.Parallel()
	x, err := FromFloat32([]int{2, 3}, seq(6))
	require.NoError(t, err)
	tp, err := x.Transpose(1, 0)
	require.NoError(t, err)
	vals, err := tp.ToFloat32()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, vals)
}

func TestReshapeRoundTrip(t *testing.T) {
	t.Parallel()
	x, err := Zeros(F32, 2, 3, 4)
	require.NoError(t, err)

	for _, shape := range [][]int{{24}, {6, 4}, {2, 12}, {4, 3, 2}, {1, 24, 1}} {
		r, err := x.Reshape(shape...)
		require.NoError(t, err)
		back, err := r.Reshape(2, 3, 4)
		require.NoError(t, err)
		assert.Equal(t, x.Shape(), back.Shape())
		assert.Equal(t, x.Strides(), back.Strides())
		assert.Equal(t, x.Offset(), back.Offset())
	}
}

func TestReshapeErrors(t *testing.T) {
	t.Parallel()
	x, err := Zeros(F32, 2, 3)
	require.NoError(t, err)

	_, err = x.Reshape(5)
	require.ErrorIs(t, err, ErrSizeMismatch)

	tp, err := x.Transpose(1, 0)
	require.NoError(t, err)
	_, err = tp.Reshape(6)
	require.ErrorIs(t, err, ErrNotContiguous)

	parts, err := x.Split(1, 1, 2)
	require.NoError(t, err)
	_, err = parts[1].Reshape(4)
	require.ErrorIs(t, err, ErrNotContiguous)
}

func TestRowOffsets(t *testing.T) {
	t.Parallel()
	x, err := Zeros(F32, 2, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4, 8, 12, 16, 20}, x.RowOffsets())

	tp, err := x.Transpose(1, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 12, 4, 16, 8, 20}, tp.RowOffsets())

	s, err := x.Slice(Span(1, 1), Span(1, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{16, 20}, s.RowOffsets())
}

func TestOverlaps(t *testing.T) {
	t.Parallel()
	x, err := Zeros(F32, 3, 8)
	require.NoError(t, err)
	y, err := Zeros(F32, 3, 8)
	require.NoError(t, err)

	halves, err := x.Split(1, 4, 4)
	require.NoError(t, err)
	assert.False(t, Overlaps(halves[0], halves[1]), "interleaved column halves are disjoint")
	assert.False(t, Overlaps(x, y))
	assert.True(t, Overlaps(x, halves[1]))

	even, err := x.Slice(Full(), Range{Start: 0, Step: 2, Len: 4})
	require.NoError(t, err)
	odd, err := x.Slice(Full(), Range{Start: 1, Step: 2, Len: 4})
	require.NoError(t, err)
	assert.False(t, Overlaps(even, odd))

	shifted, err := x.Slice(Full(), Range{Start: 2, Step: 2, Len: 3})
	require.NoError(t, err)
	assert.True(t, Overlaps(even, shifted))

	require.ErrorIs(t, Disjoint(x, y, halves[0]), ErrAliasing)
	require.NoError(t, Disjoint(halves[0], halves[1], y))
}

func TestConvertRoundsThroughNarrowTypes(t *testing.T) {
	t.Parallel()
	src, err := FromFloat32([]int{2, 2}, []float32{1, -2.5, 0.15625, 1024})
	require.NoError(t, err)

	for _, dt := range []DataType{F16, BF16} {
		narrow, err := Convert(src, dt)
		require.NoError(t, err)
		assert.Equal(t, dt, narrow.DataType())
		wide, err := Convert(narrow, F32)
		require.NoError(t, err)
		vals, err := wide.Float32s()
		require.NoError(t, err)
		assert.Equal(t, []float32{1, -2.5, 0.15625, 1024}, vals)
	}

	_, err = Convert(src, U32)
	require.ErrorIs(t, err, ErrDataType)
}

func TestBF16Rounding(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint16(0x3F80), Float32ToBF16(1))
	assert.Equal(t, float32(1), BF16ToFloat32(0x3F80))
	// 1 + 2^-8 is halfway between two bf16 values and rounds to even.
	assert.Equal(t, uint16(0x3F80), Float32ToBF16(1+1.0/256))
	assert.Equal(t, uint16(0x3F82), Float32ToBF16(1+3.0/256))
}

func TestParseDataType(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]DataType{"BF16": BF16, "bfloat16": BF16, "float32": F32, "F16": F16} {
		got, err := ParseDataType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDataType("int4")
	require.ErrorIs(t, err, ErrDataType)
}
