package tensor

import (
	"fmt"
	"slices"
)

// Tensor is a strided view over a Storage. Strides count elements; the
// offset counts bytes from the start of the storage.
type Tensor struct {
	dtype   DataType
	shape   []int
	strides []int
	offset  int
	storage Storage
}

// RowMajorStrides returns the contiguous strides implied by shape.
func RowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func validateShape(shape []int) error {
	for i, d := range shape {
		if d < 0 {
			return fmt.Errorf("%w: dimension %d is %d", ErrShapeMismatch, i, d)
		}
	}
	return nil
}

// New builds a contiguous view over buf without copying it.
func New(dt DataType, shape []int, buf []byte) (*Tensor, error) {
	return FromStorage(dt, shape, BorrowHost(buf))
}

// FromStorage builds a contiguous view over s starting at byte 0.
func FromStorage(dt DataType, shape []int, s Storage) (*Tensor, error) {
	if dt.Size() == 0 {
		return nil, fmt.Errorf("%w: %v", ErrDataType, dt)
	}
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: nil storage", ErrShapeMismatch)
	}
	need := numElements(shape) * dt.Size()
	if s.Len() < need {
		return nil, fmt.Errorf("%w: shape %v needs %d bytes, buffer has %d", ErrShapeMismatch, shape, need, s.Len())
	}
	return &Tensor{
		dtype:   dt,
		shape:   slices.Clone(shape),
		strides: RowMajorStrides(shape),
		storage: s,
	}, nil
}

// Zeros allocates a fresh host tensor holding exactly the required bytes.
func Zeros(dt DataType, shape ...int) (*Tensor, error) {
	if dt.Size() == 0 {
		return nil, fmt.Errorf("%w: %v", ErrDataType, dt)
	}
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return FromStorage(dt, shape, NewHostStorage(numElements(shape)*dt.Size()))
}

// FromFloat32 copies data into a new contiguous F32 host tensor.
func FromFloat32(shape []int, data []float32) (*Tensor, error) {
	t, err := Zeros(F32, shape...)
	if err != nil {
		return nil, err
	}
	if len(data) != t.NumElements() {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrSizeMismatch, len(data), shape)
	}
	copy(AsFloat32s(t.storage.(*HostStorage).data), data)
	return t, nil
}

// FromUint32 copies data into a new contiguous U32 host tensor.
func FromUint32(shape []int, data []uint32) (*Tensor, error) {
	t, err := Zeros(U32, shape...)
	if err != nil {
		return nil, err
	}
	if len(data) != t.NumElements() {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrSizeMismatch, len(data), shape)
	}
	copy(AsUint32s(t.storage.(*HostStorage).data), data)
	return t, nil
}

func (t *Tensor) DataType() DataType { return t.dtype }
func (t *Tensor) Shape() []int       { return slices.Clone(t.shape) }
func (t *Tensor) Strides() []int     { return slices.Clone(t.strides) }
func (t *Tensor) Offset() int        { return t.offset }
func (t *Tensor) Rank() int          { return len(t.shape) }
func (t *Tensor) Storage() Storage   { return t.storage }

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Stride returns the stride of dimension i; negative i counts from the end.
func (t *Tensor) Stride(i int) int {
	if i < 0 {
		i += len(t.strides)
	}
	return t.strides[i]
}

func (t *Tensor) NumElements() int { return numElements(t.shape) }

// ElemOffset is the offset of the first element in units of elements.
func (t *Tensor) ElemOffset() int { return t.offset / t.dtype.Size() }

// IsContiguous reports whether the strides equal the row-major strides of
// the shape.
func (t *Tensor) IsContiguous() bool {
	return slices.Equal(t.strides, RowMajorStrides(t.shape))
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, shape=%v, strides=%v, offset=%d)", t.dtype, t.shape, t.strides, t.offset)
}

func (t *Tensor) clone() *Tensor {
	return &Tensor{
		dtype:   t.dtype,
		shape:   slices.Clone(t.shape),
		strides: slices.Clone(t.strides),
		offset:  t.offset,
		storage: t.storage,
	}
}

// span returns the byte interval [lo, hi) covering every element of t.
func (t *Tensor) span() (int, int) {
	if t.NumElements() == 0 {
		return t.offset, t.offset
	}
	ext := 0
	for i, d := range t.shape {
		ext += (d - 1) * t.strides[i]
	}
	return t.offset, t.offset + (ext+1)*t.dtype.Size()
}

// RowOffsets returns the element offset, counted from the start of the
// storage, of every row in row-major order. A row runs along the last
// dimension; a rank-0 tensor has a single row.
func (t *Tensor) RowOffsets() []int {
	lead := t.shape[:max(len(t.shape)-1, 0)]
	rows := numElements(lead)
	out := make([]int, 0, rows)
	idx := make([]int, len(lead))
	off := t.ElemOffset()
	for range rows {
		out = append(out, off)
		for d := len(lead) - 1; d >= 0; d-- {
			idx[d]++
			off += t.strides[d]
			if idx[d] < lead[d] {
				break
			}
			off -= t.strides[d] * lead[d]
			idx[d] = 0
		}
	}
	return out
}

// RowLen returns the length of one row and the stride between its elements.
func (t *Tensor) RowLen() (n, stride int) {
	if len(t.shape) == 0 {
		return 1, 1
	}
	return t.shape[len(t.shape)-1], t.strides[len(t.strides)-1]
}

func (t *Tensor) host() (*HostStorage, error) {
	h, ok := t.storage.(*HostStorage)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotHost, t.storage)
	}
	return h, nil
}

// HostBytes returns the host bytes spanned by t, starting at its first
// element. For non-contiguous views the slice includes the gaps.
func (t *Tensor) HostBytes() ([]byte, error) {
	h, err := t.host()
	if err != nil {
		return nil, err
	}
	lo, hi := t.span()
	return h.data[lo:hi], nil
}

// Float32s returns the elements of a contiguous F32 host tensor. The slice
// aliases the storage.
func (t *Tensor) Float32s() ([]float32, error) {
	if t.dtype != F32 {
		return nil, fmt.Errorf("%w: want F32, have %v", ErrDataType, t.dtype)
	}
	if !t.IsContiguous() {
		return nil, ErrNotContiguous
	}
	b, err := t.HostBytes()
	if err != nil {
		return nil, err
	}
	return AsFloat32s(b), nil
}

// Uint32s returns the elements of a contiguous U32 host tensor. The slice
// aliases the storage.
func (t *Tensor) Uint32s() ([]uint32, error) {
	if t.dtype != U32 {
		return nil, fmt.Errorf("%w: want U32, have %v", ErrDataType, t.dtype)
	}
	if !t.IsContiguous() {
		return nil, ErrNotContiguous
	}
	b, err := t.HostBytes()
	if err != nil {
		return nil, err
	}
	return AsUint32s(b), nil
}

// ToFloat32 decodes the elements of a floating point host tensor of any
// layout into a new slice in row-major order.
func (t *Tensor) ToFloat32() ([]float32, error) {
	h, err := t.host()
	if err != nil {
		return nil, err
	}
	dec, err := decoder(t.dtype)
	if err != nil {
		return nil, err
	}
	es := t.dtype.Size()
	n, stride := t.RowLen()
	out := make([]float32, 0, t.NumElements())
	for _, row := range t.RowOffsets() {
		for j := range n {
			o := (row + j*stride) * es
			out = append(out, dec(h.data[o:o+es]))
		}
	}
	return out, nil
}

// ToUint32 copies the elements of a U32 host tensor of any layout in
// row-major order.
func (t *Tensor) ToUint32() ([]uint32, error) {
	if t.dtype != U32 {
		return nil, fmt.Errorf("%w: want U32, have %v", ErrDataType, t.dtype)
	}
	h, err := t.host()
	if err != nil {
		return nil, err
	}
	all := AsUint32s(h.data)
	n, stride := t.RowLen()
	out := make([]uint32, 0, t.NumElements())
	for _, row := range t.RowOffsets() {
		for j := range n {
			out = append(out, all[row+j*stride])
		}
	}
	return out, nil
}
