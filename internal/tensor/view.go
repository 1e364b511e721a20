package tensor

import (
	"fmt"
	"slices"
)

// Range selects Len elements of one dimension starting at Start, Step
// apart. A negative Len runs to the end of the dimension; a zero Step is
// treated as 1.
type Range struct {
	Start, Step, Len int
}

// Full selects a whole dimension.
func Full() Range { return Range{Step: 1, Len: -1} }

// Span selects n consecutive elements starting at start.
func Span(start, n int) Range { return Range{Start: start, Step: 1, Len: n} }

// Slice narrows the leading len(ranges) dimensions without copying.
// Dimensions without a range are kept whole.
func (t *Tensor) Slice(ranges ...Range) (*Tensor, error) {
	if len(ranges) > len(t.shape) {
		return nil, fmt.Errorf("%w: %d ranges for rank %d", ErrOutOfBounds, len(ranges), len(t.shape))
	}
	out := t.clone()
	for i, r := range ranges {
		dim := t.shape[i]
		step := r.Step
		if step == 0 {
			step = 1
		}
		if step < 0 || r.Start < 0 || r.Start > dim {
			return nil, fmt.Errorf("%w: range %+v on dimension %d of size %d", ErrOutOfBounds, r, i, dim)
		}
		n := r.Len
		if n < 0 {
			n = (dim - r.Start + step - 1) / step
		}
		if n > 0 && r.Start+(n-1)*step >= dim {
			return nil, fmt.Errorf("%w: range %+v on dimension %d of size %d", ErrOutOfBounds, r, i, dim)
		}
		out.offset += r.Start * t.strides[i] * t.dtype.Size()
		out.shape[i] = n
		out.strides[i] = t.strides[i] * step
	}
	return out, nil
}

// Split partitions dimension axis into adjacent views of the given sizes.
// The sizes must add up to the dimension.
func (t *Tensor) Split(axis int, sizes ...int) ([]*Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("%w: split axis %d for rank %d", ErrOutOfBounds, axis, len(t.shape))
	}
	total := 0
	for _, n := range sizes {
		if n < 0 {
			return nil, fmt.Errorf("%w: negative split size %d", ErrSizeMismatch, n)
		}
		total += n
	}
	if total != t.shape[axis] {
		return nil, fmt.Errorf("%w: split sizes %v do not add up to %d", ErrSizeMismatch, sizes, t.shape[axis])
	}
	parts := make([]*Tensor, 0, len(sizes))
	start := 0
	for _, n := range sizes {
		p := t.clone()
		p.offset += start * t.strides[axis] * t.dtype.Size()
		p.shape[axis] = n
		parts = append(parts, p)
		start += n
	}
	return parts, nil
}

// Transpose reorders dimensions so that dimension i of the result is
// dimension perm[i] of t. No data moves.
func (t *Tensor) Transpose(perm ...int) (*Tensor, error) {
	if len(perm) != len(t.shape) {
		return nil, fmt.Errorf("%w: %v for rank %d", ErrInvalidPermutation, perm, len(t.shape))
	}
	seen := make([]bool, len(perm))
	for _, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPermutation, perm)
		}
		seen[p] = true
	}
	out := t.clone()
	for i, p := range perm {
		out.shape[i] = t.shape[p]
		out.strides[i] = t.strides[p]
	}
	return out, nil
}

// InversePermutation returns q such that applying perm then q restores the
// original order.
func InversePermutation(perm []int) []int {
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv
}

// Reshape reinterprets a contiguous tensor with a new shape of the same
// element count.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if !t.IsContiguous() {
		return nil, fmt.Errorf("%w: cannot reshape %v", ErrNotContiguous, t)
	}
	if numElements(shape) != t.NumElements() {
		return nil, fmt.Errorf("%w: reshape %v to %v", ErrSizeMismatch, t.shape, shape)
	}
	out := t.clone()
	out.shape = slices.Clone(shape)
	out.strides = RowMajorStrides(shape)
	return out, nil
}

// SameShape reports whether a and b have equal shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.shape, b.shape)
}
