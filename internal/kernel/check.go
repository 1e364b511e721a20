package kernel

import (
	"fmt"

	"github.com/samcharles93/ember/internal/tensor"
)

func sameType(dt tensor.DataType, ts ...*tensor.Tensor) error {
	for _, t := range ts {
		if t.DataType() != dt {
			return fmt.Errorf("%w: mixed data types %v and %v", ErrUnsupported, dt, t.DataType())
		}
	}
	return nil
}

func sameShape(a, b *tensor.Tensor) error {
	if !tensor.SameShape(a, b) {
		return fmt.Errorf("%w: %v vs %v", tensor.ErrShapeMismatch, a.Shape(), b.Shape())
	}
	return nil
}

// CheckGather validates dst [n, d], table [vocab, d] and the token ids.
func CheckGather(dst, table *tensor.Tensor, tokens []uint32) error {
	if dst.Rank() != 2 || table.Rank() != 2 {
		return fmt.Errorf("%w: gather wants rank 2, got %d and %d", tensor.ErrShapeMismatch, dst.Rank(), table.Rank())
	}
	if dst.Dim(0) != len(tokens) || dst.Dim(1) != table.Dim(1) {
		return fmt.Errorf("%w: gather %d tokens of width %d into %v", tensor.ErrShapeMismatch, len(tokens), table.Dim(1), dst.Shape())
	}
	vocab := table.Dim(0)
	for i, tok := range tokens {
		if int(tok) >= vocab {
			return fmt.Errorf("%w: token %d at %d exceeds vocabulary %d", tensor.ErrOutOfBounds, tok, i, vocab)
		}
	}
	if err := sameType(dst.DataType(), table); err != nil {
		return err
	}
	return tensor.Disjoint(dst, table)
}

// CheckRMSNorm validates equal dst/src shapes and a weight vector matching
// their last dimension.
func CheckRMSNorm(dst, src, weight *tensor.Tensor, maxSize int) error {
	if src.Rank() == 0 || weight.Rank() != 1 {
		return fmt.Errorf("%w: rms_norm wants rank >= 1 input and a vector weight", tensor.ErrShapeMismatch)
	}
	if err := sameShape(dst, src); err != nil {
		return err
	}
	if d := src.Dim(-1); d != weight.Dim(0) {
		return fmt.Errorf("%w: rms_norm width %d, weight %d", tensor.ErrShapeMismatch, d, weight.Dim(0))
	} else if d > maxSize {
		return fmt.Errorf("%w: rms_norm width %d exceeds configured maximum %d", ErrUnsupported, d, maxSize)
	}
	if err := sameType(dst.DataType(), src, weight); err != nil {
		return err
	}
	return tensor.Disjoint(dst, src, weight)
}

// CheckRoPE validates t [seq, ..., head_dim] with an even head_dim and a
// U32 position vector of length seq.
func CheckRoPE(t, pos *tensor.Tensor) error {
	if t.Rank() < 2 {
		return fmt.Errorf("%w: rope wants rank >= 2, got %d", tensor.ErrShapeMismatch, t.Rank())
	}
	if t.Dim(-1)%2 != 0 {
		return fmt.Errorf("%w: rope head dimension %d is odd", tensor.ErrShapeMismatch, t.Dim(-1))
	}
	if pos.DataType() != tensor.U32 || pos.Rank() != 1 || pos.Dim(0) != t.Dim(0) {
		return fmt.Errorf("%w: rope positions %v (%v) for %d rows", tensor.ErrShapeMismatch, pos.Shape(), pos.DataType(), t.Dim(0))
	}
	if !t.DataType().IsFloat() {
		return fmt.Errorf("%w: rope on %v", ErrUnsupported, t.DataType())
	}
	return tensor.Disjoint(t, pos)
}

// CheckReform validates equal shapes and types.
func CheckReform(dst, src *tensor.Tensor) error {
	if err := sameShape(dst, src); err != nil {
		return err
	}
	if err := sameType(dst.DataType(), src); err != nil {
		return err
	}
	return tensor.Disjoint(dst, src)
}

// CheckSoftmax validates the attention tensor against the configured
// maximum row length.
func CheckSoftmax(att *tensor.Tensor, maxSize int) error {
	if att.Rank() == 0 {
		return fmt.Errorf("%w: softmax on a scalar", tensor.ErrShapeMismatch)
	}
	if n := att.Dim(-1); n > maxSize {
		return fmt.Errorf("%w: softmax row %d exceeds configured maximum %d", ErrUnsupported, n, maxSize)
	}
	if !att.DataType().IsFloat() {
		return fmt.Errorf("%w: softmax on %v", ErrUnsupported, att.DataType())
	}
	return nil
}

// CheckSwiGLU validates equal gate/up shapes and types.
func CheckSwiGLU(gate, up *tensor.Tensor) error {
	if err := sameShape(gate, up); err != nil {
		return err
	}
	if err := sameType(gate.DataType(), up); err != nil {
		return err
	}
	return tensor.Disjoint(gate, up)
}

// SoftmaxValid returns how many leading columns of row r, out of rows, take
// part in the normalisation.
func SoftmaxValid(r, rows, cols int) int {
	return max(1, min(cols, cols-rows+r+1))
}
