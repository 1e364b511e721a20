package kernel

import (
	"fmt"

	"github.com/samcharles93/ember/internal/tensor"
)

// Matrix locates one 2-D operand inside its storage, in elements.
type Matrix struct {
	Offset     int
	RowStride  int
	ColStride  int
	Rows, Cols int
}

// MatMulPlan flattens the broadcast batch dimensions of a matmul into a
// list of per-batch matrices.
type MatMulPlan struct {
	M, N, K int
	A, B, C []Matrix
}

// PlanMatMul validates c [..., m, n] = a [..., m, k] @ b [..., k, n].
// Batch dimensions are aligned from the right; a dimension of size one in a
// or b, or a missing one, broadcasts.
func PlanMatMul(c, a, b *tensor.Tensor) (MatMulPlan, error) {
	if c.Rank() < 2 || a.Rank() < 2 || b.Rank() < 2 {
		return MatMulPlan{}, fmt.Errorf("%w: mat_mul wants rank >= 2 operands", tensor.ErrShapeMismatch)
	}
	if a.Rank() > c.Rank() || b.Rank() > c.Rank() {
		return MatMulPlan{}, fmt.Errorf("%w: mat_mul operands outrank the output", tensor.ErrShapeMismatch)
	}
	m, n, k := c.Dim(-2), c.Dim(-1), a.Dim(-1)
	if a.Dim(-2) != m || b.Dim(-2) != k || b.Dim(-1) != n {
		return MatMulPlan{}, fmt.Errorf("%w: mat_mul %v = %v @ %v", tensor.ErrShapeMismatch, c.Shape(), a.Shape(), b.Shape())
	}
	if err := sameType(c.DataType(), a, b); err != nil {
		return MatMulPlan{}, err
	}
	if err := tensor.Disjoint(c, a, b); err != nil {
		return MatMulPlan{}, err
	}

	batch := c.Shape()[:c.Rank()-2]
	aStrides, err := batchStrides(a, batch)
	if err != nil {
		return MatMulPlan{}, err
	}
	bStrides, err := batchStrides(b, batch)
	if err != nil {
		return MatMulPlan{}, err
	}
	cStrides := c.Strides()[:len(batch)]

	count := 1
	for _, d := range batch {
		count *= d
	}
	plan := MatMulPlan{
		M: m, N: n, K: k,
		A: make([]Matrix, 0, count),
		B: make([]Matrix, 0, count),
		C: make([]Matrix, 0, count),
	}
	idx := make([]int, len(batch))
	ao, bo, co := a.ElemOffset(), b.ElemOffset(), c.ElemOffset()
	for range count {
		plan.A = append(plan.A, Matrix{ao, a.Stride(-2), a.Stride(-1), m, k})
		plan.B = append(plan.B, Matrix{bo, b.Stride(-2), b.Stride(-1), k, n})
		plan.C = append(plan.C, Matrix{co, c.Stride(-2), c.Stride(-1), m, n})
		for d := len(batch) - 1; d >= 0; d-- {
			idx[d]++
			ao += aStrides[d]
			bo += bStrides[d]
			co += cStrides[d]
			if idx[d] < batch[d] {
				break
			}
			ao -= aStrides[d] * batch[d]
			bo -= bStrides[d] * batch[d]
			co -= cStrides[d] * batch[d]
			idx[d] = 0
		}
	}
	return plan, nil
}

// batchStrides right-aligns the batch dimensions of t against batch and
// returns one stride per batch dimension, zero where t broadcasts.
func batchStrides(t *tensor.Tensor, batch []int) ([]int, error) {
	out := make([]int, len(batch))
	shape, strides := t.Shape(), t.Strides()
	tb := len(shape) - 2
	for i := range batch {
		j := i - (len(batch) - tb)
		if j < 0 {
			continue
		}
		switch shape[j] {
		case batch[i]:
			out[i] = strides[j]
		case 1:
		default:
			return nil, fmt.Errorf("%w: batch dimension %d cannot broadcast to %d", tensor.ErrShapeMismatch, shape[j], batch[i])
		}
	}
	return out, nil
}

// Uniform reports whether the batch offsets of ms form an arithmetic
// progression and returns its step.
func Uniform(ms []Matrix) (int, bool) {
	if len(ms) < 2 {
		return 0, true
	}
	step := ms[1].Offset - ms[0].Offset
	for i := 2; i < len(ms); i++ {
		if ms[i].Offset-ms[i-1].Offset != step {
			return 0, false
		}
	}
	return step, true
}
