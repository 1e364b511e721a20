//go:build cuda

package cuda

import (
	"fmt"

	"github.com/samcharles93/ember/internal/backend/cuda/native"
	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/tensor"
)

// colMajor describes a strided row-major matrix to cuBLAS. A matrix with
// unit column stride is its own transpose in column-major order; one with
// unit row stride is already column-major.
func colMajor(m kernel.Matrix) (trans bool, ld int, ok bool) {
	rows, cols := m.Rows, m.Cols
	if m.ColStride == 1 || cols == 1 {
		ld = m.RowStride
		if rows == 1 {
			ld = max(ld, cols)
		}
		if ld >= max(cols, 1) {
			return true, ld, true
		}
	}
	if m.RowStride == 1 || rows == 1 {
		ld = m.ColStride
		if cols == 1 {
			ld = max(ld, rows)
		}
		if ld >= max(rows, 1) {
			return false, ld, true
		}
	}
	return false, 0, false
}

func blasOp(t bool) native.BlasOp {
	if t {
		return native.BlasOpT
	}
	return native.BlasOpN
}

// uniformStride reports the common distance between consecutive batch
// offsets.
func uniformStride(ms []kernel.Matrix) (int64, bool) {
	if len(ms) < 2 {
		return 0, true
	}
	d := ms[1].Offset - ms[0].Offset
	for i := 2; i < len(ms); i++ {
		if ms[i].Offset-ms[i-1].Offset != d {
			return 0, false
		}
	}
	return int64(d), true
}

func (b *Backend) MatMul(kq kernel.Queue, c *tensor.Tensor, beta float32, a, bm *tensor.Tensor, alpha float32) error {
	plan, err := kernel.PlanMatMul(c, a, bm)
	if err != nil {
		return err
	}
	if err := requireF32(c, a, bm); err != nil {
		return err
	}
	q, err := queueOf(kq)
	if err != nil {
		return err
	}
	if len(plan.C) == 0 || plan.M == 0 || plan.N == 0 {
		return nil
	}
	cb, _, err := operand(q, c)
	if err != nil {
		return err
	}
	ab, _, err := operand(q, a)
	if err != nil {
		return err
	}
	bb, _, err := operand(q, bm)
	if err != nil {
		return err
	}

	cT, ldc, ok := colMajor(plan.C[0])
	if !ok {
		return fmt.Errorf("%w: mat_mul output needs a unit stride", kernel.ErrUnsupported)
	}
	aT, lda, aok := colMajor(plan.A[0])
	bT, ldb, bok := colMajor(plan.B[0])
	if !aok || !bok {
		return fmt.Errorf("%w: mat_mul operands need a unit stride", kernel.ErrUnsupported)
	}
	lda, ldb = max(lda, 1), max(ldb, 1)

	sa, aUniform := uniformStride(plan.A)
	sb, bUniform := uniformStride(plan.B)
	sc, cUniform := uniformStride(plan.C)

	// With c stored transposed, cuBLAS computes cᵀ = bᵀaᵀ; otherwise c = ab.
	// An operand stored transposed is read with op N in the first case and
	// op T in the second.
	gemm := func(i, batch int) error {
		const es = 4
		A := native.Operand{Buf: ab.Add(int64(plan.A[i].Offset) * es), Type: native.BlasF32, LD: lda, Stride: sa}
		B := native.Operand{Buf: bb.Add(int64(plan.B[i].Offset) * es), Type: native.BlasF32, LD: ldb, Stride: sb}
		C := native.Operand{Buf: cb.Add(int64(plan.C[i].Offset) * es), Type: native.BlasF32, LD: max(ldc, 1), Stride: sc}
		if cT {
			return native.Gemm(q.blas, blasOp(!bT), blasOp(!aT), plan.N, plan.M, plan.K, batch, alpha, B, A, beta, C)
		}
		return native.Gemm(q.blas, blasOp(aT), blasOp(bT), plan.M, plan.N, plan.K, batch, alpha, A, B, beta, C)
	}

	if aUniform && bUniform && cUniform {
		if err := gemm(0, len(plan.C)); err != nil {
			return fmt.Errorf("mat_mul: %w", err)
		}
		return nil
	}
	for i := range plan.C {
		if err := gemm(i, 1); err != nil {
			return fmt.Errorf("mat_mul batch %d: %w", i, err)
		}
	}
	return nil
}
