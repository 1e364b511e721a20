package cpu

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/tensor"
)

func (b *Backend) MatMul(_ kernel.Queue, c *tensor.Tensor, beta float32, a, bm *tensor.Tensor, alpha float32) error {
	plan, err := kernel.PlanMatMul(c, a, bm)
	if err != nil {
		return err
	}
	cd, err := f32(c)
	if err != nil {
		return err
	}
	ad, err := f32(a)
	if err != nil {
		return err
	}
	bd, err := f32(bm)
	if err != nil {
		return err
	}
	for i := range plan.C {
		gemm(plan.K, alpha, ad, plan.A[i], bd, plan.B[i], beta, cd, plan.C[i])
	}
	return nil
}

func gemm(k int, alpha float32, ad []float32, am kernel.Matrix, bd []float32, bm kernel.Matrix, beta float32, cd []float32, cm kernel.Matrix) {
	if beta == 0 {
		// Stale contents, NaN included, must not leak through.
		fill(cd, cm, 0)
	}
	if cm.Rows == 0 || cm.Cols == 0 {
		return
	}
	if k == 0 {
		if beta != 0 && beta != 1 {
			scale(cd, cm, beta)
		}
		return
	}
	ag, at, aok := general(ad, am)
	bg, bt, bok := general(bd, bm)
	cg, ct, cok := general(cd, cm)
	switch {
	case aok && bok && cok && ct == blas.NoTrans:
		blas32.Gemm(at, bt, alpha, ag, bg, beta, cg)
	case aok && bok && cok:
		// c is stored transposed: compute cᵀ = bᵀ aᵀ.
		blas32.Gemm(flip(bt), flip(at), alpha, bg, ag, beta, cg)
	default:
		naive(k, alpha, ad, am, bd, bm, beta, cd, cm)
	}
}

// general expresses a strided matrix as a BLAS row-major matrix, directly
// or transposed. It fails when neither dimension has unit stride.
func general(data []float32, m kernel.Matrix) (blas32.General, blas.Transpose, bool) {
	rows, cols := m.Rows, m.Cols
	if m.ColStride == 1 || cols == 1 {
		stride := m.RowStride
		if rows == 1 {
			stride = max(stride, cols)
		}
		if stride >= cols && stride > 0 {
			return blas32.General{
				Rows: rows, Cols: cols, Stride: stride,
				Data: data[m.Offset : m.Offset+(rows-1)*stride+cols],
			}, blas.NoTrans, true
		}
	}
	if m.RowStride == 1 || rows == 1 {
		stride := m.ColStride
		if cols == 1 {
			stride = max(stride, rows)
		}
		if stride >= rows && stride > 0 {
			return blas32.General{
				Rows: cols, Cols: rows, Stride: stride,
				Data: data[m.Offset : m.Offset+(cols-1)*stride+rows],
			}, blas.Trans, true
		}
	}
	return blas32.General{}, blas.NoTrans, false
}

func flip(t blas.Transpose) blas.Transpose {
	if t == blas.NoTrans {
		return blas.Trans
	}
	return blas.NoTrans
}

func naive(k int, alpha float32, ad []float32, am kernel.Matrix, bd []float32, bm kernel.Matrix, beta float32, cd []float32, cm kernel.Matrix) {
	for i := range cm.Rows {
		for j := range cm.Cols {
			var sum float32
			for p := range k {
				sum += ad[am.Offset+i*am.RowStride+p*am.ColStride] * bd[bm.Offset+p*bm.RowStride+j*bm.ColStride]
			}
			ci := cm.Offset + i*cm.RowStride + j*cm.ColStride
			if beta == 0 {
				cd[ci] = alpha * sum
			} else {
				cd[ci] = alpha*sum + beta*cd[ci]
			}
		}
	}
}

func fill(d []float32, m kernel.Matrix, v float32) {
	for i := range m.Rows {
		for j := range m.Cols {
			d[m.Offset+i*m.RowStride+j*m.ColStride] = v
		}
	}
}

func scale(d []float32, m kernel.Matrix, s float32) {
	for i := range m.Rows {
		for j := range m.Cols {
			d[m.Offset+i*m.RowStride+j*m.ColStride] *= s
		}
	}
}
