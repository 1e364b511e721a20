package cpu

import (
	"math"

	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/tensor"
)

func (b *Backend) Gather(_ kernel.Queue, dst, table *tensor.Tensor, tokens []uint32) error {
	if err := kernel.CheckGather(dst, table, tokens); err != nil {
		return err
	}
	out, err := f32(dst)
	if err != nil {
		return err
	}
	in, err := f32(table)
	if err != nil {
		return err
	}
	d := dst.Dim(1)
	ds, ts := dst.Stride(1), table.Stride(1)
	rows := dst.RowOffsets()
	base, rowStride := table.ElemOffset(), table.Stride(0)
	b.parallel(len(tokens), d, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			src := base + int(tokens[i])*rowStride
			for j := range d {
				out[rows[i]+j*ds] = in[src+j*ts]
			}
		}
	})
	return nil
}

func (b *Backend) RMSNorm(_ kernel.Queue, dst, src, weight *tensor.Tensor, eps float32) error {
	if err := kernel.CheckRMSNorm(dst, src, weight, b.limits.RMSNormMaxSize); err != nil {
		return err
	}
	out, err := f32(dst)
	if err != nil {
		return err
	}
	in, err := f32(src)
	if err != nil {
		return err
	}
	w, err := f32(weight)
	if err != nil {
		return err
	}
	n, ds := dst.RowLen()
	_, ss := src.RowLen()
	wo, ws := weight.ElemOffset(), weight.Stride(0)
	dstRows, srcRows := dst.RowOffsets(), src.RowOffsets()
	b.parallel(len(srcRows), n, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			so, do := srcRows[r], dstRows[r]
			var sum float64
			for j := range n {
				v := float64(in[so+j*ss])
				sum += v * v
			}
			scale := float32(1 / math.Sqrt(sum/float64(n)+float64(eps)))
			for j := range n {
				out[do+j*ds] = in[so+j*ss] * scale * w[wo+j*ws]
			}
		}
	})
	return nil
}

func (b *Backend) RoPE(_ kernel.Queue, t, pos *tensor.Tensor, theta float32) error {
	if err := kernel.CheckRoPE(t, pos); err != nil {
		return err
	}
	if t.NumElements() == 0 {
		return nil
	}
	x, err := f32(t)
	if err != nil {
		return err
	}
	p, err := pos.ToUint32()
	if err != nil {
		return err
	}
	dh, s := t.RowLen()
	invFreq := make([]float64, dh/2)
	for k := range invFreq {
		invFreq[k] = math.Pow(float64(theta), -2*float64(k)/float64(dh))
	}
	rows := t.RowOffsets()
	perSeq := len(rows) / t.Dim(0)
	b.parallel(len(rows), dh, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			at := float64(p[r/perSeq])
			base := rows[r]
			for k, f := range invFreq {
				sin, cos := math.Sincos(at * f)
				i0 := base + 2*k*s
				i1 := i0 + s
				x0, x1 := x[i0], x[i1]
				x[i0] = x0*float32(cos) - x1*float32(sin)
				x[i1] = x0*float32(sin) + x1*float32(cos)
			}
		}
	})
	return nil
}

func (b *Backend) Reform(_ kernel.Queue, dst, src *tensor.Tensor) error {
	if err := kernel.CheckReform(dst, src); err != nil {
		return err
	}
	if dst.DataType() != tensor.F32 {
		return b.reformBytes(dst, src)
	}
	out, err := f32(dst)
	if err != nil {
		return err
	}
	in, err := f32(src)
	if err != nil {
		return err
	}
	n, ds := dst.RowLen()
	_, ss := src.RowLen()
	dstRows, srcRows := dst.RowOffsets(), src.RowOffsets()
	b.parallel(len(dstRows), n, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			do, so := dstRows[r], srcRows[r]
			if ds == 1 && ss == 1 {
				copy(out[do:do+n], in[so:so+n])
				continue
			}
			for j := range n {
				out[do+j*ds] = in[so+j*ss]
			}
		}
	})
	return nil
}

// reformBytes copies elements of any type by their byte encoding.
func (b *Backend) reformBytes(dst, src *tensor.Tensor) error {
	dh, ok := dst.Storage().(*tensor.HostStorage)
	if !ok {
		return tensor.ErrNotHost
	}
	sh, ok := src.Storage().(*tensor.HostStorage)
	if !ok {
		return tensor.ErrNotHost
	}
	out, in := dh.Bytes(), sh.Bytes()
	es := dst.DataType().Size()
	n, ds := dst.RowLen()
	_, ss := src.RowLen()
	srcRows := src.RowOffsets()
	for r, do := range dst.RowOffsets() {
		so := srcRows[r]
		for j := range n {
			d, s := (do+j*ds)*es, (so+j*ss)*es
			copy(out[d:d+es], in[s:s+es])
		}
	}
	return nil
}

func (b *Backend) Softmax(_ kernel.Queue, att *tensor.Tensor) error {
	if err := kernel.CheckSoftmax(att, b.limits.SoftmaxMaxSize); err != nil {
		return err
	}
	if att.NumElements() == 0 {
		return nil
	}
	x, err := f32(att)
	if err != nil {
		return err
	}
	cols, s := att.RowLen()
	rowsPer := 1
	if att.Rank() >= 2 {
		rowsPer = att.Dim(-2)
	}
	rows := att.RowOffsets()
	b.parallel(len(rows), cols, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			base := rows[r]
			valid := kernel.SoftmaxValid(r%rowsPer, rowsPer, cols)
			maxv := x[base]
			for j := 1; j < valid; j++ {
				maxv = max(maxv, x[base+j*s])
			}
			var sum float64
			for j := range valid {
				e := math.Exp(float64(x[base+j*s] - maxv))
				x[base+j*s] = float32(e)
				sum += e
			}
			inv := float32(1 / sum)
			for j := range valid {
				x[base+j*s] *= inv
			}
			for j := valid; j < cols; j++ {
				x[base+j*s] = 0
			}
		}
	})
	return nil
}

func (b *Backend) SwiGLU(_ kernel.Queue, gate, up *tensor.Tensor) error {
	if err := kernel.CheckSwiGLU(gate, up); err != nil {
		return err
	}
	g, err := f32(gate)
	if err != nil {
		return err
	}
	u, err := f32(up)
	if err != nil {
		return err
	}
	n, gs := gate.RowLen()
	_, us := up.RowLen()
	gateRows, upRows := gate.RowOffsets(), up.RowOffsets()
	b.parallel(len(gateRows), n, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			gb, ub := gateRows[r], upRows[r]
			for j := range n {
				gi := gb + j*gs
				g[gi] = silu(g[gi]) * u[ub+j*us]
			}
		}
	})
	return nil
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

func silu(x float32) float32 {
	return x * sigmoid(x)
}
