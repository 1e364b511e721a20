//go:build cuda

package cuda

import (
	"fmt"
	"unsafe"

	"github.com/samcharles93/ember/internal/backend/cuda/native"
	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/tensor"
)

func requireF32(ts ...*tensor.Tensor) error {
	for _, t := range ts {
		if t.DataType() != tensor.F32 {
			return fmt.Errorf("%w: cuda kernels compute on F32, got %v", kernel.ErrUnsupported, t.DataType())
		}
	}
	return nil
}

func (b *Backend) Gather(kq kernel.Queue, dst, table *tensor.Tensor, tokens []uint32) error {
	if err := kernel.CheckGather(dst, table, tokens); err != nil {
		return err
	}
	if err := requireF32(dst, table); err != nil {
		return err
	}
	q, err := queueOf(kq)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return nil
	}
	db, dl, err := operand(q, dst)
	if err != nil {
		return err
	}
	tb, tl, err := operand(q, table)
	if err != nil {
		return err
	}
	n := 4 * len(tokens)
	if err := q.ensureHost(n); err != nil {
		return err
	}
	if err := q.ensureIDs(n); err != nil {
		return err
	}
	// The staging buffer may still feed an earlier copy.
	if err := q.stream.Synchronize(); err != nil {
		return err
	}
	copy(q.host.Bytes(n), unsafe.Slice((*byte)(unsafe.Pointer(&tokens[0])), n))
	if err := native.MemcpyH2DAsync(q.ids, q.host, int64(n), q.stream); err != nil {
		return err
	}
	args := (&native.Args{}).Ptr(db).Raw(dl.bytes()).Ptr(tb).Raw(tl.bytes()).Ptr(q.ids)
	return q.launch("ember_gather", len(tokens), b.rowThreads, args)
}

func (b *Backend) RMSNorm(kq kernel.Queue, dst, src, weight *tensor.Tensor, eps float32) error {
	if err := kernel.CheckRMSNorm(dst, src, weight, b.limits.RMSNormMaxSize); err != nil {
		return err
	}
	if err := requireF32(dst, src, weight); err != nil {
		return err
	}
	q, err := queueOf(kq)
	if err != nil {
		return err
	}
	db, dl, err := operand(q, dst)
	if err != nil {
		return err
	}
	sb, sl, err := operand(q, src)
	if err != nil {
		return err
	}
	wb, wl, err := operand(q, weight)
	if err != nil {
		return err
	}
	args := (&native.Args{}).Ptr(db).Raw(dl.bytes()).Ptr(sb).Raw(sl.bytes()).Ptr(wb).Raw(wl.bytes()).F32(eps)
	return q.launch("ember_rms_norm", rows(src), b.rmsThreads, args)
}

func (b *Backend) RoPE(kq kernel.Queue, t, pos *tensor.Tensor, theta float32) error {
	if err := kernel.CheckRoPE(t, pos); err != nil {
		return err
	}
	if err := requireF32(t); err != nil {
		return err
	}
	if t.NumElements() == 0 {
		return nil
	}
	q, err := queueOf(kq)
	if err != nil {
		return err
	}
	tb, tl, err := operand(q, t)
	if err != nil {
		return err
	}
	pb, pl, err := operand(q, pos)
	if err != nil {
		return err
	}
	n := rows(t)
	perSeq := n / t.Dim(0)
	args := (&native.Args{}).Ptr(tb).Raw(tl.bytes()).Ptr(pb).Raw(pl.bytes()).F32(theta).I64(int64(perSeq))
	return q.launch("ember_rope", n, b.rowThreads, args)
}

func (b *Backend) Reform(kq kernel.Queue, dst, src *tensor.Tensor) error {
	if err := kernel.CheckReform(dst, src); err != nil {
		return err
	}
	if dst.NumElements() == 0 {
		return nil
	}
	var name string
	switch dst.DataType().Size() {
	case 4:
		name = "ember_reform32"
	case 2:
		name = "ember_reform16"
	default:
		return fmt.Errorf("%w: reform of %v", kernel.ErrUnsupported, dst.DataType())
	}
	q, err := queueOf(kq)
	if err != nil {
		return err
	}
	db, dl, err := operand(q, dst)
	if err != nil {
		return err
	}
	sb, sl, err := operand(q, src)
	if err != nil {
		return err
	}
	args := (&native.Args{}).Ptr(db).Raw(dl.bytes()).Ptr(sb).Raw(sl.bytes())
	return q.launch(name, rows(dst), b.rowThreads, args)
}

func (b *Backend) Softmax(kq kernel.Queue, att *tensor.Tensor) error {
	if err := kernel.CheckSoftmax(att, b.limits.SoftmaxMaxSize); err != nil {
		return err
	}
	if err := requireF32(att); err != nil {
		return err
	}
	if att.NumElements() == 0 {
		return nil
	}
	q, err := queueOf(kq)
	if err != nil {
		return err
	}
	ab, al, err := operand(q, att)
	if err != nil {
		return err
	}
	rowsPer := 1
	if att.Rank() >= 2 {
		rowsPer = att.Dim(-2)
	}
	args := (&native.Args{}).Ptr(ab).Raw(al.bytes()).I64(int64(rowsPer))
	return q.launch("ember_softmax", rows(att), b.softmaxThreads, args)
}

func (b *Backend) SwiGLU(kq kernel.Queue, gate, up *tensor.Tensor) error {
	if err := kernel.CheckSwiGLU(gate, up); err != nil {
		return err
	}
	if err := requireF32(gate, up); err != nil {
		return err
	}
	if gate.NumElements() == 0 {
		return nil
	}
	q, err := queueOf(kq)
	if err != nil {
		return err
	}
	gb, gl, err := operand(q, gate)
	if err != nil {
		return err
	}
	ub, ul, err := operand(q, up)
	if err != nil {
		return err
	}
	args := (&native.Args{}).Ptr(gb).Raw(gl.bytes()).Ptr(ub).Raw(ul.bytes())
	return q.launch("ember_swiglu", rows(gate), b.rowThreads, args)
}
