package transformer

import (
	"fmt"
	"math"

	"github.com/samcharles93/ember/internal/cache"
	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/tensor"
)

// Update runs tokens, which sit at positions [pos, pos+len(tokens)), through
// every layer and returns the final hidden state [len(tokens), hidden]
// before the output norm. Keys and values for those positions are written
// into caches; attention reads positions [0, pos+len(tokens)).
//
// Capacity and shape are checked before anything is written, so a call
// that fails with ErrSequenceTooLong leaves caches untouched.
func (t *Transformer) Update(q kernel.Queue, tokens []uint32, caches cache.Set, pos int) (*tensor.Tensor, error) {
	h := t.params
	seq := len(tokens)
	if seq == 0 {
		return nil, ErrEmptyInput
	}
	if len(caches) != h.NumLayers {
		return nil, fmt.Errorf("%w: %d caches for %d layers", ErrLayerCount, len(caches), h.NumLayers)
	}
	for i, c := range caches {
		k, v := c.Get()
		if err := t.checkCache(k); err != nil {
			return nil, fmt.Errorf("layer %d keys: %w", i, err)
		}
		if err := t.checkCache(v); err != nil {
			return nil, fmt.Errorf("layer %d values: %w", i, err)
		}
	}
	if limit := caches.MaxSeqLen(); pos < 0 || pos+seq > limit {
		return nil, fmt.Errorf("%w: pos %d + %d tokens > %d", ErrSequenceTooLong, pos, seq, limit)
	}

	b := t.backend
	nh, nkvh, dh := h.NumHeads, h.NumKVHeads, h.HeadDim
	group := nh / nkvh
	attLen := pos + seq
	di := h.IntermediateSize

	x0, err := b.Alloc(t.dtype, seq, h.HiddenSize)
	if err != nil {
		return nil, err
	}
	x1, err := b.Alloc(t.dtype, seq, h.HiddenSize)
	if err != nil {
		return nil, err
	}
	attnOut, err := b.Alloc(t.dtype, seq, nh*dh)
	if err != nil {
		return nil, err
	}
	qkv, err := b.Alloc(t.dtype, seq, h.QKVSize())
	if err != nil {
		return nil, err
	}
	qAtt, err := b.Alloc(t.dtype, nh, seq, dh)
	if err != nil {
		return nil, err
	}
	att, err := b.Alloc(t.dtype, nkvh, group*seq, attLen)
	if err != nil {
		return nil, err
	}
	x2, err := b.Alloc(t.dtype, nkvh, group*seq, dh)
	if err != nil {
		return nil, err
	}
	gateUp, err := b.Alloc(t.dtype, seq, 2*di)
	if err != nil {
		return nil, err
	}
	positions := make([]uint32, seq)
	for i := range positions {
		positions[i] = uint32(pos + i)
	}
	hostPos, err := tensor.FromUint32([]int{seq}, positions)
	if err != nil {
		return nil, err
	}
	posT, err := b.Upload(q, hostPos)
	if err != nil {
		return nil, err
	}

	// Views over the scratch buffers; none of them copy.
	qkvHeads, err := qkv.Reshape(seq, nh+2*nkvh, dh)
	if err != nil {
		return nil, err
	}
	parts, err := qkvHeads.Split(1, nh, nkvh, nkvh)
	if err != nil {
		return nil, err
	}
	qs, ks, vs := parts[0], parts[1], parts[2]
	qSrc, err := qs.Transpose(1, 0, 2)
	if err != nil {
		return nil, err
	}
	kSrc, err := ks.Transpose(1, 0, 2)
	if err != nil {
		return nil, err
	}
	vSrc, err := vs.Transpose(1, 0, 2)
	if err != nil {
		return nil, err
	}
	qGroups, err := qAtt.Reshape(nkvh, group*seq, dh)
	if err != nil {
		return nil, err
	}
	attHeads, err := att.Reshape(nh, seq, attLen)
	if err != nil {
		return nil, err
	}
	x2Heads, err := x2.Reshape(nh, seq, dh)
	if err != nil {
		return nil, err
	}
	x2Tokens, err := x2Heads.Transpose(1, 0, 2)
	if err != nil {
		return nil, err
	}
	outHeads, err := attnOut.Reshape(seq, nh, dh)
	if err != nil {
		return nil, err
	}
	gu, err := gateUp.Split(1, di, di)
	if err != nil {
		return nil, err
	}
	gate, up := gu[0], gu[1]
	scale := float32(1 / math.Sqrt(float64(dh)))

	if err := b.Gather(q, x0, t.embed, tokens); err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}

	for i, l := range t.layers {
		kc, vc, err := caches[i].Window(pos, seq)
		if err != nil {
			return nil, err
		}
		kAll, vAll, err := caches[i].Window(0, attLen)
		if err != nil {
			return nil, err
		}
		kT, err := kAll.Transpose(0, 2, 1)
		if err != nil {
			return nil, err
		}

		steps := []struct {
			name string
			run  func() error
		}{
			{"input norm", func() error { return b.RMSNorm(q, x1, x0, l.inNorm, h.RMSNormEps) }},
			{"qkv", func() error { return b.MatMul(q, qkv, 0, x1, transposed(l.qkv), 1) }},
			{"rope q", func() error { return b.RoPE(q, qs, posT, h.RopeTheta) }},
			{"rope k", func() error { return b.RoPE(q, ks, posT, h.RopeTheta) }},
			{"reform q", func() error { return b.Reform(q, qAtt, qSrc) }},
			{"cache k", func() error { return b.Reform(q, kc, kSrc) }},
			{"cache v", func() error { return b.Reform(q, vc, vSrc) }},
			{"scores", func() error { return b.MatMul(q, att, 0, qGroups, kT, scale) }},
			{"softmax", func() error { return b.Softmax(q, attHeads) }},
			{"weighted values", func() error { return b.MatMul(q, x2, 0, att, vAll, 1) }},
			{"merge heads", func() error { return b.Reform(q, outHeads, x2Tokens) }},
			{"attention output", func() error { return b.MatMul(q, x0, 1, attnOut, transposed(l.out), 1) }},
			{"post norm", func() error { return b.RMSNorm(q, x1, x0, l.postNorm, h.RMSNormEps) }},
			{"gate_up", func() error { return b.MatMul(q, gateUp, 0, x1, transposed(l.gateUp), 1) }},
			{"swiglu", func() error { return b.SwiGLU(q, gate, up) }},
			{"down", func() error { return b.MatMul(q, x0, 1, gate, transposed(l.down), 1) }},
		}
		for _, s := range steps {
			if err := s.run(); err != nil {
				return nil, fmt.Errorf("layer %d %s: %w", i, s.name, err)
			}
		}
	}
	t.log.Debug("update", "tokens", seq, "pos", pos)
	return x0, nil
}

func (t *Transformer) checkCache(c *tensor.Tensor) error {
	if c.Rank() != 3 || c.Dim(0) != t.params.NumKVHeads || c.Dim(2) != t.params.HeadDim {
		return fmt.Errorf("%w: cache %v, want [%d, _, %d]", tensor.ErrShapeMismatch, c.Shape(), t.params.NumKVHeads, t.params.HeadDim)
	}
	if c.DataType() != t.dtype {
		return fmt.Errorf("%w: cache %v, model computes in %v", tensor.ErrDataType, c.DataType(), t.dtype)
	}
	return nil
}

// transposed views a stored [out, in] projection as [in, out].
func transposed(w *tensor.Tensor) *tensor.Tensor {
	wt, err := w.Transpose(1, 0)
	if err != nil {
		// rank was checked at construction
		panic(err)
	}
	return wt
}

// Logits applies the output norm to the last row of hidden and projects
// it onto the vocabulary.
func (t *Transformer) Logits(q kernel.Queue, hidden *tensor.Tensor) ([]float32, error) {
	b := t.backend
	if hidden.Rank() != 2 || hidden.Dim(1) != t.params.HiddenSize || hidden.Dim(0) == 0 {
		return nil, fmt.Errorf("%w: hidden state %v", tensor.ErrShapeMismatch, hidden.Shape())
	}
	last, err := hidden.Slice(tensor.Span(hidden.Dim(0)-1, 1))
	if err != nil {
		return nil, err
	}
	normed, err := b.Alloc(t.dtype, 1, t.params.HiddenSize)
	if err != nil {
		return nil, err
	}
	logits, err := b.Alloc(t.dtype, 1, t.params.VocabSize)
	if err != nil {
		return nil, err
	}
	if err := b.RMSNorm(q, normed, last, t.norm, t.params.RMSNormEps); err != nil {
		return nil, fmt.Errorf("final norm: %w", err)
	}
	if err := b.MatMul(q, logits, 0, normed, transposed(t.head), 1); err != nil {
		return nil, fmt.Errorf("lm head: %w", err)
	}
	if err := q.Synchronize(); err != nil {
		return nil, err
	}
	raw := make([]byte, t.params.VocabSize*t.dtype.Size())
	if err := b.Download(q, raw, logits); err != nil {
		return nil, err
	}
	host, err := tensor.New(t.dtype, []int{t.params.VocabSize}, raw)
	if err != nil {
		return nil, err
	}
	return host.ToFloat32()
}
