// Package cache holds the per-layer key/value tensors a session carries
// between forward calls.
package cache

import (
	"fmt"

	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/tensor"
)

// Layer is the key/value cache of one transformer layer. Both tensors are
// [kv_heads, max_seq_len, head_dim] and are written in place as the session
// advances. Position monotonicity is the caller's contract.
type Layer struct {
	k, v *tensor.Tensor
}

// NewLayer allocates a zeroed layer cache on mem.
func NewLayer(mem kernel.Memory, dt tensor.DataType, kvHeads, maxSeqLen, headDim int) (*Layer, error) {
	k, err := mem.Alloc(dt, kvHeads, maxSeqLen, headDim)
	if err != nil {
		return nil, fmt.Errorf("alloc key cache: %w", err)
	}
	v, err := mem.Alloc(dt, kvHeads, maxSeqLen, headDim)
	if err != nil {
		return nil, fmt.Errorf("alloc value cache: %w", err)
	}
	return &Layer{k: k, v: v}, nil
}

// Get returns full-capacity views of the key and value tensors.
func (l *Layer) Get() (k, v *tensor.Tensor) {
	return l.k, l.v
}

func (l *Layer) MaxSeqLen() int { return l.k.Dim(1) }

// Window returns the key and value views for positions [start, start+n).
func (l *Layer) Window(start, n int) (k, v *tensor.Tensor, err error) {
	r := []tensor.Range{tensor.Full(), tensor.Span(start, n), tensor.Full()}
	if k, err = l.k.Slice(r...); err != nil {
		return nil, nil, err
	}
	if v, err = l.v.Slice(r...); err != nil {
		return nil, nil, err
	}
	return k, v, nil
}

// Set is one cache per layer, in layer order.
type Set []*Layer

// Shape describes the caches a model needs.
type Shape struct {
	Layers    int
	KVHeads   int
	MaxSeqLen int
	HeadDim   int
	DataType  tensor.DataType
}

func (s Shape) validate() error {
	if s.Layers <= 0 || s.KVHeads <= 0 || s.MaxSeqLen <= 0 || s.HeadDim <= 0 {
		return fmt.Errorf("%w: cache shape %+v", tensor.ErrShapeMismatch, s)
	}
	return nil
}

// New allocates a cache set for every layer.
func New(mem kernel.Memory, s Shape) (Set, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	set := make(Set, s.Layers)
	for i := range set {
		l, err := NewLayer(mem, s.DataType, s.KVHeads, s.MaxSeqLen, s.HeadDim)
		if err != nil {
			set[:i].Release()
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		set[i] = l
	}
	return set, nil
}

// MaxSeqLen is the smallest capacity across layers.
func (s Set) MaxSeqLen() int {
	if len(s) == 0 {
		return 0
	}
	n := s[0].MaxSeqLen()
	for _, l := range s[1:] {
		n = min(n, l.MaxSeqLen())
	}
	return n
}

// Duplicator is the part of a backend Duplicate needs.
type Duplicator interface {
	kernel.Memory
	Reform(q kernel.Queue, dst, src *tensor.Tensor) error
}

// Duplicate allocates a new set shaped like src and copies positions
// [0, length) of every layer into it. Positions past length stay zero.
func Duplicate(q kernel.Queue, b Duplicator, src Set, length int) (Set, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty cache set", tensor.ErrShapeMismatch)
	}
	k0, _ := src[0].Get()
	if length < 0 || length > src.MaxSeqLen() {
		return nil, fmt.Errorf("%w: length %d outside [0, %d]", tensor.ErrOutOfBounds, length, src.MaxSeqLen())
	}
	dst, err := New(b, Shape{
		Layers:    len(src),
		KVHeads:   k0.Dim(0),
		MaxSeqLen: k0.Dim(1),
		HeadDim:   k0.Dim(2),
		DataType:  k0.DataType(),
	})
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return dst, nil
	}
	for i := range src {
		sk, sv, err := src[i].Window(0, length)
		if err != nil {
			dst.Release()
			return nil, err
		}
		dk, dv, err := dst[i].Window(0, length)
		if err != nil {
			dst.Release()
			return nil, err
		}
		if err := b.Reform(q, dk, sk); err != nil {
			dst.Release()
			return nil, fmt.Errorf("layer %d keys: %w", i, err)
		}
		if err := b.Reform(q, dv, sv); err != nil {
			dst.Release()
			return nil, fmt.Errorf("layer %d values: %w", i, err)
		}
	}
	return dst, nil
}

type freer interface {
	Free() error
}

// Release frees device storage early. Host storage is left to the
// garbage collector.
func (s Set) Release() {
	for _, l := range s {
		if l == nil {
			continue
		}
		for _, t := range []*tensor.Tensor{l.k, l.v} {
			if f, ok := t.Storage().(freer); ok {
				_ = f.Free()
			}
		}
	}
}

// Bytes is the storage footprint of the set.
func (s Set) Bytes() int {
	n := 0
	for _, l := range s {
		n += l.k.Storage().Len() + l.v.Storage().Len()
	}
	return n
}
