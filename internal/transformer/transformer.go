// Package transformer runs the forward pass of a LLaMA-style decoder over
// a kernel backend, appending to per-session key/value caches.
package transformer

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/ember/internal/cache"
	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/tensor"
	"github.com/samcharles93/ember/internal/weights"
)

var (
	ErrSequenceTooLong   = errors.New("transformer: sequence exceeds cache capacity")
	ErrInvalidHeadConfig = errors.New("transformer: attention heads not a multiple of key/value heads")
	ErrLayerCount        = errors.New("transformer: cache count does not match layers")
	ErrEmptyInput        = errors.New("transformer: no tokens")
)

type options struct {
	maxSeqLen int
	log       logger.Logger
}

type Option func(*options)

// WithMaxSeqLen caps the cache capacity below the model's context length.
func WithMaxSeqLen(n int) Option {
	return func(o *options) { o.maxSeqLen = n }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

type layer struct {
	inNorm, qkv, out, postNorm, gateUp, down *tensor.Tensor
}

// Transformer holds backend-resident weights. It carries no per-session
// state, so one instance serves any number of caches; calls that share a
// cache must be serialized by the caller.
type Transformer struct {
	backend kernel.Backend
	params  weights.Hyperparams
	dtype   tensor.DataType

	embed  *tensor.Tensor
	layers []layer
	norm   *tensor.Tensor
	head   *tensor.Tensor

	maxSeqLen int
	log       logger.Logger
}

// New validates the model against the backend, upcasts the whole weight
// set once when the backend cannot compute on its stored type, and
// uploads it. Accelerator backends need the caller inside device.Enter.
func New(ctx context.Context, p weights.Provider, b kernel.Backend, opts ...Option) (*Transformer, error) {
	o := options{log: logger.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With(logger.ComponentKey, "transformer")

	h := p.Hyperparams()
	if h.NumKVHeads <= 0 || h.NumHeads <= 0 || h.NumHeads%h.NumKVHeads != 0 {
		return nil, fmt.Errorf("%w: %d heads, %d kv heads", ErrInvalidHeadConfig, h.NumHeads, h.NumKVHeads)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}

	maxSeq := h.MaxSeqLen
	if o.maxSeqLen > 0 {
		maxSeq = min(maxSeq, o.maxSeqLen)
	}
	limits := b.Limits()
	if h.HiddenSize > limits.RMSNormMaxSize {
		return nil, fmt.Errorf("%w: hidden size %d exceeds rms_norm limit %d", kernel.ErrKernelConfig, h.HiddenSize, limits.RMSNormMaxSize)
	}
	if maxSeq > limits.SoftmaxMaxSize {
		return nil, fmt.Errorf("%w: context %d exceeds softmax limit %d", kernel.ErrKernelConfig, maxSeq, limits.SoftmaxMaxSize)
	}

	dt := h.DataType
	if !b.Supports(dt) {
		dt = b.Preferred()
	}
	if !weights.Uniform(p, dt) {
		log.Info("casting weights", "from", h.DataType, "to", dt)
		cast, err := weights.Cast(ctx, p, dt)
		if err != nil {
			return nil, err
		}
		p = cast
	}
	if err := weights.CheckShapes(p); err != nil {
		return nil, err
	}

	q, err := b.NewQueue()
	if err != nil {
		return nil, err
	}
	defer func() { _ = q.Close() }()

	up := func(t *tensor.Tensor) (*tensor.Tensor, error) {
		if t == nil {
			return nil, nil
		}
		return b.Upload(q, t)
	}
	t := &Transformer{
		backend:   b,
		params:    h,
		dtype:     dt,
		layers:    make([]layer, h.NumLayers),
		maxSeqLen: maxSeq,
		log:       log,
	}
	if t.embed, err = up(p.Embedding()); err != nil {
		return nil, fmt.Errorf("upload embedding: %w", err)
	}
	if t.norm, err = up(p.FinalNorm()); err != nil {
		return nil, fmt.Errorf("upload final norm: %w", err)
	}
	if t.head, err = up(p.LMHead()); err != nil {
		return nil, fmt.Errorf("upload lm head: %w", err)
	}
	if t.head == nil {
		t.head = t.embed
	}
	for i := range t.layers {
		w := p.Layer(i)
		l := &t.layers[i]
		for _, pair := range []struct {
			dst **tensor.Tensor
			src *tensor.Tensor
		}{
			{&l.inNorm, w.InputNorm}, {&l.qkv, w.QKV}, {&l.out, w.Output},
			{&l.postNorm, w.PostNorm}, {&l.gateUp, w.GateUp}, {&l.down, w.Down},
		} {
			if *pair.dst, err = up(pair.src); err != nil {
				return nil, fmt.Errorf("upload layer %d: %w", i, err)
			}
		}
	}
	if err := q.Synchronize(); err != nil {
		return nil, err
	}
	log.Info("model ready",
		"layers", h.NumLayers,
		"hidden", h.HiddenSize,
		"heads", h.NumHeads,
		"kv_heads", h.NumKVHeads,
		"dtype", dt,
		"max_seq_len", maxSeq,
		"backend", b.Name(),
	)
	return t, nil
}

func (t *Transformer) Hyperparams() weights.Hyperparams { return t.params }
func (t *Transformer) DataType() tensor.DataType        { return t.dtype }
func (t *Transformer) MaxSeqLen() int                   { return t.maxSeqLen }
func (t *Transformer) Backend() kernel.Backend          { return t.backend }

// NewCache allocates one zeroed layer cache per layer, sized to the
// transformer's context length.
func (t *Transformer) NewCache() (cache.Set, error) {
	return cache.New(t.backend, cache.Shape{
		Layers:    t.params.NumLayers,
		KVHeads:   t.params.NumKVHeads,
		MaxSeqLen: t.maxSeqLen,
		HeadDim:   t.params.HeadDim,
		DataType:  t.dtype,
	})
}
