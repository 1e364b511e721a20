// Package weights supplies model hyperparameters and per-layer weight
// tensors to the forward pipeline, independent of where they came from.
package weights

import (
	"errors"
	"fmt"

	"github.com/samcharles93/ember/internal/tensor"
)

var ErrInvalidConfig = errors.New("weights: invalid model config")

// Hyperparams are fixed for the lifetime of a model.
type Hyperparams struct {
	HiddenSize       int
	NumHeads         int
	NumKVHeads       int
	HeadDim          int
	IntermediateSize int
	NumLayers        int
	VocabSize        int
	MaxSeqLen        int
	RMSNormEps       float32
	RopeTheta        float32
	DataType         tensor.DataType
	TiedEmbeddings   bool
	EOS              []uint32
}

// Validate checks the sizes are usable. The head ratio is left to the
// transformer, which owns that error.
func (h Hyperparams) Validate() error {
	sizes := []struct {
		name string
		v    int
	}{
		{"hidden_size", h.HiddenSize},
		{"num_attention_heads", h.NumHeads},
		{"num_key_value_heads", h.NumKVHeads},
		{"head_dim", h.HeadDim},
		{"intermediate_size", h.IntermediateSize},
		{"num_hidden_layers", h.NumLayers},
		{"vocab_size", h.VocabSize},
		{"max_seq_len", h.MaxSeqLen},
	}
	for _, s := range sizes {
		if s.v <= 0 {
			return fmt.Errorf("%w: %s must be > 0, got %d", ErrInvalidConfig, s.name, s.v)
		}
	}
	if h.HeadDim%2 != 0 {
		return fmt.Errorf("%w: head_dim %d must be even for rotary encoding", ErrInvalidConfig, h.HeadDim)
	}
	if h.RMSNormEps <= 0 || h.RopeTheta <= 0 {
		return fmt.Errorf("%w: rms_norm_eps and rope_theta must be > 0", ErrInvalidConfig)
	}
	if !h.DataType.IsFloat() {
		return fmt.Errorf("%w: data type %v", ErrInvalidConfig, h.DataType)
	}
	return nil
}

// QKVSize is the output width of the fused query/key/value projection.
func (h Hyperparams) QKVSize() int {
	return (h.NumHeads + 2*h.NumKVHeads) * h.HeadDim
}

// Layer holds one transformer block. Projection matrices are stored
// [out, in].
type Layer struct {
	InputNorm *tensor.Tensor // [hidden]
	QKV       *tensor.Tensor // [(heads+2*kv_heads)*head_dim, hidden]
	Output    *tensor.Tensor // [hidden, heads*head_dim]
	PostNorm  *tensor.Tensor // [hidden]
	GateUp    *tensor.Tensor // [2*intermediate, hidden]
	Down      *tensor.Tensor // [hidden, intermediate]
}

func (l Layer) tensors() []*tensor.Tensor {
	return []*tensor.Tensor{l.InputNorm, l.QKV, l.Output, l.PostNorm, l.GateUp, l.Down}
}

// Provider exposes a model's weights. Implementations are read-only.
type Provider interface {
	Hyperparams() Hyperparams
	Embedding() *tensor.Tensor // [vocab, hidden]
	Layer(i int) Layer
	FinalNorm() *tensor.Tensor // [hidden]
	// LMHead is [vocab, hidden], or nil when it is tied to the embedding.
	LMHead() *tensor.Tensor
	Close() error
}

// Memory is a Provider over tensors already in memory.
type Memory struct {
	Params Hyperparams
	Embed  *tensor.Tensor
	Layers []Layer
	Norm   *tensor.Tensor
	Head   *tensor.Tensor
}

var _ Provider = (*Memory)(nil)

func (m *Memory) Hyperparams() Hyperparams  { return m.Params }
func (m *Memory) Embedding() *tensor.Tensor { return m.Embed }
func (m *Memory) Layer(i int) Layer         { return m.Layers[i] }
func (m *Memory) FinalNorm() *tensor.Tensor { return m.Norm }
func (m *Memory) LMHead() *tensor.Tensor    { return m.Head }
func (m *Memory) Close() error              { return nil }

// CheckShapes verifies every tensor of p against its hyperparameters.
func CheckShapes(p Provider) error {
	h := p.Hyperparams()
	want := func(name string, t *tensor.Tensor, shape ...int) error {
		if t == nil {
			return fmt.Errorf("%w: %s missing", tensor.ErrShapeMismatch, name)
		}
		got := t.Shape()
		if len(got) != len(shape) {
			return fmt.Errorf("%w: %s is %v, want %v", tensor.ErrShapeMismatch, name, got, shape)
		}
		for i := range got {
			if got[i] != shape[i] {
				return fmt.Errorf("%w: %s is %v, want %v", tensor.ErrShapeMismatch, name, got, shape)
			}
		}
		return nil
	}
	if err := want("embedding", p.Embedding(), h.VocabSize, h.HiddenSize); err != nil {
		return err
	}
	if err := want("final norm", p.FinalNorm(), h.HiddenSize); err != nil {
		return err
	}
	if head := p.LMHead(); head != nil {
		if err := want("lm head", head, h.VocabSize, h.HiddenSize); err != nil {
			return err
		}
	}
	for i := range h.NumLayers {
		l := p.Layer(i)
		checks := []error{
			want(fmt.Sprintf("layer %d input norm", i), l.InputNorm, h.HiddenSize),
			want(fmt.Sprintf("layer %d qkv", i), l.QKV, h.QKVSize(), h.HiddenSize),
			want(fmt.Sprintf("layer %d output", i), l.Output, h.HiddenSize, h.NumHeads*h.HeadDim),
			want(fmt.Sprintf("layer %d post norm", i), l.PostNorm, h.HiddenSize),
			want(fmt.Sprintf("layer %d gate_up", i), l.GateUp, 2*h.IntermediateSize, h.HiddenSize),
			want(fmt.Sprintf("layer %d down", i), l.Down, h.HiddenSize, h.IntermediateSize),
		}
		if err := errors.Join(checks...); err != nil {
			return err
		}
	}
	return nil
}
