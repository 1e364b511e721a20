package weights

import (
	"math"
	"math/rand/v2"

	"github.com/samcharles93/ember/internal/tensor"
)

// Synthetic builds a model of the given shape with deterministic
// pseudo-random weights scaled by 1/sqrt(fan_in). Norm weights are ones.
// The result has data type h.DataType.
func Synthetic(h Hyperparams, seed uint64) (*Memory, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	matrix := func(rows, cols int) (*tensor.Tensor, error) {
		scale := float32(1 / math.Sqrt(float64(cols)))
		data := make([]float32, rows*cols)
		for i := range data {
			data[i] = (rng.Float32()*2 - 1) * scale
		}
		return encode(h.DataType, []int{rows, cols}, data)
	}
	ones := func(n int) (*tensor.Tensor, error) {
		data := make([]float32, n)
		for i := range data {
			data[i] = 1
		}
		return encode(h.DataType, []int{n}, data)
	}

	m := &Memory{Params: h, Layers: make([]Layer, h.NumLayers)}
	var err error
	if m.Embed, err = matrix(h.VocabSize, h.HiddenSize); err != nil {
		return nil, err
	}
	for i := range m.Layers {
		l := &m.Layers[i]
		if l.InputNorm, err = ones(h.HiddenSize); err != nil {
			return nil, err
		}
		if l.QKV, err = matrix(h.QKVSize(), h.HiddenSize); err != nil {
			return nil, err
		}
		if l.Output, err = matrix(h.HiddenSize, h.NumHeads*h.HeadDim); err != nil {
			return nil, err
		}
		if l.PostNorm, err = ones(h.HiddenSize); err != nil {
			return nil, err
		}
		if l.GateUp, err = matrix(2*h.IntermediateSize, h.HiddenSize); err != nil {
			return nil, err
		}
		if l.Down, err = matrix(h.HiddenSize, h.IntermediateSize); err != nil {
			return nil, err
		}
	}
	if m.Norm, err = ones(h.HiddenSize); err != nil {
		return nil, err
	}
	if !h.TiedEmbeddings {
		if m.Head, err = matrix(h.VocabSize, h.HiddenSize); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func encode(dt tensor.DataType, shape []int, data []float32) (*tensor.Tensor, error) {
	t, err := tensor.FromFloat32(shape, data)
	if err != nil || dt == tensor.F32 {
		return t, err
	}
	return tensor.Convert(t, dt)
}
