package transformer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/ember/internal/tensor"
	"github.com/samcharles93/ember/internal/weights"
)

// refModel is a float64 scalar forward pass used to check the kernels
// end to end.
type refModel struct {
	h      weights.Hyperparams
	embed  []float32
	layers []refLayer
	norm   []float32
	head   []float32
}

type refLayer struct {
	inNorm, qkv, out, postNorm, gateUp, down []float32
}

// refCache holds keys and values per layer as [kv_head][position][head_dim].
type refCache struct {
	k, v [][][]float64
}

func newRefModel(t *testing.T, m *weights.Memory) *refModel {
	t.Helper()
	get := func(x *tensor.Tensor) []float32 {
		v, err := x.ToFloat32()
		require.NoError(t, err)
		return v
	}
	r := &refModel{h: m.Params, embed: get(m.Embed), norm: get(m.Norm)}
	if m.Head != nil {
		r.head = get(m.Head)
	} else {
		r.head = r.embed
	}
	for _, l := range m.Layers {
		r.layers = append(r.layers, refLayer{
			inNorm: get(l.InputNorm), qkv: get(l.QKV), out: get(l.Output),
			postNorm: get(l.PostNorm), gateUp: get(l.GateUp), down: get(l.Down),
		})
	}
	return r
}

func (r *refModel) newCache() []refCache {
	c := make([]refCache, r.h.NumLayers)
	for i := range c {
		c[i] = refCache{k: make([][][]float64, r.h.NumKVHeads), v: make([][][]float64, r.h.NumKVHeads)}
	}
	return c
}

func matVec(w []float32, rows, cols int, x []float64) []float64 {
	y := make([]float64, rows)
	for i := range rows {
		var s float64
		for j := range cols {
			s += float64(w[i*cols+j]) * x[j]
		}
		y[i] = s
	}
	return y
}

func rmsNorm(x []float64, w []float32, eps float32) []float64 {
	var ss float64
	for _, v := range x {
		ss += v * v
	}
	scale := 1 / math.Sqrt(ss/float64(len(x))+float64(eps))
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v * scale * float64(w[i])
	}
	return out
}

func rope(x []float64, pos int, theta float32) {
	dh := len(x)
	for k := range dh / 2 {
		a := float64(pos) * math.Pow(float64(theta), -2*float64(k)/float64(dh))
		sin, cos := math.Sincos(a)
		x0, x1 := x[2*k], x[2*k+1]
		x[2*k] = x0*cos - x1*sin
		x[2*k+1] = x0*sin + x1*cos
	}
}

func silu(x float64) float64 { return x / (1 + math.Exp(-x)) }

// forward mirrors Transformer.Update and returns the hidden state per token.
func (r *refModel) forward(tokens []uint32, caches []refCache, pos int) [][]float64 {
	h := r.h
	nh, nkvh, dh := h.NumHeads, h.NumKVHeads, h.HeadDim
	group := nh / nkvh
	di := h.IntermediateSize

	x := make([][]float64, len(tokens))
	for s, tok := range tokens {
		x[s] = make([]float64, h.HiddenSize)
		for j := range x[s] {
			x[s][j] = float64(r.embed[int(tok)*h.HiddenSize+j])
		}
	}

	for li, l := range r.layers {
		c := &caches[li]
		qs := make([][]float64, len(tokens))
		for s := range tokens {
			n := rmsNorm(x[s], l.inNorm, h.RMSNormEps)
			qkv := matVec(l.qkv, h.QKVSize(), h.HiddenSize, n)
			qs[s] = qkv[:nh*dh]
			for hh := range nh {
				rope(qs[s][hh*dh:(hh+1)*dh], pos+s, h.RopeTheta)
			}
			for kv := range nkvh {
				k := append([]float64(nil), qkv[(nh+kv)*dh:(nh+kv+1)*dh]...)
				v := append([]float64(nil), qkv[(nh+nkvh+kv)*dh:(nh+nkvh+kv+1)*dh]...)
				rope(k, pos+s, h.RopeTheta)
				c.k[kv] = append(c.k[kv][:pos+s], k)
				c.v[kv] = append(c.v[kv][:pos+s], v)
			}
		}
		for s := range tokens {
			attn := make([]float64, nh*dh)
			for hh := range nh {
				kv := hh / group
				q := qs[s][hh*dh : (hh+1)*dh]
				n := pos + s + 1
				scores := make([]float64, n)
				maxScore := math.Inf(-1)
				for j := range n {
					var d float64
					for e := range dh {
						d += q[e] * c.k[kv][j][e]
					}
					scores[j] = d / math.Sqrt(float64(dh))
					maxScore = max(maxScore, scores[j])
				}
				var sum float64
				for j := range scores {
					scores[j] = math.Exp(scores[j] - maxScore)
					sum += scores[j]
				}
				for j := range n {
					for e := range dh {
						attn[hh*dh+e] += scores[j] / sum * c.v[kv][j][e]
					}
				}
			}
			o := matVec(l.out, h.HiddenSize, nh*dh, attn)
			for j := range x[s] {
				x[s][j] += o[j]
			}
			n2 := rmsNorm(x[s], l.postNorm, h.RMSNormEps)
			gu := matVec(l.gateUp, 2*di, h.HiddenSize, n2)
			act := make([]float64, di)
			for i := range act {
				act[i] = silu(gu[i]) * gu[di+i]
			}
			d := matVec(l.down, h.HiddenSize, di, act)
			for j := range x[s] {
				x[s][j] += d[j]
			}
		}
	}
	return x
}

func (r *refModel) logits(hidden []float64) []float64 {
	n := rmsNorm(hidden, r.norm, r.h.RMSNormEps)
	return matVec(r.head, r.h.VocabSize, r.h.HiddenSize, n)
}
