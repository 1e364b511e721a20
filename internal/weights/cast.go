package weights

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/ember/internal/tensor"
)

// Cast converts every tensor of p to dt once, in parallel, and returns
// an in-memory provider. Tensors already of type dt and contiguous are
// shared, not copied.
func Cast(ctx context.Context, p Provider, dt tensor.DataType) (*Memory, error) {
	h := p.Hyperparams()
	out := &Memory{Params: h, Layers: make([]Layer, h.NumLayers)}
	out.Params.DataType = dt

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	convert := func(dst **tensor.Tensor, src *tensor.Tensor, name string) {
		if src == nil {
			return
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if src.DataType() == dt && src.IsContiguous() {
				*dst = src
				return nil
			}
			c, err := tensor.Convert(src, dt)
			if err != nil {
				return fmt.Errorf("cast %s: %w", name, err)
			}
			*dst = c
			return nil
		})
	}

	convert(&out.Embed, p.Embedding(), "embedding")
	convert(&out.Norm, p.FinalNorm(), "final norm")
	convert(&out.Head, p.LMHead(), "lm head")
	for i := range h.NumLayers {
		src := p.Layer(i)
		dst := &out.Layers[i]
		convert(&dst.InputNorm, src.InputNorm, fmt.Sprintf("layer %d input norm", i))
		convert(&dst.QKV, src.QKV, fmt.Sprintf("layer %d qkv", i))
		convert(&dst.Output, src.Output, fmt.Sprintf("layer %d output", i))
		convert(&dst.PostNorm, src.PostNorm, fmt.Sprintf("layer %d post norm", i))
		convert(&dst.GateUp, src.GateUp, fmt.Sprintf("layer %d gate_up", i))
		convert(&dst.Down, src.Down, fmt.Sprintf("layer %d down", i))
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
