package weights

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/ember/internal/safetensors"
	"github.com/samcharles93/ember/internal/tensor"
)

// Default values for keys LLaMA-family configs may omit.
const (
	defaultRopeTheta = 10000
	defaultEps       = 1e-5
	defaultMaxSeqLen = 2048
)

type hfConfig struct {
	HiddenSize            int             `json:"hidden_size"`
	NumAttentionHeads     int             `json:"num_attention_heads"`
	NumKeyValueHeads      int             `json:"num_key_value_heads"`
	HeadDim               int             `json:"head_dim"`
	IntermediateSize      int             `json:"intermediate_size"`
	NumHiddenLayers       int             `json:"num_hidden_layers"`
	VocabSize             int             `json:"vocab_size"`
	MaxPositionEmbeddings int             `json:"max_position_embeddings"`
	RMSNormEps            float64         `json:"rms_norm_eps"`
	RopeTheta             float64         `json:"rope_theta"`
	TorchDType            string          `json:"torch_dtype"`
	TieWordEmbeddings     bool            `json:"tie_word_embeddings"`
	EOSTokenID            json.RawMessage `json:"eos_token_id"`
}

// ParseConfig reads a Hugging Face config.json. Missing key/value heads,
// head size, epsilon, rope theta and context length fall back to the
// usual LLaMA defaults. An empty torch_dtype leaves DataType invalid for
// the caller to fill in.
func ParseConfig(data []byte) (Hyperparams, error) {
	var c hfConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return Hyperparams{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	h := Hyperparams{
		HiddenSize:       c.HiddenSize,
		NumHeads:         c.NumAttentionHeads,
		NumKVHeads:       c.NumKeyValueHeads,
		HeadDim:          c.HeadDim,
		IntermediateSize: c.IntermediateSize,
		NumLayers:        c.NumHiddenLayers,
		VocabSize:        c.VocabSize,
		MaxSeqLen:        c.MaxPositionEmbeddings,
		RMSNormEps:       float32(c.RMSNormEps),
		RopeTheta:        float32(c.RopeTheta),
		TiedEmbeddings:   c.TieWordEmbeddings,
	}
	if h.NumKVHeads == 0 {
		h.NumKVHeads = h.NumHeads
	}
	if h.HeadDim == 0 && h.NumHeads > 0 {
		h.HeadDim = h.HiddenSize / h.NumHeads
	}
	if h.RMSNormEps == 0 {
		h.RMSNormEps = defaultEps
	}
	if h.RopeTheta == 0 {
		h.RopeTheta = defaultRopeTheta
	}
	if h.MaxSeqLen == 0 {
		h.MaxSeqLen = defaultMaxSeqLen
	}
	if c.TorchDType != "" {
		dt, err := tensor.ParseDataType(c.TorchDType)
		if err != nil {
			return Hyperparams{}, fmt.Errorf("%w: torch_dtype: %v", ErrInvalidConfig, err)
		}
		h.DataType = dt
	}
	eos, err := parseTokenIDs(c.EOSTokenID)
	if err != nil {
		return Hyperparams{}, err
	}
	h.EOS = eos
	return h, nil
}

// parseTokenIDs accepts either a single id or a list of ids.
func parseTokenIDs(raw json.RawMessage) ([]uint32, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var one uint32
	if err := json.Unmarshal(raw, &one); err == nil {
		return []uint32{one}, nil
	}
	var many []uint32
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("%w: eos_token_id: %v", ErrInvalidConfig, err)
	}
	return many, nil
}

// Archive is a Provider over memory-mapped safetensors shards. Fused
// projections are the only copies; every other tensor borrows the
// mapping and is valid until Close.
type Archive struct {
	Memory
	files []*safetensors.File
}

var _ Provider = (*Archive)(nil)

func (a *Archive) Close() error {
	var errs []error
	for _, f := range a.files {
		errs = append(errs, f.Close())
	}
	a.files = nil
	return errors.Join(errs...)
}

// LoadSafetensors opens a model directory holding config.json and one or
// more *.safetensors shards with LLaMA tensor names.
func LoadSafetensors(dir string) (*Archive, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	h, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .safetensors files in %s", dir)
	}
	slices.Sort(paths)

	a := &Archive{}
	index := make(map[string]*safetensors.File)
	for _, p := range paths {
		f, err := safetensors.Open(p)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.files = append(a.files, f)
		for _, name := range f.Names() {
			if prev, dup := index[name]; dup {
				_ = a.Close()
				return nil, fmt.Errorf("tensor %s in both %s and %s", name, prev.Path, p)
			}
			index[name] = f
		}
	}

	if err := a.bind(h, index); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) bind(h Hyperparams, index map[string]*safetensors.File) error {
	get := func(name string) (*tensor.Tensor, error) {
		f, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", safetensors.ErrTensorMissing, name)
		}
		return f.Tensor(name)
	}
	has := func(name string) bool {
		_, ok := index[name]
		return ok
	}
	// fused returns name when the checkpoint ships it fused, else the
	// concatenation of parts along the output dimension.
	fused := func(name string, parts ...string) (*tensor.Tensor, error) {
		if has(name) {
			return get(name)
		}
		ts := make([]*tensor.Tensor, len(parts))
		for i, p := range parts {
			t, err := get(p)
			if err != nil {
				return nil, err
			}
			ts[i] = t
		}
		return concatRows(ts...)
	}

	embed, err := get("model.embed_tokens.weight")
	if err != nil {
		return err
	}
	if h.DataType == tensor.Invalid {
		h.DataType = embed.DataType()
	}
	norm, err := get("model.norm.weight")
	if err != nil {
		return err
	}
	var head *tensor.Tensor
	if has("lm_head.weight") && !h.TiedEmbeddings {
		if head, err = get("lm_head.weight"); err != nil {
			return err
		}
	} else {
		h.TiedEmbeddings = true
	}

	layers := make([]Layer, h.NumLayers)
	for i := range layers {
		pre := fmt.Sprintf("model.layers.%d.", i)
		l := &layers[i]
		if l.InputNorm, err = get(pre + "input_layernorm.weight"); err != nil {
			return err
		}
		if l.PostNorm, err = get(pre + "post_attention_layernorm.weight"); err != nil {
			return err
		}
		if l.QKV, err = fused(pre+"self_attn.qkv_proj.weight",
			pre+"self_attn.q_proj.weight", pre+"self_attn.k_proj.weight", pre+"self_attn.v_proj.weight"); err != nil {
			return err
		}
		if l.Output, err = get(pre + "self_attn.o_proj.weight"); err != nil {
			return err
		}
		if l.GateUp, err = fused(pre+"mlp.gate_up_proj.weight",
			pre+"mlp.gate_proj.weight", pre+"mlp.up_proj.weight"); err != nil {
			return err
		}
		if l.Down, err = get(pre + "mlp.down_proj.weight"); err != nil {
			return err
		}
	}

	a.Memory = Memory{Params: h, Embed: embed, Layers: layers, Norm: norm, Head: head}
	if err := h.Validate(); err != nil {
		return err
	}
	return CheckShapes(a)
}

// concatRows stacks contiguous matrices of equal width and type.
func concatRows(ts ...*tensor.Tensor) (*tensor.Tensor, error) {
	dt, cols := ts[0].DataType(), ts[0].Dim(-1)
	rows := 0
	for _, t := range ts {
		if t.Rank() != 2 || t.Dim(1) != cols || t.DataType() != dt {
			return nil, fmt.Errorf("%w: cannot fuse %v %v with %v [_, %d]", tensor.ErrShapeMismatch, t.DataType(), t.Shape(), dt, cols)
		}
		rows += t.Dim(0)
	}
	out, err := tensor.Zeros(dt, rows, cols)
	if err != nil {
		return nil, err
	}
	dst, err := out.HostBytes()
	if err != nil {
		return nil, err
	}
	off := 0
	for _, t := range ts {
		src, err := contiguousBytes(t)
		if err != nil {
			return nil, err
		}
		off += copy(dst[off:], src)
	}
	return out, nil
}

func contiguousBytes(t *tensor.Tensor) ([]byte, error) {
	if !t.IsContiguous() {
		c, err := tensor.Convert(t, t.DataType())
		if err != nil {
			return nil, err
		}
		t = c
	}
	return t.HostBytes()
}

// Uniform reports whether every tensor of p is stored as dt.
func Uniform(p Provider, dt tensor.DataType) bool {
	ts := []*tensor.Tensor{p.Embedding(), p.FinalNorm(), p.LMHead()}
	for i := range p.Hyperparams().NumLayers {
		ts = append(ts, p.Layer(i).tensors()...)
	}
	for _, t := range ts {
		if t != nil && t.DataType() != dt {
			return false
		}
	}
	return true
}
