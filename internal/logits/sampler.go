// Package logits turns a logits vector into the next token id.
package logits

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Config configures a Sampler. A non-positive temperature selects greedy
// decoding.
type Config struct {
	Seed          uint64  `yaml:"seed" json:"seed,omitempty"`
	Temperature   float32 `yaml:"temperature" json:"temperature,omitempty"`
	TopK          int     `yaml:"top_k" json:"top_k,omitempty"`
	TopP          float32 `yaml:"top_p" json:"top_p,omitempty"`
	MinP          float32 `yaml:"min_p" json:"min_p,omitempty"`
	RepeatPenalty float32 `yaml:"repeat_penalty" json:"repeat_penalty,omitempty"`
	RepeatLastN   int     `yaml:"repeat_last_n" json:"repeat_last_n,omitempty"`
}

func (c Config) Validate() error {
	switch {
	case c.Temperature < 0 || math.IsNaN(float64(c.Temperature)):
		return fmt.Errorf("temperature must be >= 0, got %v", c.Temperature)
	case c.TopK < 0:
		return fmt.Errorf("top_k must be >= 0, got %d", c.TopK)
	case c.TopP < 0 || c.TopP > 1:
		return fmt.Errorf("top_p must be in [0, 1], got %v", c.TopP)
	case c.MinP < 0 || c.MinP > 1:
		return fmt.Errorf("min_p must be in [0, 1], got %v", c.MinP)
	case c.RepeatPenalty < 0:
		return fmt.Errorf("repeat_penalty must be >= 0, got %v", c.RepeatPenalty)
	}
	return nil
}

// Merge fills the zero fields of c from d.
func (c Config) Merge(d Config) Config {
	if c.Seed == 0 {
		c.Seed = d.Seed
	}
	if c.Temperature == 0 {
		c.Temperature = d.Temperature
	}
	if c.TopK == 0 {
		c.TopK = d.TopK
	}
	if c.TopP == 0 {
		c.TopP = d.TopP
	}
	if c.MinP == 0 {
		c.MinP = d.MinP
	}
	if c.RepeatPenalty == 0 {
		c.RepeatPenalty = d.RepeatPenalty
	}
	if c.RepeatLastN == 0 {
		c.RepeatLastN = d.RepeatLastN
	}
	return c
}

// Sampler is not safe for concurrent use; each session owns one.
type Sampler struct {
	rng    *rand.Rand
	cfg    Config
	greedy bool

	topIdx []uint32
	topVal []float32
	prob   []float64
	seen   map[uint32]struct{}
}

func New(cfg Config) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed>>1|1)),
		cfg:    cfg,
		greedy: greedy,
		seen:   make(map[uint32]struct{}),
	}
}

// Sample picks the next token. logits is modified in place by the
// repetition penalty. recent is the token history, most recent last.
//
// Order: repetition penalty, temperature, top-k, softmax, min-p, top-p,
// then a draw from what is left.
func (s *Sampler) Sample(logits []float32, recent []uint32) uint32 {
	if len(logits) == 0 {
		return 0
	}
	s.penalize(logits, recent)

	if s.greedy || s.cfg.TopK == 1 {
		return argmax(logits)
	}

	k := min(s.cfg.TopK, len(logits))
	topIdx, topVal := s.topK(logits, k, 1/s.cfg.Temperature)

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	// topVal is sorted, so the first entry is the maximum.
	maxv := topVal[0]
	var sum float64
	for i, v := range topVal {
		prob[i] = math.Exp(float64(v - maxv))
		sum += prob[i]
	}
	for i := range prob {
		prob[i] /= sum
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		n := 0
		var kept float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[n] = prob[i]
				topIdx[n] = topIdx[i]
				kept += prob[i]
				n++
			}
		}
		prob = prob[:n]
		for i := range prob {
			prob[i] /= kept
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	// Draw within the kept mass so a top-p cut does not bias toward the
	// last candidate.
	var mass float64
	for _, p := range prob[:cut] {
		mass += p
	}
	r := s.rng.Float64() * mass
	var c float64
	for i := range cut {
		c += prob[i]
		if r < c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

func (s *Sampler) penalize(logits []float32, recent []uint32) {
	if s.cfg.RepeatPenalty == 1 || len(recent) == 0 {
		return
	}
	clear(s.seen)
	for _, id := range recent[max(len(recent)-s.cfg.RepeatLastN, 0):] {
		if int(id) >= len(logits) {
			continue
		}
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

func argmax(x []float32) uint32 {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return uint32(best)
}

// topK returns the k largest logits scaled by invTemp, largest first.
// Insertion into a sorted shortlist is O(V*K), which is fine for small k.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]uint32, []float32) {
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]
	for i, l := range logits {
		v := l * invTemp
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = uint32(i)
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx, s.topVal = topIdx, topVal
	return topIdx, topVal
}
