package logits

import "testing"

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical results when sampling the same logits vector.
func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	s1 := New(Config{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := New(Config{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := range 20 {
		a := s1.Sample([]float32{0, 1, 2, 3, 4, 5}, nil)
		b := s2.Sample([]float32{0, 1, 2, 3, 4, 5}, nil)
		if a != b {
			t.Fatalf("draw %d: expected deterministic sample, got %d vs %d", i, a, b)
		}
	}
}

func TestSamplerGreedy(t *testing.T) {
	t.Parallel()
	logs := []float32{-1, 5, 3, 7, 2}
	for _, cfg := range []Config{{Temperature: 0}, {Seed: 99, Temperature: 1, TopK: 1}} {
		if idx := New(cfg).Sample(append([]float32(nil), logs...), nil); idx != 3 {
			t.Fatalf("%+v: expected greedy index 3, got %d", cfg, idx)
		}
	}
}

// With one dominant logit the cumulative probability passes top_p at the
// first candidate, so nothing else can be drawn.
func TestSamplerTopP(t *testing.T) {
	t.Parallel()
	s := New(Config{Seed: 7, Temperature: 1, TopK: 5, TopP: 0.5})
	for range 50 {
		if idx := s.Sample([]float32{10, 0, 0, 0, 0}, nil); idx != 0 {
			t.Fatalf("top-p sampling returned unexpected index %d", idx)
		}
	}
}

func TestSamplerTopKExcludesTail(t *testing.T) {
	t.Parallel()
	s := New(Config{Seed: 3, Temperature: 5, TopK: 2})
	for range 200 {
		idx := s.Sample([]float32{1, 4, 0, 3.9, 2}, nil)
		if idx != 1 && idx != 3 {
			t.Fatalf("top-k=2 returned index %d outside the shortlist", idx)
		}
	}
}

func TestSamplerMinP(t *testing.T) {
	t.Parallel()
	// p(1) is e^5 times p(0); min_p 0.1 drops index 0.
	s := New(Config{Seed: 5, Temperature: 1, TopK: 10, MinP: 0.1})
	for range 100 {
		if idx := s.Sample([]float32{0, 5, 5}, nil); idx == 0 {
			t.Fatal("min-p kept a candidate below the threshold")
		}
	}
}

func TestSamplerRepeatPenalty(t *testing.T) {
	t.Parallel()
	s := New(Config{Temperature: 0, RepeatPenalty: 4})
	logs := []float32{1, 3, 2, -1}
	// token 1 was just generated: 3/4 < 2, so greedy moves to token 2
	if idx := s.Sample(logs, []uint32{1, 1, 9}); idx != 2 {
		t.Fatalf("expected penalised greedy index 2, got %d", idx)
	}
	if logs[1] != 0.75 {
		t.Fatalf("expected penalty applied once, got %v", logs[1])
	}
}

func TestSamplerEmptyLogits(t *testing.T) {
	t.Parallel()
	if idx := New(Config{Temperature: 1}).Sample(nil, nil); idx != 0 {
		t.Fatalf("expected 0 for empty logits, got %d", idx)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	bad := []Config{
		{Temperature: -1},
		{TopK: -2},
		{TopP: 1.5},
		{MinP: -0.1},
		{RepeatPenalty: -1},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("%+v: expected error", c)
		}
	}
	if err := (Config{Temperature: 0.7, TopK: 40, TopP: 0.9}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigMerge(t *testing.T) {
	t.Parallel()
	got := Config{Temperature: 0.2}.Merge(Config{Temperature: 0.8, TopK: 40, TopP: 0.9})
	want := Config{Temperature: 0.2, TopK: 40, TopP: 0.9}
	if got != want {
		t.Fatalf("Merge: got %+v, want %+v", got, want)
	}
}
