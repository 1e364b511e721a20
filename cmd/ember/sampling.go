package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ember/internal/logits"
)

type samplingFlags struct {
	temperature   float64
	topK          int64
	topP          float64
	minP          float64
	repeatPenalty float64
	seed          int64
	repeatLastN   int
}

func (s *samplingFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature (0 is greedy)",
			Destination: &s.temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "keep the k most likely tokens",
			Destination: &s.topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "nucleus sampling mass",
			Destination: &s.topP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Usage:       "drop tokens below this fraction of the best probability",
			Destination: &s.minP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Usage:       "penalty applied to recently seen tokens",
			Destination: &s.repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampler seed",
			Destination: &s.seed,
		},
	}
}

func (s *samplingFlags) config() logits.Config {
	return logits.Config{
		Seed:          uint64(s.seed),
		Temperature:   float32(s.temperature),
		TopK:          int(s.topK),
		TopP:          float32(s.topP),
		MinP:          float32(s.minP),
		RepeatPenalty: float32(s.repeatPenalty),
		RepeatLastN:   s.repeatLastN,
	}
}

// parseTokens reads a comma or space separated list of token ids.
func parseTokens(s string) ([]uint32, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]uint32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", f, err)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

func formatTokens(tokens []uint32) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = strconv.FormatUint(uint64(t), 10)
	}
	return strings.Join(parts, ",")
}
