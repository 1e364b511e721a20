package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/logits"
	"github.com/samcharles93/ember/internal/tensor"
	"github.com/samcharles93/ember/internal/weights"
)

type benchShape struct {
	layers, hidden, heads, kvHeads, inter, vocab int64
	dtype                                        string
	seed                                         int64
}

func (s benchShape) hyperparams(ctxLen int) (weights.Hyperparams, error) {
	dt, err := tensor.ParseDataType(s.dtype)
	if err != nil {
		return weights.Hyperparams{}, err
	}
	h := weights.Hyperparams{
		HiddenSize:       int(s.hidden),
		NumHeads:         int(s.heads),
		NumKVHeads:       int(s.kvHeads),
		IntermediateSize: int(s.inter),
		NumLayers:        int(s.layers),
		VocabSize:        int(s.vocab),
		MaxSeqLen:        ctxLen,
		RMSNormEps:       1e-5,
		RopeTheta:        10000,
		DataType:         dt,
	}
	if s.heads > 0 {
		h.HeadDim = int(s.hidden / s.heads)
	}
	return h, h.Validate()
}

type benchRun struct {
	prefill  time.Duration
	decode   time.Duration
	prompt   int
	tokens   int
	duration time.Duration
}

func (r benchRun) prefillTPS() float64 { return float64(r.prompt) / max(r.prefill.Seconds(), 1e-9) }
func (r benchRun) decodeTPS() float64  { return float64(r.tokens) / max(r.decode.Seconds(), 1e-9) }

func benchCmd() *cli.Command {
	var (
		shape      benchShape
		seqLen     int64
		steps      int64
		warmupRuns int64
		benchRuns  int64
		quiet      bool
	)

	flags := append([]cli.Flag{}, backendFlags()...)
	flags = append(flags,
		&cli.Int64Flag{Name: "layers", Value: 4, Destination: &shape.layers, Usage: "decoder layers"},
		&cli.Int64Flag{Name: "hidden", Value: 512, Destination: &shape.hidden, Usage: "hidden size"},
		&cli.Int64Flag{Name: "heads", Value: 8, Destination: &shape.heads, Usage: "attention heads"},
		&cli.Int64Flag{Name: "kv-heads", Value: 2, Destination: &shape.kvHeads, Usage: "key/value heads"},
		&cli.Int64Flag{Name: "intermediate", Aliases: []string{"inter"}, Value: 1408, Destination: &shape.inter, Usage: "feed-forward size"},
		&cli.Int64Flag{Name: "vocab", Value: 4096, Destination: &shape.vocab, Usage: "vocabulary size"},
		&cli.StringFlag{Name: "dtype", Value: "f32", Destination: &shape.dtype, Usage: "stored weight type (f32, f16, bf16)"},
		&cli.Int64Flag{Name: "weights-seed", Value: 1, Destination: &shape.seed, Usage: "synthetic weight seed"},
		&cli.Int64Flag{Name: "seq", Value: 64, Destination: &seqLen, Usage: "prompt tokens per run"},
		&cli.Int64Flag{Name: "steps", Aliases: []string{"n"}, Value: 64, Destination: &steps, Usage: "decode steps per run"},
		&cli.Int64Flag{Name: "warmup", Value: 1, Destination: &warmupRuns, Usage: "number of warmup runs"},
		&cli.Int64Flag{Name: "runs", Value: 3, Destination: &benchRuns, Usage: "number of benchmark runs"},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Destination: &quiet, Usage: "hide the progress bar"},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure prefill and decode throughput on a synthetic model",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, configFromContext(ctx))
			maxSeqLen = 0
			if seqLen <= 0 || steps < 0 || benchRuns <= 0 || warmupRuns < 0 {
				return cli.Exit("error: --seq and --runs must be positive, --steps and --warmup non-negative", 1)
			}

			h, err := shape.hyperparams(int(seqLen + steps))
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			start := time.Now()
			w, err := weights.Synthetic(h, uint64(shape.seed))
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			l, err := build(ctx, w, log)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			defer func() { _ = l.Close() }()
			defer func() { _ = device.Shutdown() }()
			loadDuration := time.Since(start)

			fmt.Println("=== Ember Benchmark ===")
			fmt.Printf("Model:      %d layers, hidden %d, heads %d/%d, vocab %d, %s\n",
				h.NumLayers, h.HiddenSize, h.NumHeads, h.NumKVHeads, h.VocabSize, h.DataType)
			fmt.Printf("Backend:    %s (%s)\n", l.backend.Name(), l.backend.Devices()[0].Name)
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Build:      %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Prompt:     %d tokens, %d decode steps\n", seqLen, steps)
			fmt.Printf("Runs:       %d (+%d warmup)\n", benchRuns, warmupRuns)
			fmt.Println()

			var bar *progressbar.ProgressBar
			if !quiet {
				bar = progressbar.NewOptions64((warmupRuns+benchRuns)*(steps+1),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetDescription("warmup"),
					progressbar.OptionSetWidth(40),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionSetItsString("tok"),
					progressbar.OptionSetTheme(progressbar.Theme{
						Saucer:        "=",
						SaucerHead:    ">",
						SaucerPadding: " ",
						BarStart:      "[",
						BarEnd:        "]",
					}),
				)
			}

			results := make([]benchRun, 0, benchRuns)
			err = device.Enter(l.backend.Devices()[0], func(*device.Context) error {
				for i := range int(warmupRuns + benchRuns) {
					if bar != nil && i == int(warmupRuns) {
						bar.Describe("bench")
					}
					r, err := benchOnce(ctx, l, int(seqLen), int(steps), bar)
					if err != nil {
						return fmt.Errorf("run %d: %w", i+1, err)
					}
					if i >= int(warmupRuns) {
						results = append(results, r)
					}
				}
				return nil
			})
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(os.Stderr)
			}
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %12s %12s %10s %8s\n", "Run", "Prefill", "Decode", "Duration", "Tokens")
			fmt.Printf("%-6s %12s %12s %10s %8s\n", "---", "tok/s", "tok/s", "", "")
			var sumPrefill, sumDecode float64
			for i, r := range results {
				fmt.Printf("%-6d %12.2f %12.2f %10s %8d\n",
					i+1, r.prefillTPS(), r.decodeTPS(), r.duration.Round(time.Millisecond), r.tokens)
				sumPrefill += r.prefillTPS()
				sumDecode += r.decodeTPS()
			}
			n := float64(len(results))
			fmt.Printf("\n%-6s %12.2f %12.2f\n", "Avg", sumPrefill/n, sumDecode/n)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

// benchOnce prefills a fixed prompt into a fresh cache and decodes greedily.
func benchOnce(ctx context.Context, l *loaded, seqLen, steps int, bar *progressbar.ProgressBar) (benchRun, error) {
	m := l.model
	h := m.Hyperparams()
	caches, err := m.NewCache()
	if err != nil {
		return benchRun{}, err
	}
	defer caches.Release()
	q, err := l.backend.NewQueue()
	if err != nil {
		return benchRun{}, err
	}
	defer q.Close()

	prompt := make([]uint32, seqLen)
	for i := range prompt {
		prompt[i] = uint32((i*7 + 3) % h.VocabSize)
	}
	smp := logits.New(logits.Config{})
	r := benchRun{prompt: seqLen}
	start := time.Now()

	hidden, err := m.Update(q, prompt, caches, 0)
	if err != nil {
		return r, err
	}
	row, err := m.Logits(q, hidden)
	if err != nil {
		return r, err
	}
	r.prefill = time.Since(start)
	if bar != nil {
		_ = bar.Add(1)
	}

	history := prompt
	decodeStart := time.Now()
	for pos := seqLen; pos < seqLen+steps; pos++ {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		tok := smp.Sample(row, history)
		history = append(history, tok)
		if hidden, err = m.Update(q, []uint32{tok}, caches, pos); err != nil {
			return r, err
		}
		if row, err = m.Logits(q, hidden); err != nil {
			return r, err
		}
		r.tokens++
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	r.decode = time.Since(decodeStart)
	r.duration = time.Since(start)
	return r, nil
}
