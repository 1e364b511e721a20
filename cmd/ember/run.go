package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/session"
)

func runCmd() *cli.Command {
	var (
		tokens    string
		maxTokens int64
		sampling  samplingFlags
	)

	flags := append(commonModelFlags(), backendFlags()...)
	flags = append(flags, sampling.flags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "tokens",
			Usage:       "comma separated prompt token ids; \"-\" reads stdin",
			Destination: &tokens,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n"},
			Usage:       "tokens to generate",
			Value:       32,
			Destination: &maxTokens,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate token ids for a prompt of token ids",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFromContext(ctx)
			applyModelConfig(cmd, cfg)
			applySamplingConfig(cmd, cfg, &sampling)

			src := tokens
			if strings.TrimSpace(src) == "-" {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return cli.Exit("error: read stdin: "+err.Error(), 1)
				}
				src = string(b)
			}
			prompt, err := parseTokens(src)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			if len(prompt) == 0 {
				return cli.Exit("error: --tokens is required", 1)
			}

			l, err := loadModel(ctx, log)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			defer func() { _ = l.Close() }()
			defer func() { _ = device.Shutdown() }()

			sessions, err := session.NewManager(l.model,
				session.WithLogger(log),
				session.WithSampling(sampling.config()),
			)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			defer func() { _ = sessions.Close(context.Background()) }()

			first := true
			res, err := sessions.Infer(ctx, session.Request{
				Inputs:    []session.Dialog{{Role: "user", Tokens: prompt}},
				MaxTokens: int(maxTokens),
				OnToken: func(tok uint32) error {
					if !first {
						fmt.Print(",")
					}
					first = false
					fmt.Print(tok)
					return nil
				},
			})
			fmt.Println()
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			secs := res.Elapsed.Seconds()
			log.Info("generation done",
				"prompt", len(prompt),
				"generated", len(res.Tokens),
				"finish", res.Finish,
				"elapsed", res.Elapsed.Round(time.Millisecond),
				"tps", fmt.Sprintf("%.2f", float64(len(res.Tokens)+res.Prefilled)/max(secs, 1e-9)),
			)
			return nil
		},
	}
}
