package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ember/internal/api"
	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/metrics"
	"github.com/samcharles93/ember/internal/session"
)

type serveOptions struct {
	addr          string
	readTimeout   time.Duration
	maxConcurrent int64
	maxTokens     int64
	trace         bool
}

func serveCmd() *cli.Command {
	var (
		o        serveOptions
		sampling samplingFlags
	)

	flags := append(commonModelFlags(), backendFlags()...)
	flags = append(flags, sampling.flags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &o.addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &o.readTimeout,
		},
		&cli.Int64Flag{
			Name:        "max-concurrent",
			Usage:       "requests running forward passes at once",
			Value:       1,
			Destination: &o.maxConcurrent,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Usage:       "decode budget when a request names none",
			Value:       128,
			Destination: &o.maxTokens,
		},
		&cli.BoolFlag{
			Name:        "trace",
			Usage:       "write request spans to stderr",
			Destination: &o.trace,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve sessions over HTTP (/infer, /fork, /drop)",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFromContext(ctx)
			applyModelConfig(cmd, cfg)
			applyServeConfig(cmd, cfg, &o)
			applySamplingConfig(cmd, cfg, &sampling)

			if o.trace {
				shutdown, err := initTracer(os.Stderr)
				if err != nil {
					return cli.Exit("error: tracer: "+err.Error(), 1)
				}
				defer func() { _ = shutdown(context.Background()) }()
			}

			l, err := loadModel(ctx, log)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			defer func() { _ = l.Close() }()
			defer func() { _ = device.Shutdown() }()

			m := metrics.New()
			sessions, err := session.NewManager(l.model,
				session.WithLogger(log),
				session.WithMetrics(m),
				session.WithMaxConcurrent(int(o.maxConcurrent)),
				session.WithMaxTokens(int(o.maxTokens)),
				session.WithSampling(sampling.config()),
			)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := sessions.Close(closeCtx); err != nil {
					log.Warn("session shutdown", "error", err)
				}
			}()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			api.NewServer(sessions, m, log).Register(e)
			log.Info("starting server",
				"address", o.addr,
				"backend", l.backend.Name(),
				"max_seq_len", l.model.MaxSeqLen(),
				"max_concurrent", o.maxConcurrent,
			)
			sc := echo.StartConfig{
				Address: o.addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = o.readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
