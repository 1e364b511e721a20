package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ember/internal/logger"
)

type configKey struct{}

func configFromContext(ctx context.Context) Config {
	cfg, _ := ctx.Value(configKey{}).(Config)
	return cfg
}

// setup loads the config file and installs the logger every command reads
// from its context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, cli.Exit("error: config: "+err.Error(), 1)
	}
	applyLoggingConfig(cmd, cfg)
	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.FromOptions(logger.Options{
		Format: logger.Format(logFormat),
		Level:  level,
		Output: os.Stderr,
	})
	if err != nil {
		return ctx, cli.Exit("error: "+err.Error(), 1)
	}
	ctx = context.WithValue(ctx, configKey{}, cfg)
	return logger.WithContext(ctx, log), nil
}

func main() {
	app := &cli.Command{
		Name:   "ember",
		Usage:  "Transformer inference engine",
		Flags:  loggingFlags(),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			serveCmd(),
			runCmd(),
			benchCmd(),
			devicesCmd(),
			listModelsCmd(),
			versionCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
