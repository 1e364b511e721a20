package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ember/internal/kernel"
)

var (
	modelPath   string
	modelsPath  string
	maxSeqLen   int64
	backendName string
	workers     int64
	rmsNormMax  int64
	softmaxMax  int64
	logLevel    string
	logFormat   string
	debug       bool
	configFile  string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model directory (config.json + *.safetensors)",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory containing model directories",
			Destination: &modelsPath,
		},
		&cli.Int64Flag{
			Name:        "max-seq-len",
			Aliases:     []string{"max-context", "c"},
			Usage:       "cap the cache capacity (0 uses the model's context length)",
			Destination: &maxSeqLen,
		},
	}
}

func backendFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, cpu, cuda)",
			Value:       "auto",
			Destination: &backendName,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "cap host worker goroutines (0 uses the device limit)",
			Destination: &workers,
		},
		&cli.Int64Flag{
			Name:        "rms-norm-max",
			Usage:       "longest row rms_norm is tuned for (0 uses the hidden size)",
			Destination: &rmsNormMax,
		},
		&cli.Int64Flag{
			Name:        "softmax-max",
			Usage:       "longest attention row softmax is tuned for (0 uses the context length)",
			Destination: &softmaxMax,
		},
	}
}

// kernelConfig fills unset limits from the model being served.
func kernelConfig(hidden, seq int) kernel.Config {
	cfg := kernel.Config{
		RMSNormMaxSize: int(rmsNormMax),
		SoftmaxMaxSize: int(softmaxMax),
		Workers:        int(workers),
	}
	if cfg.RMSNormMaxSize <= 0 {
		cfg.RMSNormMaxSize = hidden
	}
	if cfg.SoftmaxMaxSize <= 0 {
		cfg.SoftmaxMaxSize = seq
	}
	return cfg
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (default $XDG_CONFIG_HOME/ember/config.yaml)",
			Destination: &configFile,
		},
	}
}
