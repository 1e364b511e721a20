package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/weights"
)

func listModelsCmd() *cli.Command {
	return &cli.Command{
		Name:    "list-models",
		Aliases: []string{"ls", "models"},
		Usage:   "List model directories under the models path",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "models-path",
				Aliases:     []string{"path"},
				Usage:       "directory containing model directories",
				Destination: &modelsPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, configFromContext(ctx))

			dir := strings.TrimSpace(modelsPath)
			if dir == "" {
				dir = strings.TrimSpace(os.Getenv(envEmberModelsDir))
			}
			if dir == "" {
				return cli.Exit("error: --models-path is required unless "+envEmberModelsDir+" is set", 1)
			}

			models, err := discoverModels(dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(models) == 0 {
				log.Info("no models found", "path", dir)
				return nil
			}

			fmt.Printf("Models in %s:\n\n", dir)
			for _, m := range models {
				fmt.Println(describeModel(dir, m))
			}
			fmt.Printf("\n%d model(s) found\n", len(models))
			return nil
		},
	}
}

// describeModel formats one listing line from the directory's shard sizes
// and config.json.
func describeModel(root, dir string) string {
	name := modelDisplayName(root, dir)
	shards, _ := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	var size int64
	for _, s := range shards {
		if st, err := os.Stat(s); err == nil {
			size += st.Size()
		}
	}
	line := fmt.Sprintf("  %-40s %10s", name, formatBytes(size))
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return line
	}
	h, err := weights.ParseConfig(raw)
	if err != nil {
		return line + "  (unsupported config)"
	}
	return line + fmt.Sprintf("  (%d layers, hidden %d, %s, ctx %d)", h.NumLayers, h.HiddenSize, h.DataType, h.MaxSeqLen)
}
