package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/logger"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the compute devices this build can see",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			// A missing driver or GPU still leaves the host listed.
			if err := device.Init(); err != nil {
				log.Debug("device probe", "error", err)
			}
			defer func() { _ = device.Shutdown() }()

			infos := device.All()
			if len(infos) == 0 {
				return cli.Exit("error: "+device.ErrNoDevice.Error(), 1)
			}
			for _, d := range infos {
				fmt.Printf("%s:%d  %s\n", d.Kind, d.Ordinal, d.Name)
				switch d.Kind {
				case device.CPU:
					fmt.Printf("    threads %d, cache line %d B, L1d %s, L2 %s\n",
						d.MaxThreadsPerBlock, d.CacheLine, formatBytes(int64(d.L1D)), formatBytes(int64(d.L2)))
					if len(d.Features) > 0 {
						fmt.Printf("    features %s\n", strings.Join(d.Features, " "))
					}
				default:
					fmt.Printf("    compute %s, %d SMs, warp %d, %d threads/block, %s\n",
						d.ComputeCapability, d.Multiprocessors, d.WarpSize, d.MaxThreadsPerBlock,
						formatBytes(int64(d.TotalMemory)))
				}
			}
			return nil
		},
	}
}

func formatBytes(n int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1f GB", float64(n)/float64(gb))
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(mb))
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(kb))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
