package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "tessera",
		Usage: "Matrix-core GEMM kernel library on an emulated GPU: profile, verify, serve",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			gemmCmd(),
			splitKCmd(),
			gemmReduceCmd(),
			convCmd(),
			softmaxCmd(),
			reduceCmd(),
			permuteCmd(),
			batchNormCmd(),
			attentionCmd(),
			profileCmd(),
			diffCmd(),
			instancesCmd(),
			devicesCmd(),
			serveCmd(),
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
