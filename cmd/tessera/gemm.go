package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/profiler"
	"github.com/samcharles93/tessera/pkg/instance"
)

var (
	gemmM, gemmN, gemmK int
	gemmKBatch          int
	gemmDType           string
	gemmLayout          string
)

func gemmSizeFlags(dtypeDefault string) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "m", Usage: "rows of A and E", Value: 1024, Destination: &gemmM},
		&cli.IntFlag{Name: "n", Usage: "columns of B and E", Value: 1024, Destination: &gemmN},
		&cli.IntFlag{Name: "k", Usage: "reduction length", Value: 1024, Destination: &gemmK},
		&cli.StringFlag{Name: "dtype", Aliases: []string{"t"}, Usage: "element type (f16, bf16, f32, f64, i8)", Value: dtypeDefault, Destination: &gemmDType},
		&cli.StringFlag{Name: "layout", Aliases: []string{"l"}, Usage: "A and B storage, r(ow) or c(olumn) each: rr, rc, cr, cc", Value: "rr", Destination: &gemmLayout},
	}
}

func gemmRequest(family string) func(*cli.Command) (profiler.Request, error) {
	return func(*cli.Command) (profiler.Request, error) {
		return profiler.Request{
			Family:   family,
			DataType: gemmDType,
			Layout:   gemmLayout,
			M:        gemmM,
			N:        gemmN,
			K:        gemmK,
			KBatch:   gemmKBatch,
		}, nil
	}
}

func gemmCmd() *cli.Command {
	return &cli.Command{
		Name:   "gemm",
		Usage:  "Profile every GEMM instance on E = A * B",
		Flags:  profileFlags(gemmSizeFlags("f16")...),
		Action: profileAction(gemmRequest(instance.FamilyGemm)),
	}
}

func splitKCmd() *cli.Command {
	return &cli.Command{
		Name:    "splitk",
		Aliases: []string{"gemm-splitk"},
		Usage:   "Profile split-K GEMM instances, K divided across --kbatch blocks",
		Flags: profileFlags(append(gemmSizeFlags("f16"),
			&cli.IntFlag{Name: "kbatch", Usage: "blocks sharing the K dimension", Value: 4, Destination: &gemmKBatch},
		)...),
		Action: profileAction(gemmRequest(instance.FamilyGemmSplitK)),
	}
}

func gemmReduceCmd() *cli.Command {
	return &cli.Command{
		Name:   "gemm-reduce",
		Usage:  "Profile GEMM + bias + add fused with per-row mean and mean square",
		Flags:  profileFlags(gemmSizeFlags("f16")...),
		Action: profileAction(gemmRequest(instance.FamilyGemmBiasAddReduce)),
	}
}
