package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/profiler"
	"github.com/samcharles93/tessera/pkg/instance"
)

var reduction struct {
	lengths string
	reduce  string
	dtype   string
}

func tensorFlags(lengths, reduce string) []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "lengths", Usage: "tensor lengths, e.g. 8x2048", Value: lengths, Destination: &reduction.lengths},
		&cli.StringFlag{Name: "dtype", Aliases: []string{"t"}, Usage: "element type (f16, f32)", Value: "f16", Destination: &reduction.dtype},
	}
	if reduce != "" {
		flags = append(flags, &cli.StringFlag{Name: "reduce", Usage: "dimensions to reduce, e.g. 1 or 0,2", Value: reduce, Destination: &reduction.reduce})
	}
	return flags
}

func tensorRequest(family string) func(*cli.Command) (profiler.Request, error) {
	return func(*cli.Command) (profiler.Request, error) {
		lengths, err := parseDims(reduction.lengths)
		if err != nil {
			return profiler.Request{}, err
		}
		r := profiler.Request{Family: family, DataType: reduction.dtype, Lengths: lengths}
		if reduction.reduce != "" {
			if r.ReduceDims, err = parseDims(reduction.reduce); err != nil {
				return profiler.Request{}, err
			}
		}
		return r, nil
	}
}

func softmaxCmd() *cli.Command {
	return &cli.Command{
		Name:   "softmax",
		Usage:  "Profile softmax instances over the --reduce dimensions",
		Flags:  profileFlags(tensorFlags("8x2048", "1")...),
		Action: profileAction(tensorRequest(instance.FamilySoftmax)),
	}
}

func reduceCmd() *cli.Command {
	return &cli.Command{
		Name:   "reduce",
		Usage:  "Profile sum reductions over the --reduce dimensions",
		Flags:  profileFlags(tensorFlags("64x4096", "1")...),
		Action: profileAction(tensorRequest(instance.FamilyReduce)),
	}
}

func permuteCmd() *cli.Command {
	return &cli.Command{
		Name:   "permute",
		Usage:  "Profile NCHW to NHWC permutes of a tensor with --lengths",
		Flags:  profileFlags(tensorFlags("16x64x56x56", "")...),
		Action: profileAction(tensorRequest(instance.FamilyPermute)),
	}
}

func batchNormCmd() *cli.Command {
	return &cli.Command{
		Name:    "batchnorm",
		Aliases: []string{"bn"},
		Usage:   "Profile inference batch norm over the last (channel) dimension",
		Flags:   profileFlags(tensorFlags("16x28x28x256", "")...),
		Action:  profileAction(tensorRequest(instance.FamilyBatchNormInfer)),
	}
}

var attn struct {
	g0, g1     int
	m, n, k, o int
}

func attentionCmd() *cli.Command {
	return &cli.Command{
		Name:  "attention",
		Usage: "Profile fused softmax(Q*K^T*scale)*V with a [G0, M, G1, O] output",
		Flags: profileFlags(
			&cli.IntFlag{Name: "g0", Usage: "batch", Value: 2, Destination: &attn.g0},
			&cli.IntFlag{Name: "g1", Usage: "heads", Value: 8, Destination: &attn.g1},
			&cli.IntFlag{Name: "m", Usage: "query length", Value: 256, Destination: &attn.m},
			&cli.IntFlag{Name: "n", Usage: "key length", Value: 256, Destination: &attn.n},
			&cli.IntFlag{Name: "k", Usage: "query/key head size", Value: 64, Destination: &attn.k},
			&cli.IntFlag{Name: "o", Usage: "value head size", Value: 64, Destination: &attn.o},
		),
		Action: profileAction(func(*cli.Command) (profiler.Request, error) {
			return profiler.Request{
				Family:   instance.FamilyAttention,
				DataType: "f16",
				Lengths:  []int{attn.g0, attn.g1},
				M:        attn.m, N: attn.n, K: attn.k, O: attn.o,
			}, nil
		}),
	}
}
