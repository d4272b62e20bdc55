package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/profiler"
	"github.com/samcharles93/tessera/pkg/convparam"
	"github.com/samcharles93/tessera/pkg/instance"
)

var conv struct {
	g, n, k, c int
	kBatch     int
	dtype      string
	input      string
	filter     string
	strides    string
	dilations  string
	leftPads   string
	rightPads  string
}

func convFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "g", Usage: "groups", Value: 1, Destination: &conv.g},
		&cli.IntFlag{Name: "n", Usage: "batch", Value: 128, Destination: &conv.n},
		&cli.IntFlag{Name: "k", Usage: "output channels per group", Value: 256, Destination: &conv.k},
		&cli.IntFlag{Name: "c", Usage: "input channels per group", Value: 192, Destination: &conv.c},
		&cli.StringFlag{Name: "input", Usage: "input spatial lengths, e.g. 71x71", Value: "71x71", Destination: &conv.input},
		&cli.StringFlag{Name: "filter", Usage: "filter spatial lengths, e.g. 3x3", Value: "3x3", Destination: &conv.filter},
		&cli.StringFlag{Name: "strides", Usage: "one value or one per spatial dim (default 1)", Destination: &conv.strides},
		&cli.StringFlag{Name: "dilations", Usage: "one value or one per spatial dim (default 1)", Destination: &conv.dilations},
		&cli.StringFlag{Name: "left-pads", Usage: "one value or one per spatial dim (default 0)", Destination: &conv.leftPads},
		&cli.StringFlag{Name: "right-pads", Usage: "one value or one per spatial dim (default 0)", Destination: &conv.rightPads},
		&cli.StringFlag{Name: "dtype", Aliases: []string{"t"}, Usage: "element type (f16, f32)", Value: "f16", Destination: &conv.dtype},
	}
}

func convParams() (*convparam.Params, error) {
	input, err := parseDims(conv.input)
	if err != nil {
		return nil, err
	}
	filter, err := parseSpatial(conv.filter, len(input))
	if err != nil {
		return nil, err
	}
	p := &convparam.Params{
		NumSpatialDims: len(input),
		G:              conv.g, N: conv.n, K: conv.k, C: conv.c,
		InputLengths:  input,
		FilterLengths: filter,
	}
	for _, f := range []struct {
		s   string
		dst *[]int
	}{
		{conv.strides, &p.Strides},
		{conv.dilations, &p.Dilations},
		{conv.leftPads, &p.LeftPads},
		{conv.rightPads, &p.RightPads},
	} {
		if *f.dst, err = parseSpatial(f.s, len(input)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func convRequest(family string) func(*cli.Command) (profiler.Request, error) {
	return func(*cli.Command) (profiler.Request, error) {
		p, err := convParams()
		if err != nil {
			return profiler.Request{}, err
		}
		return profiler.Request{Family: family, DataType: conv.dtype, Conv: p, KBatch: conv.kBatch}, nil
	}
}

func convCmd() *cli.Command {
	return &cli.Command{
		Name:  "conv",
		Usage: "Profile grouped convolution instances (channels-last layouts)",
		Commands: []*cli.Command{
			{
				Name:   "fwd",
				Usage:  "Forward convolution Out = In * Wei",
				Flags:  profileFlags(convFlags()...),
				Action: profileAction(convRequest(instance.FamilyConvFwd)),
			},
			{
				Name:   "bwd-data",
				Usage:  "Input gradient from the output gradient and weights",
				Flags:  profileFlags(convFlags()...),
				Action: profileAction(convRequest(instance.FamilyConvBwdData)),
			},
			{
				Name:  "bwd-weight",
				Usage: "Weight gradient from the input and output gradient",
				Flags: profileFlags(append(convFlags(),
					&cli.IntFlag{Name: "kbatch", Usage: "blocks sharing the N*Ho*Wo reduction (0 = default)", Destination: &conv.kBatch},
				)...),
				Action: profileAction(convRequest(instance.FamilyConvBwdWeight)),
			},
		},
	}
}
