package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/profiler"
)

func readReport(path string) (*profiler.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	rep, err := profiler.ReadJSON(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return rep, nil
}

func diffCmd() *cli.Command {
	return &cli.Command{
		Name:      "diff",
		Usage:     "Compare two saved reports of the same problem, instance by instance",
		ArgsUsage: "<base.json> <head.json>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &jsonOut},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 2 {
				return cli.Exit("error: diff takes exactly two report files", 2)
			}
			base, err := readReport(cmd.Args().Get(0))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			head, err := readReport(cmd.Args().Get(1))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			d, err := profiler.Compare(base, head)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if jsonOut {
				return printJSON(d)
			}
			fmt.Println(d.Summary())
			fmt.Println(d.Table())
			if len(d.OnlyBase) > 0 {
				fmt.Printf("only in base: %v\n", d.OnlyBase)
			}
			if len(d.OnlyHead) > 0 {
				fmt.Printf("only in head: %v\n", d.OnlyHead)
			}
			return nil
		},
	}
}
