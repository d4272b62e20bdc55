package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/tessera/internal/profiler"
)

func profileCmd() *cli.Command {
	return &cli.Command{
		Name:      "profile",
		Usage:     "Profile the requests in YAML or JSON files (a file, or every file in a directory)",
		ArgsUsage: "<request file or directory>...",
		Flags:     profileFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, log, err := setup(ctx, cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if cmd.Args().Len() == 0 {
				return cli.Exit("error: at least one request file or directory is required", 1)
			}
			var reqs []profiler.Request
			for _, arg := range cmd.Args().Slice() {
				files, err := discoverRequestFiles(arg)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				for _, f := range files {
					rs, err := loadRequests(f)
					if err != nil {
						return cli.Exit(fmt.Sprintf("error: %v", err), 1)
					}
					reqs = append(reqs, rs...)
				}
			}
			if len(reqs) > 1 && reportOut != "" {
				return cli.Exit("error: --out takes a single request; set "+envReportDir+" to keep several reports", 1)
			}
			log.Info("loaded requests", "count", len(reqs))
			return runRequests(ctx, log, reqs)
		},
	}
}

// loadRequests reads one request, or a list of them, from a YAML or JSON
// file. Unknown keys are rejected.
func loadRequests(path string) ([]profiler.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if len(doc.Content) == 0 {
		return nil, errors.Errorf("%s: no requests", path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var reqs []profiler.Request
	if doc.Content[0].Kind == yaml.SequenceNode {
		err = dec.Decode(&reqs)
	} else {
		var r profiler.Request
		err = dec.Decode(&r)
		reqs = append(reqs, r)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	for i, r := range reqs {
		if r.Family == "" {
			return nil, errors.Errorf("%s: request %d has no family", path, i)
		}
	}
	return reqs, nil
}
