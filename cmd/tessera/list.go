package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/pkg/gpu"
)

func newTable(headers ...string) *lgtable.Table {
	cell := lipgloss.NewStyle().Padding(0, 1)
	header := cell.Bold(true).Reverse(true)
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return header
			}
			return cell
		})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func instancesCmd() *cli.Command {
	var family string
	return &cli.Command{
		Name:    "instances",
		Aliases: []string{"ls"},
		Usage:   "List the instance table, optionally one --family",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "family", Aliases: []string{"f"}, Usage: "only this family", Destination: &family},
			&cli.StringFlag{Name: "instances", Usage: "instance table YAML replacing the built-in table", Destination: &settings.Instances},
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &jsonOut},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if _, _, err := setup(ctx, cmd); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			tab, err := loadTable()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if family != "" && !slices.Contains(tab.Families(), family) {
				return cli.Exit(fmt.Sprintf("error: unknown family %q (expected one of %s)", family, strings.Join(tab.Families(), ", ")), 1)
			}
			sums := tab.Summaries(family)
			if jsonOut {
				return printJSON(sums)
			}
			t := newTable("Family", "Instance", "Types", "Priority")
			for _, s := range sums {
				t.Row(s.Family, s.Name, s.Types.String(), strconv.Itoa(s.Priority))
			}
			fmt.Println(t.String())
			fmt.Printf("%d instances\n", len(sums))
			return nil
		},
	}
}

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the emulated devices and the host they run on",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &jsonOut},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			host := gpu.Host()
			if jsonOut {
				return printJSON(map[string]any{"devices": gpu.All(), "host": host})
			}
			t := newTable("Device", "Family", "CUs", "Wave", "LDS", "Matrix cores", "FP64 matrix")
			for _, p := range gpu.All() {
				t.Row(p.Name, p.Family, strconv.Itoa(p.ComputeUnits), strconv.Itoa(p.WaveSize),
					humanize.IBytes(uint64(p.LDSBytes)), yesNo(p.MatrixCores), yesNo(p.FP64Matrix))
			}
			fmt.Println(t.String())
			fmt.Printf("host: %s/%s, %d CPUs (GOMAXPROCS %d), %s, features: %s\n",
				host.GOOS, host.GOARCH, host.CPUs, host.MaxProcs, host.GoVersion, strings.Join(host.Features, " "))
			return nil
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
