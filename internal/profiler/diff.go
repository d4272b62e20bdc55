package profiler

import (
	"fmt"
	"math"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
)

// Delta pairs the timings of one instance across two reports.
// Speedup is BaseMs / HeadMs, so values above 1 mean head is faster.
type Delta struct {
	Instance string  `json:"instance"`
	BaseMs   float64 `json:"base_ms"`
	HeadMs   float64 `json:"head_ms"`
	Speedup  float64 `json:"speedup"`
}

type Diff struct {
	Family     string   `json:"family"`
	Problem    string   `json:"problem"`
	BaseDevice string   `json:"base_device"`
	HeadDevice string   `json:"head_device"`
	Deltas     []Delta  `json:"deltas"`
	OnlyBase   []string `json:"only_base,omitempty"`
	OnlyHead   []string `json:"only_head,omitempty"`
	BestBase   string   `json:"best_base,omitempty"`
	BestHead   string   `json:"best_head,omitempty"`
	// Geomean is the geometric mean speedup over Deltas; 0 when empty.
	Geomean    float64 `json:"geomean"`
	MinSpeedup float64 `json:"min_speedup"`
	MaxSpeedup float64 `json:"max_speedup"`
}

// Compare matches the successful runs of two reports of the same problem
// by instance name.
func Compare(base, head *Report) (*Diff, error) {
	if base.Family != head.Family {
		return nil, errors.Errorf("family mismatch: %s vs %s", base.Family, head.Family)
	}
	if base.Problem != head.Problem {
		return nil, errors.Errorf("problem mismatch: %s vs %s", base.Problem, head.Problem)
	}
	d := &Diff{
		Family:     base.Family,
		Problem:    base.Problem,
		BaseDevice: base.Device,
		HeadDevice: head.Device,
		BestBase:   base.Best,
		BestHead:   head.Best,
	}

	headMs := make(map[string]float64)
	for _, run := range head.Supported() {
		headMs[run.Instance] = run.Ms
	}
	seen := make(map[string]bool)
	var logSum float64
	for _, run := range base.Supported() {
		seen[run.Instance] = true
		hm, ok := headMs[run.Instance]
		if !ok {
			d.OnlyBase = append(d.OnlyBase, run.Instance)
			continue
		}
		if run.Ms <= 0 || hm <= 0 {
			continue
		}
		s := run.Ms / hm
		d.Deltas = append(d.Deltas, Delta{Instance: run.Instance, BaseMs: run.Ms, HeadMs: hm, Speedup: s})
		logSum += math.Log(s)
	}
	for _, run := range head.Supported() {
		if !seen[run.Instance] {
			d.OnlyHead = append(d.OnlyHead, run.Instance)
		}
	}

	if n := len(d.Deltas); n > 0 {
		d.Geomean = math.Exp(logSum / float64(n))
		d.MinSpeedup, d.MaxSpeedup = math.Inf(1), math.Inf(-1)
		for _, x := range d.Deltas {
			d.MinSpeedup = min(d.MinSpeedup, x.Speedup)
			d.MaxSpeedup = max(d.MaxSpeedup, x.Speedup)
		}
	}
	slices.SortFunc(d.Deltas, func(a, b Delta) int {
		switch {
		case a.Speedup > b.Speedup:
			return -1
		case a.Speedup < b.Speedup:
			return 1
		}
		return 0
	})
	slices.Sort(d.OnlyBase)
	slices.Sort(d.OnlyHead)
	return d, nil
}

func (d *Diff) Summary() string {
	return fmt.Sprintf("%s %s: %s vs %s, %d common instances, geomean speedup %.3fx (min %.3fx, max %.3fx)",
		d.Family, d.Problem, d.BaseDevice, d.HeadDevice, len(d.Deltas), d.Geomean, d.MinSpeedup, d.MaxSpeedup)
}

// Table renders the deltas, biggest speedup first. Regressions are red.
func (d *Diff) Table() string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	slowStyle := cellStyle.Foreground(lipgloss.Color("1"))
	fastStyle := cellStyle.Foreground(lipgloss.Color("2"))

	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers("Instance", "base ms", "head ms", "speedup").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case row < len(d.Deltas) && d.Deltas[row].Speedup < 1:
				return slowStyle
			case row < len(d.Deltas) && d.Deltas[row].Speedup > 1:
				return fastStyle
			}
			return cellStyle
		})
	for _, x := range d.Deltas {
		table.Row(x.Instance, fmt.Sprintf("%.4f", x.BaseMs), fmt.Sprintf("%.4f", x.HeadMs), fmt.Sprintf("%.3fx", x.Speedup))
	}
	return table.String()
}
