package profiler

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
)

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// ReadJSON decodes a report written by WriteJSON.
func ReadJSON(rd io.Reader) (*Report, error) {
	var r Report
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Summary is the one-line header printed above the table.
func (r *Report) Summary() string {
	return fmt.Sprintf("%s %s on %s: %s FLOP, %s moved, %d instances, best %s, default %s (%s)",
		r.Family, r.Problem, r.Device,
		humanize.Comma(r.Counts.FLOPs), humanize.Bytes(uint64(max(r.Counts.Bytes, 0))),
		len(r.Runs), orDash(r.Best), orDash(r.Default), r.Elapsed)
}

// Table renders supported runs fastest first, then unsupported ones.
func (r *Report) Table() string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	bestStyle := cellStyle.Bold(true).Foreground(lipgloss.Color("2"))
	failStyle := cellStyle.Foreground(lipgloss.Color("1"))

	rows := r.Supported()
	for _, run := range r.Runs {
		if !run.Supported || run.Error != "" {
			rows = append(rows, run)
		}
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers("Instance", "ms", "TFLOPS", "GB/s", "Status").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case row < len(rows) && rows[row].Instance == r.Best:
				return bestStyle
			case row < len(rows) && rows[row].Error != "":
				return failStyle
			}
			return cellStyle
		})
	for _, run := range rows {
		table.Row(run.Instance, formatMs(run), formatRate(run.TFLOPS, run), formatRate(run.GBps, run), status(run))
	}
	return table.String()
}

func status(run Run) string {
	switch {
	case !run.Supported:
		return "unsupported"
	case run.Error != "":
		return run.Error
	case run.Verified != nil && *run.Verified:
		return "ok (verified)"
	}
	return "ok"
}

func formatMs(run Run) string {
	if !run.Supported || run.Error != "" {
		return "-"
	}
	return fmt.Sprintf("%.4f", run.Ms)
}

func formatRate(v float64, run Run) string {
	if !run.Supported || run.Error != "" || v == 0 {
		return "-"
	}
	return humanize.FtoaWithDigits(v, 3)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
