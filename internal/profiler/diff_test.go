package profiler

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func report(device string, runs ...Run) *Report {
	return &Report{Family: "gemm", Problem: "256x256x64 rr", Device: device, Runs: runs}
}

func TestCompare(t *testing.T) {
	t.Parallel()

	base := report("gfx908",
		Run{Instance: "a", Supported: true, Ms: 2},
		Run{Instance: "b", Supported: true, Ms: 1},
		Run{Instance: "c", Supported: true, Ms: 3},
		Run{Instance: "d", Supported: false},
	)
	head := report("gfx90a",
		Run{Instance: "a", Supported: true, Ms: 1},
		Run{Instance: "b", Supported: true, Ms: 4},
		Run{Instance: "d", Supported: true, Ms: 1},
		Run{Instance: "e", Supported: true, Ms: 1, Error: "mismatch"},
	)
	d, err := Compare(base, head)
	require.NoError(t, err)

	require.Len(t, d.Deltas, 2)
	assert.Equal(t, "a", d.Deltas[0].Instance)
	assert.InDelta(t, 2.0, d.Deltas[0].Speedup, 1e-12)
	assert.Equal(t, "b", d.Deltas[1].Instance)
	assert.InDelta(t, 0.25, d.Deltas[1].Speedup, 1e-12)
	assert.InDelta(t, 1/1.4142135623730951, d.Geomean, 1e-9)
	assert.InDelta(t, 0.25, d.MinSpeedup, 1e-12)
	assert.InDelta(t, 2.0, d.MaxSpeedup, 1e-12)
	assert.Equal(t, []string{"c"}, d.OnlyBase)
	assert.Equal(t, []string{"d"}, d.OnlyHead)

	assert.Contains(t, d.Summary(), "gfx908 vs gfx90a")
	assert.Contains(t, d.Table(), "0.250x")
}

func TestCompareMismatch(t *testing.T) {
	t.Parallel()

	a := report("gfx908")
	b := report("gfx908")
	b.Family = "gemm_splitk"
	_, err := Compare(a, b)
	assert.Error(t, err)

	b = report("gfx908")
	b.Problem = "128x128x64 rr"
	_, err = Compare(a, b)
	assert.Error(t, err)
}

func TestCompareRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, report("gfx940", Run{Instance: "a", Supported: true, Ms: 0.5}).WriteJSON(&buf))
	rep, err := ReadJSON(&buf)
	require.NoError(t, err)

	d, err := Compare(rep, rep)
	require.NoError(t, err)
	require.Len(t, d.Deltas, 1)
	assert.InDelta(t, 1.0, d.Geomean, 1e-12)
}
