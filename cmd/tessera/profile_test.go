package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tessera/pkg/instance"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadRequestsList(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "suite.yaml", `
- family: gemm
  dtype: bf16
  layout: rc
  m: 3840
  n: 4096
  k: 4096
- family: conv_fwd
  conv:
    g: 1
    n: 128
    k: 256
    c: 192
    filter: [3, 3]
    input: [71, 71]
    strides: [2, 2]
    left_pads: [1, 1]
    right_pads: [1, 1]
- family: softmax
  lengths: [8, 2048]
  reduce_dims: [1]
`)
	reqs, err := loadRequests(path)
	require.NoError(t, err)
	require.Len(t, reqs, 3)

	assert.Equal(t, instance.FamilyGemm, reqs[0].Family)
	assert.Equal(t, "rc", reqs[0].Layout)
	assert.Equal(t, 3840, reqs[0].M)

	require.NotNil(t, reqs[1].Conv)
	p := reqs[1].Conv.WithDefaults()
	assert.Equal(t, []int{1, 1}, p.Dilations)
	assert.Equal(t, 2, p.NumSpatialDims)
	assert.NoError(t, p.Validate())

	assert.Equal(t, []int{1}, reqs[2].ReduceDims)
}

func TestLoadRequestsSingleJSON(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "one.json", `{"family": "attention", "dtype": "f16", "lengths": [2, 8], "m": 256, "n": 256, "k": 64, "o": 64}`)
	reqs, err := loadRequests(path)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, []int{2, 8}, reqs[0].Lengths)
	assert.Equal(t, 64, reqs[0].O)
}

func TestLoadRequestsRejects(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"empty":          "",
		"unknown key":    "family: gemm\nmm: 3\n",
		"no family":      "m: 3\n",
		"bad yaml":       "family: [gemm\n",
		"list no family": "- family: gemm\n- m: 4\n",
	} {
		_, err := loadRequests(writeFile(t, "r.yaml", body))
		assert.Error(t, err, name)
	}
}
