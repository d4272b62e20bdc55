package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveReportOut(t *testing.T) {
	t.Run("explicit output wins", func(t *testing.T) {
		t.Setenv(envReportDir, t.TempDir())
		outPath := filepath.Join(t.TempDir(), "nested", "gemm.json")

		got, err := resolveReportOut(outPath, "gemm", "abc")
		require.NoError(t, err)
		assert.Equal(t, filepath.Clean(outPath), got)
		_, err = os.Stat(filepath.Dir(got))
		assert.NoError(t, err, "output directory is created")
	})

	t.Run("env report dir", func(t *testing.T) {
		envDir := filepath.Join(t.TempDir(), "reports")
		t.Setenv(envReportDir, envDir)

		got, err := resolveReportOut("", "conv_fwd", "abc")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(envDir, "conv_fwd-abc.json"), got)
		st, err := os.Stat(envDir)
		require.NoError(t, err)
		assert.True(t, st.IsDir())
	})

	t.Run("nothing set", func(t *testing.T) {
		t.Setenv(envReportDir, "")
		got, err := resolveReportOut("  ", "gemm", "abc")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestDiscoverRequestFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.json", "c.yml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yaml"), 0o755))

	files, err := discoverRequestFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.json"),
		filepath.Join(dir, "b.yaml"),
		filepath.Join(dir, "c.yml"),
	}, files)

	single := filepath.Join(dir, "notes.txt")
	files, err = discoverRequestFiles(single)
	require.NoError(t, err)
	assert.Equal(t, []string{single}, files)

	_, err = discoverRequestFiles(t.TempDir())
	assert.Error(t, err, "empty directory")
	_, err = discoverRequestFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
	_, err = discoverRequestFiles("")
	assert.Error(t, err)
}
