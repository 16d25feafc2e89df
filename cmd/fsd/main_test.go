package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/segdist/internal/cache"
	"github.com/Brownie44l1/segdist/internal/config"
	"github.com/Brownie44l1/segdist/internal/frechet"
	"github.com/Brownie44l1/segdist/internal/tally"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithoutArgumentsPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(nil, &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "usage: fsd")
	assert.Empty(t, stdout.String())
}

func TestParseArgs(t *testing.T) {
	var stderr bytes.Buffer
	opts, err := parseArgs([]string{"train", "-size", "500", "gen", "-cachedir", "/tmp/c"}, &stderr)
	require.NoError(t, err)

	assert.Equal(t, "train", opts.trueDir)
	assert.Equal(t, "gen", opts.genDir)

	cfg := config.Default()
	opts.apply(cfg)
	assert.Equal(t, 500, cfg.Tally.Size)
	assert.Equal(t, "/tmp/c", cfg.Cache.Dir)
	// Unset flags leave the configuration alone.
	assert.Equal(t, 30, cfg.Figure.LabelCount)
	assert.Empty(t, cfg.Figure.Output)
}

func TestParseArgsPositionalCount(t *testing.T) {
	var stderr bytes.Buffer
	_, err := parseArgs([]string{"only-one"}, &stderr)
	require.ErrorIs(t, err, errUsage)

	opts, err := parseArgs([]string{"-generator", "g.onnx", "train"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "train", opts.trueDir)
	assert.Empty(t, opts.genDir)

	_, err = parseArgs([]string{"-bogus", "a", "b"}, &stderr)
	require.Error(t, err)
}

func TestParseArgsTerminator(t *testing.T) {
	var stderr bytes.Buffer
	opts, err := parseArgs([]string{"-size", "5", "train", "--", "-gen"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "train", opts.trueDir)
	assert.Equal(t, "-gen", opts.genDir)
	assert.Equal(t, 5, opts.size)

	opts, err = parseArgs([]string{"--", "-train", "-gen"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "-train", opts.trueDir)
	assert.Equal(t, "-gen", opts.genDir)

	_, err = parseArgs([]string{"train", "--", "gen", "-size", "5"}, &stderr)
	require.ErrorIs(t, err, errUsage, "arguments after -- are never flags")
}

func TestTallyDirectoryScansBeforeLoadingModel(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Path = filepath.Join(t.TempDir(), "missing.onnx")
	eng := newEngine(cfg, nil, slog.Default())

	_, err := eng.tallyDirectory(context.Background(), filepath.Join(t.TempDir(), "absent"), 4)
	require.Error(t, err)
	assert.Nil(t, eng.computer)
	assert.NoError(t, eng.err, "the model must not be loaded for a missing directory")
}

func seedCache(t *testing.T, cacheDir, dir string, m *tally.Matrix) {
	t.Helper()
	store := cache.NewFileStore(cacheDir)
	require.NoError(t, store.Prepare(context.Background()))
	key, err := cache.NewKey(dir, m.Rows)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), key, m))
}

func TestRunFromCachedTallies(t *testing.T) {
	cacheDir := t.TempDir()
	trueDir, genDir := t.TempDir(), t.TempDir()

	trueTally, err := tally.MatrixFrom(4, 3, []float64{
		0.5, 0.5, 0,
		0.2, 0.6, 0.2,
		0.1, 0.1, 0.8,
		0.4, 0.3, 0.3,
	})
	require.NoError(t, err)
	genTally, err := tally.MatrixFrom(4, 3, []float64{
		0.9, 0.1, 0,
		0.7, 0.2, 0.1,
		0.6, 0.2, 0.2,
		0.3, 0.3, 0.4,
	})
	require.NoError(t, err)
	seedCache(t, cacheDir, trueDir, trueTally)
	seedCache(t, cacheDir, genDir, genTally)

	// The model paths do not exist: a cached run never loads the model.
	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-cachedir", cacheDir,
		"-size", "4",
		"-model", filepath.Join(t.TempDir(), "missing.onnx"),
		trueDir, genDir,
	}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	want, err := frechet.Distance(trueTally.Scaled(100), genTally.Scaled(100))
	require.NoError(t, err)
	assert.Equal(t,
		fmt.Sprintf("fsd: %f; meandiff: %f; covdiff: %f\n", want.Distance, want.MeanComponent, want.CovComponent),
		stdout.String())

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRunFailsWithoutModelOnCacheMiss(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{
		"-cachedir", t.TempDir(),
		"-size", "4",
		"-model", filepath.Join(t.TempDir(), "missing.onnx"),
		"-model-meta", filepath.Join(t.TempDir(), "missing.json"),
		t.TempDir(), t.TempDir(),
	}, &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Empty(t, stdout.String())
}
