package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dglo/trigger-testbed-sub000/internal/framing"
	"github.com/dglo/trigger-testbed-sub000/internal/payload"
	"github.com/dglo/trigger-testbed-sub000/internal/runner"
	"github.com/dglo/trigger-testbed-sub000/internal/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--quiet"}, args...))

	err := root.Execute()
	return out.String(), err
}

func generate(t *testing.T, path string, opts generateOptions) string {
	t.Helper()
	_, err := generateFile(path, &opts)
	require.NoError(t, err)
	return path
}

// ========================================
// GENERATE / VERIFY / DUMP
// ========================================

func TestGenerateAndVerify(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"hits.dat", "hits.dat.gz", "reqs.dat.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			args := []string{"generate", path, "--count", "25", "--step", "100"}
			if strings.HasPrefix(name, "reqs") {
				args = append(args, "--requests")
			}
			_, err := execute(t, args...)
			require.NoError(t, err)

			check := verifyFile(path, true)
			assert.True(t, check.OK(), "%+v", check)
			assert.Equal(t, int64(25), check.Records)
			assert.Equal(t, int64(1), check.Stops)
			assert.Equal(t, uint64(10_000_000_000), check.FirstTime)
			assert.Equal(t, uint64(10_000_002_400), check.LastTime)
			assert.Zero(t, check.OutOfOrder)
		})
	}
}

func TestVerifyProblems(t *testing.T) {
	dir := t.TempDir()

	t.Run("StopNotLast", func(t *testing.T) {
		path := filepath.Join(dir, "stop.dat")
		rec := payload.EncodeHit(&payload.Hit{UTCTime: 50})
		data := append(append(append([]byte{}, rec...), framing.EncodeStop()...), rec...)
		require.NoError(t, os.WriteFile(path, data, 0o644))

		check := verifyFile(path, true)
		assert.True(t, check.StopNotLast)
		assert.Zero(t, check.OutOfOrder, "equal timestamps are in order")
		assert.False(t, check.OK())
	})

	t.Run("Truncated", func(t *testing.T) {
		path := filepath.Join(dir, "short.dat")
		rec := payload.EncodeHit(&payload.Hit{UTCTime: 50})
		require.NoError(t, os.WriteFile(path, rec[:len(rec)-3], 0o644))

		check := verifyFile(path, true)
		assert.Contains(t, check.Error, "truncated")
		assert.False(t, check.OK())
	})

	t.Run("Undecodable", func(t *testing.T) {
		path := filepath.Join(dir, "junk.dat")
		// a hit header with a body too short for a hit
		rec := payload.EncodeHit(&payload.Hit{UTCTime: 50})[:20]
		rec[3] = 20
		require.NoError(t, os.WriteFile(path, rec, 0o644))

		check := verifyFile(path, true)
		assert.Equal(t, int64(1), check.DecodeErrors)
		assert.True(t, verifyFile(path, false).OK())
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := execute(t, "verify", filepath.Join(dir, "nope.dat"))
		assert.Error(t, err)
	})
}

func TestDump(t *testing.T) {
	dir := t.TempDir()
	path := generate(t, filepath.Join(dir, "reqs.dat"), generateOptions{count: 3, start: 1000, step: 10, source: 12001, requests: true})

	out, err := execute(t, "dump", path)
	require.NoError(t, err)

	assert.Equal(t, 3, strings.Count(out, "TrigReq@"))
	assert.Equal(t, 3, strings.Count(out, "Hit@"))
	assert.Contains(t, out, "RdoutReq[uid 0 src 4000]")
	assert.Contains(t, out, "STOP")
	assert.Contains(t, out, "3 records, 1 stop, 0 decode errors")

	out, err = execute(t, "dump", path, "--limit", "1", "--summary")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "TrigReq@"))
	assert.NotContains(t, out, "RdoutReq")
}

// ========================================
// COMPARE
// ========================================

func TestCompareCommand(t *testing.T) {
	dir := t.TempDir()
	ref := generate(t, filepath.Join(dir, "ref.dat"), generateOptions{count: 10, start: 1000, step: 10, source: 12001})
	same := generate(t, filepath.Join(dir, "same.dat.zst"), generateOptions{count: 10, start: 1000, step: 10, source: 12001})
	short := generate(t, filepath.Join(dir, "short.dat"), generateOptions{count: 8, start: 1000, step: 10, source: 12001})
	other := generate(t, filepath.Join(dir, "other.dat"), generateOptions{count: 10, start: 1000, step: 10, source: 12002})

	out, err := execute(t, "compare", ref, same)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Output matches reference")

	out, err = execute(t, "compare", ref, short)
	assert.ErrorIs(t, err, errOutputDiffers)
	assert.Contains(t, out, "✗ Output differs from reference")

	result, err := compareFiles(context.Background(), ref, short, true, 0, globalFlags{})
	require.NoError(t, err)
	assert.Equal(t, int64(8), result.Result.Matched)
	assert.Equal(t, int64(2), result.Result.Missed)

	result, err = compareFiles(context.Background(), ref, other, true, 0, globalFlags{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.Result.Failed)
}

// ========================================
// RUN / REPLAY
// ========================================

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	a := generate(t, filepath.Join(dir, "a.dat"), generateOptions{count: 50, start: 1000, step: 20, source: 12001})
	b := generate(t, filepath.Join(dir, "b.dat.gz"), generateOptions{count: 50, start: 1010, step: 20, source: 12002})

	args := []string{"run", "--name", "cli", "--ref-dir", dir,
		"--source", "a=" + a, "--source", "b=" + b,
		"--poll", "5ms", "--no-progress"}

	out, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Reference recorded")
	require.FileExists(t, filepath.Join(dir, "cli-2src.dat"))

	out, err = execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Output matches reference")

	out, err = execute(t, append(args, "--json")...)
	require.NoError(t, err)
	assert.Contains(t, out, `"matched": 100`)
}

func TestRunCommandRequiresSources(t *testing.T) {
	_, err := execute(t, "run", "--name", "empty")
	assert.Error(t, err)
}

func TestReplayCommand(t *testing.T) {
	dir := t.TempDir()
	a := generate(t, filepath.Join(dir, "a.dat"), generateOptions{count: 30, start: 1000, step: 20, source: 12001})
	outDir := filepath.Join(dir, "paced")

	out, err := execute(t, "replay", "--source", "inice="+a, "--out", outDir, "--compress", "gz", "--poll", "5ms", "--batch", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "inice")

	check := verifyFile(filepath.Join(outDir, "inice.dat.gz"), true)
	assert.True(t, check.OK(), "%+v", check)
	assert.Equal(t, int64(30), check.Records)
	assert.Equal(t, int64(1), check.Stops)

	_, err = execute(t, "replay", "--source", a, "--compress", "lz4")
	assert.Error(t, err)
}

func TestReplayClosesSinksOnSetupError(t *testing.T) {
	dir := t.TempDir()
	a := generate(t, filepath.Join(dir, "a.dat"), generateOptions{count: 5, start: 1000, step: 20, source: 12001})
	outDir := filepath.Join(dir, "paced")

	// a directory where the second output file should go makes its sink fail
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "second.dat.gz"), 0o755))

	cfg := runner.DefaultConfig()
	cfg.Sources = []runner.SourceConfig{
		{Name: "first", Files: []string{a}},
		{Name: "second", Files: []string{a}},
	}

	_, err := replayBridges(cfg, outDir, ".gz", types.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second")

	// the first sink was closed, so its gzip stream is complete
	check := verifyFile(filepath.Join(outDir, "first.dat.gz"), true)
	assert.Empty(t, check.Error)
	assert.Zero(t, check.Records)
}

// ========================================
// HELPERS
// ========================================

func TestParseSource(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ii-2.dat", "ii-1.dat"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	src, err := parseSource("inice=" + filepath.Join(dir, "ii-*.dat") + ",/data/extra.dat")
	require.NoError(t, err)
	assert.Equal(t, "inice", src.Name)
	assert.Equal(t, []string{
		filepath.Join(dir, "ii-1.dat"),
		filepath.Join(dir, "ii-2.dat"),
		"/data/extra.dat",
	}, src.Files)

	src, err = parseSource("plain.dat")
	require.NoError(t, err)
	assert.Empty(t, src.Name)
	assert.Equal(t, []string{"plain.dat"}, src.Files)

	_, err = parseSource("empty=")
	assert.Error(t, err)
}
