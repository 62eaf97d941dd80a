package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/xnat-mrd/pkg/dataset"
	"github.com/txn2/xnat-mrd/pkg/harness"
)

// runCmd executes the root command with args and returns stdout and stderr.
func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// writeConfig writes a config whose dataset cache is a temp dir and
// returns its path and the cache dir.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	t.Setenv(harness.EnvConfigPath, "")
	dir := t.TempDir()
	cache := filepath.Join(dir, "cache")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("datasets:\n  cache_dir: "+cache+"\n"), 0o600))
	return path, cache
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()
	assert.True(t, cmd.SilenceUsage)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"fetch", "datasets", "up", "down", "install", "clean", "version"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLogLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRootCmd_BadLogLevel(t *testing.T) {
	_, _, err := runCmd(t, "version", "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}

func TestVersionCmd(t *testing.T) {
	orig := version
	defer func() { version = orig }()
	version = "1.2.3-test"

	out, _, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "xnat-mrd version 1.2.3-test\n", out)
}

func TestConfigErrors(t *testing.T) {
	_, _, err := runCmd(t, "datasets", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("xnat:\n  connection_attempts: -1\n"), 0o600))
	_, _, err = runCmd(t, "datasets", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation errors")
}

func TestDatasetsCmd(t *testing.T) {
	path, cache := writeConfig(t)

	cached := dataset.NewFetcher(cache).LocalPath(dataset.MultiDataset)
	require.NoError(t, os.MkdirAll(filepath.Dir(cached), 0o750))
	require.NoError(t, os.WriteFile(cached, []byte("mrd"), 0o600))

	out, _, err := runCmd(t, "datasets", "--config", path)
	require.NoError(t, err)

	for _, ref := range dataset.Catalog() {
		assert.Contains(t, out, ref.Name)
		assert.Contains(t, out, ref.DOI)
	}
	assert.Contains(t, out, "dataset_2")

	var multiLine string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, dataset.MultiDataset.DOI) {
			multiLine = line
		}
	}
	assert.Contains(t, multiLine, "yes")
}

func TestFetchCmd_Cached(t *testing.T) {
	path, cache := writeConfig(t)

	local := dataset.NewFetcher(cache).LocalPath(dataset.SingleDataset)
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o750))
	require.NoError(t, os.WriteFile(local, []byte("mrd"), 0o600))

	out, _, err := runCmd(t, "fetch", "single", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "single")
	assert.Contains(t, out, local)
}

func TestFetchCmd_UnknownDataset(t *testing.T) {
	path, _ := writeConfig(t)

	_, _, err := runCmd(t, "fetch", "nope", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dataset: nope")
}

func TestResolveDatasets(t *testing.T) {
	refs, err := resolveDatasets(nil)
	require.NoError(t, err)
	assert.Equal(t, dataset.Catalog(), refs)

	refs, err = resolveDatasets([]string{"multi", "single"})
	require.NoError(t, err)
	assert.Equal(t, []dataset.Reference{dataset.MultiDataset, dataset.SingleDataset}, refs)
}

func TestWithSpinner_Quiet(t *testing.T) {
	var buf bytes.Buffer
	called := false
	require.NoError(t, withSpinner(&buf, true, " working", func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
	assert.Empty(t, buf.String())
}

func TestKeptHarness(t *testing.T) {
	t.Setenv(harness.EnvKeepInstance, "")
	cfg := harness.DefaultConfig()
	h := keptHarness(cfg)
	assert.True(t, h.Config().Container.KeepInstance)
}
