package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/xnat-mrd/pkg/dataset"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvXNATVersion, EnvCSVersion, EnvKeepInstance, EnvConfigPath} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	clearEnv(t)

	cfg := DefaultConfig()
	assert.Equal(t, "1.9.2", cfg.XNAT.Version)
	assert.Equal(t, "3.7.2", cfg.XNAT.CSVersion)
	assert.Equal(t, "admin", cfg.XNAT.Username)
	assert.Equal(t, "admin", cfg.XNAT.Password)
	assert.Equal(t, 20, cfg.XNAT.ConnectionAttempts)
	assert.Equal(t, 5*time.Second, cfg.XNAT.ConnectionAttemptSleep)
	assert.Equal(t, "xnat_mrd_xnat4tests", cfg.Container.Name)
	assert.False(t, cfg.Container.KeepInstance)
	assert.Equal(t, filepath.Join(".xnat4tests", "build"), cfg.Container.BuildDir())
	assert.Equal(t, filepath.Join(".xnat4tests", "root"), cfg.Container.RootDir())
	assert.Equal(t, "build/libs", cfg.Plugin.JarDir)
	assert.Equal(t, dataset.DefaultCacheDir, cfg.Datasets.CacheDir)
	assert.Equal(t, dataset.DefaultAPIBase, cfg.Datasets.APIBase)
	assert.Equal(t, "h5dump", cfg.Datasets.H5Dump)
	assert.Equal(t, "mrd", cfg.Project)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
xnat:
  version: "1.8.10"
  username: tester
  password: secret
  connection_attempts: 3
  connection_attempt_sleep: 250ms
container:
  name: custom_xnat
  keep_instance: true
plugin:
  jar_dir: /tmp/libs
datasets:
  cache_dir: /tmp/cache
project: other
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "1.8.10", cfg.XNAT.Version)
	assert.Equal(t, "3.7.2", cfg.XNAT.CSVersion)
	assert.Equal(t, "tester", cfg.XNAT.Username)
	assert.Equal(t, "secret", cfg.XNAT.Password)
	assert.Equal(t, 3, cfg.XNAT.ConnectionAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.XNAT.ConnectionAttemptSleep)
	assert.Equal(t, "custom_xnat", cfg.Container.Name)
	assert.Equal(t, "xnat_mrd_xnat4tests", cfg.Container.Image)
	assert.True(t, cfg.Container.KeepInstance)
	assert.Equal(t, "/tmp/libs", cfg.Plugin.JarDir)
	assert.Equal(t, "/tmp/cache", cfg.Datasets.CacheDir)
	assert.Equal(t, "other", cfg.Project)
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_XNAT_PASSWORD", "from-env")

	cfg, err := LoadConfig(writeConfig(t, "xnat:\n  password: ${TEST_XNAT_PASSWORD}\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.XNAT.Password)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvXNATVersion, "1.8.9")
	t.Setenv(EnvCSVersion, "3.4.3")
	t.Setenv(EnvKeepInstance, "false")

	cfg, err := LoadConfig(writeConfig(t, `
xnat:
  version: "1.9.0"
container:
  keep_instance: true
`))
	require.NoError(t, err)
	assert.Equal(t, "1.8.9", cfg.XNAT.Version)
	assert.Equal(t, "3.4.3", cfg.XNAT.CSVersion)
	assert.False(t, cfg.Container.KeepInstance)
}

func TestLoadConfig_Errors(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")

	_, err = LoadConfig(writeConfig(t, "xnat: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoad(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mrd", cfg.Project)

	t.Setenv(EnvConfigPath, writeConfig(t, "project: from_file\n"))
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "from_file", cfg.Project)
}

func TestKeepInstance(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{value: "", want: false},
		{value: "false", want: false},
		{value: "False", want: false},
		{value: " FALSE ", want: false},
		{value: "true", want: true},
		{value: "1", want: true},
		{value: "0", want: true},
		{value: "yes", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, KeepInstance(tt.value))
		})
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "zero attempts", mutate: func(c *Config) { c.XNAT.ConnectionAttempts = 0 }, wantErr: "connection_attempts"},
		{name: "negative sleep", mutate: func(c *Config) { c.XNAT.ConnectionAttemptSleep = -time.Second }, wantErr: "connection_attempt_sleep"},
		{name: "no username", mutate: func(c *Config) { c.XNAT.Username = "" }, wantErr: "xnat.username"},
		{name: "no container", mutate: func(c *Config) { c.Container.Name = "" }, wantErr: "container.name"},
		{name: "uppercase image", mutate: func(c *Config) { c.Container.Image = "XNAT" }, wantErr: "lowercase"},
		{name: "negative retries", mutate: func(c *Config) { c.Datasets.Retries = -1 }, wantErr: "datasets.retries"},
		{name: "no project", mutate: func(c *Config) { c.Project = "" }, wantErr: "project is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation errors")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
