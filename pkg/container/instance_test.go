package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteBuildContext(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "build")
	require.NoError(t, WriteBuildContext(dir))

	for _, name := range []string{"Dockerfile", "entrypoint.sh", "prefs-init.ini", "xnat-conf.properties"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	info, err := os.Stat(filepath.Join(dir, "entrypoint.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100, "entrypoint must be executable")

	dockerfile, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(dockerfile), "ARG xnat_version")
	assert.Contains(t, string(dockerfile), "ARG xnat_cs_plugin_version")
}

func TestWriteBuildContext_RequiresDir(t *testing.T) {
	assert.Error(t, WriteBuildContext(""))
}

func TestInstance_Request(t *testing.T) {
	inst := New(Config{
		Image:       "xnat_mrd_xnat4tests",
		Name:        "xnat_mrd_xnat4tests",
		BuildDir:    "/tmp/build",
		XNATVersion: "1.9.2",
		CSVersion:   "3.7.2",
		Username:    "admin",
		Password:    "admin",
	})
	req := inst.request()

	assert.Equal(t, "xnat_mrd_xnat4tests", req.Name)
	assert.Equal(t, "/tmp/build", req.FromDockerfile.Context)
	assert.Equal(t, "xnat_mrd_xnat4tests", req.FromDockerfile.Repo)
	assert.Equal(t, "1.9.2-cs3.7.2", req.FromDockerfile.Tag)
	require.NotNil(t, req.FromDockerfile.BuildArgs["xnat_version"])
	assert.Equal(t, "1.9.2", *req.FromDockerfile.BuildArgs["xnat_version"])
	assert.Equal(t, "3.7.2", *req.FromDockerfile.BuildArgs["xnat_cs_plugin_version"])
	assert.ElementsMatch(t, []string{"8080/tcp", "5432/tcp"}, req.ExposedPorts)
	assert.NotNil(t, req.WaitingFor)
	assert.Equal(t, defaultStartupTimeout, inst.cfg.StartupTimeout)
}

func TestInstance_NotStarted(t *testing.T) {
	inst := New(Config{Name: "x", StartupTimeout: time.Second})
	ctx := context.Background()

	_, err := inst.Endpoint(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = inst.DatabaseDSN(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, inst.Restart(ctx), ErrNotStarted)
	assert.NoError(t, inst.Terminate(ctx))
	assert.Equal(t, "x", inst.Name())
}
