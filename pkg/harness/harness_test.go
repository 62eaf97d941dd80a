package harness

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/xnat-mrd/internal/xnattest"
	"github.com/txn2/xnat-mrd/pkg/container"
	"github.com/txn2/xnat-mrd/pkg/dataset"
)

const testHeader = `<?xml version="1.0"?>
<ismrmrdHeader xmlns="http://www.ismrm.org/ISMRMRD">
  <subjectInformation><patientID>phantom</patientID></subjectInformation>
  <encoding>
    <encodedSpace><matrixSize><x>512</x><y>256</y></matrixSize></encodedSpace>
    <trajectory>cartesian</trajectory>
  </encoding>
</ismrmrdHeader>
`

type fakeContainer struct {
	fakeServer
	started    int
	terminated int
	dsnErr     error
}

func (f *fakeContainer) Name() string { return "xnat_under_test" }

func (f *fakeContainer) Start(context.Context) error {
	f.started++
	return nil
}

func (f *fakeContainer) Terminate(context.Context) error {
	f.terminated++
	return nil
}

func (f *fakeContainer) DatabaseDSN(context.Context) (string, error) {
	if f.dsnErr != nil {
		return "", f.dsnErr
	}
	return "postgres://xnat@localhost:1/xnat?sslmode=disable&connect_timeout=1", nil
}

type fakeDocker struct {
	entries []string
	copies  []string
}

func (d *fakeDocker) ListDir(_ context.Context, container, dir string) ([]string, error) {
	if dir != "/data/xnat/home/plugins" || container != "xnat_under_test" {
		return nil, errors.New("unexpected directory")
	}
	return d.entries, nil
}

func (d *fakeDocker) Copy(_ context.Context, _, dst string) error {
	d.copies = append(d.copies, dst)
	d.entries = append(d.entries, path.Base(dst))
	return nil
}

func (d *fakeDocker) Move(_ context.Context, _, from, to string) error {
	i := slices.Index(d.entries, path.Base(from))
	if i < 0 {
		return errors.New("no such file")
	}
	d.entries[i] = path.Base(to)
	return nil
}

type fixture struct {
	srv       *xnattest.Server
	container *fakeContainer
	docker    *fakeDocker
	harness   *Harness
}

func newFixture(t *testing.T, keep bool, installed ...string) *fixture {
	t.Helper()
	clearEnv(t)

	srv := xnattest.NewServer()
	t.Cleanup(srv.Close)

	jarDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(jarDir, "mrd-1.2.0-xpl.jar"), []byte("jar"), 0o600))

	cfg := DefaultConfig()
	cfg.XNAT = testXNATConfig(5)
	cfg.Plugin.JarDir = jarDir
	cfg.Datasets.CacheDir = t.TempDir()
	cfg.Container.KeepInstance = keep

	c := &fakeContainer{fakeServer: fakeServer{srv: srv}}
	d := &fakeDocker{entries: installed}
	return &fixture{
		srv:       srv,
		container: c,
		docker:    d,
		harness:   NewWithContainer(cfg, c, d),
	}
}

func TestHarness_SetupInstallsPlugin(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.harness.Setup(ctx))
	assert.Equal(t, 1, f.container.started)
	assert.Equal(t, []string{"xnat_under_test:/data/xnat/home/plugins/mrd-1.2.0-xpl.jar"}, f.docker.copies)
	assert.Equal(t, 1, f.container.restarts)
	assert.Equal(t, "1.2.0", f.harness.Jar().Version)
	assert.Equal(t, "1.2.0-xpl", f.harness.Jar().ReportedVersion())

	_, err := f.harness.Session()
	require.NoError(t, err)
	assert.Equal(t, 1, f.srv.OpenSessions())
}

func TestHarness_SetupPluginAlreadyInstalled(t *testing.T) {
	f := newFixture(t, false, "mrd-1.2.0-xpl.jar")

	require.NoError(t, f.harness.Setup(context.Background()))
	assert.Empty(t, f.docker.copies)
	assert.Equal(t, 0, f.container.restarts)
}

func TestHarness_SetupNoJar(t *testing.T) {
	f := newFixture(t, false)
	f.harness.cfg.Plugin.JarDir = t.TempDir()

	err := f.harness.Setup(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, 0, f.container.started)
}

func TestHarness_SetupInvalidConfig(t *testing.T) {
	f := newFixture(t, false)
	f.harness.cfg.Project = ""

	err := f.harness.Setup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation errors")
}

func TestHarness_EnsureProject(t *testing.T) {
	f := newFixture(t, false, "mrd-1.2.0-xpl.jar")
	ctx := context.Background()

	require.ErrorIs(t, f.harness.EnsureProject(ctx), ErrNotConnected)

	require.NoError(t, f.harness.Setup(ctx))
	require.NoError(t, f.harness.EnsureProject(ctx))
	require.NoError(t, f.harness.EnsureProject(ctx))

	s, err := f.harness.Session()
	require.NoError(t, err)
	projects, err := s.Projects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "mrd", projects[0].ID)
}

func writeHeaderDataset(t *testing.T, h *Harness) dataset.Reference {
	t.Helper()
	ref := dataset.Reference{Name: "header", DOI: "doi:10.5281/zenodo.1", File: "header.xml"}
	require.NoError(t, os.WriteFile(h.Fetcher().LocalPath(ref), []byte(testHeader), 0o600))
	return ref
}

func TestHarness_Upload(t *testing.T) {
	f := newFixture(t, false, "mrd-1.2.0-xpl.jar")
	ctx := context.Background()
	require.NoError(t, f.harness.Setup(ctx))
	require.NoError(t, f.harness.EnsureProject(ctx))

	ref := writeHeaderDataset(t, f.harness)
	up, header, err := f.harness.Upload(ctx, ref)
	require.NoError(t, err)

	assert.Equal(t, "mrd", up.Project)
	assert.Equal(t, "512", header["mrd:mrdScanData/encoding/encodedSpace/matrixSize/x"])
	assert.Equal(t, 1, f.srv.SubjectCount("mrd"))

	fields := f.srv.ScanFields(up.Experiment, up.Scan)
	assert.Equal(t, "512", fields["encoding/encodedSpace/matrixSize/x"])
	assert.Equal(t, "cartesian", fields["encoding/trajectory"])

	require.NoError(t, f.harness.RemoveTestData(ctx))
	assert.Equal(t, 0, f.srv.SubjectCount("mrd"))
}

func TestHarness_UploadNotConnected(t *testing.T) {
	f := newFixture(t, false)
	ref := writeHeaderDataset(t, f.harness)

	_, _, err := f.harness.Upload(context.Background(), ref)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestHarness_TeardownRemovesContainer(t *testing.T) {
	f := newFixture(t, false, "mrd-1.2.0-xpl.jar")
	ctx := context.Background()
	require.NoError(t, f.harness.Setup(ctx))
	require.NoError(t, f.harness.EnsureProject(ctx))
	_, _, err := f.harness.Upload(ctx, writeHeaderDataset(t, f.harness))
	require.NoError(t, err)

	require.NoError(t, f.harness.Teardown(ctx))
	assert.Equal(t, 1, f.container.terminated)
	assert.Equal(t, 0, f.srv.OpenSessions())
	// data is left alone, it disappears with the container
	assert.Equal(t, 1, f.srv.SubjectCount("mrd"))
}

func TestHarness_TeardownKeepInstance(t *testing.T) {
	f := newFixture(t, true, "mrd-1.2.0-xpl.jar")
	ctx := context.Background()
	require.NoError(t, f.harness.Setup(ctx))
	require.NoError(t, f.harness.EnsureProject(ctx))
	_, _, err := f.harness.Upload(ctx, writeHeaderDataset(t, f.harness))
	require.NoError(t, err)

	require.NoError(t, f.harness.Teardown(ctx))
	assert.Equal(t, 0, f.srv.SubjectCount("mrd"))
	assert.Equal(t, 0, f.srv.OpenSessions())
}

func TestHarness_TeardownWithoutSetup(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.harness.Teardown(context.Background()))
	assert.Equal(t, 1, f.container.terminated)
}

func TestHarness_RenamePluginAndRestart(t *testing.T) {
	f := newFixture(t, false, "mrd-1.2.0-xpl.jar")
	ctx := context.Background()
	require.NoError(t, f.harness.Setup(ctx))

	require.NoError(t, f.harness.Installer().Rename(ctx, "mrd-1.2.0-xpl.jar", "mrd-0.0.1-xpl.jar"))
	require.NoError(t, f.harness.Restart(ctx))
	assert.Equal(t, 1, f.container.restarts)

	ok, err := f.harness.Installer().Installed(ctx, "mrd-0.0.1-xpl.jar")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHarness_AttachSkipsPlugin(t *testing.T) {
	f := newFixture(t, true)
	f.harness.cfg.Plugin.JarDir = t.TempDir()

	require.NoError(t, f.harness.Attach(context.Background()))
	assert.Equal(t, 1, f.container.started)
	assert.Empty(t, f.docker.copies)
	require.NoError(t, f.harness.RemoveTestData(context.Background()))
}

func TestHarness_ProbeDSNError(t *testing.T) {
	f := newFixture(t, false)
	f.container.dsnErr = container.ErrNotStarted

	_, err := f.harness.Probe(context.Background())
	require.ErrorIs(t, err, container.ErrNotStarted)
}

func TestHarness_Accessors(t *testing.T) {
	f := newFixture(t, false)
	assert.Same(t, f.harness.cfg, f.harness.Config())
	assert.NotNil(t, f.harness.Connection())
	assert.Equal(t, f.harness.cfg.Datasets.CacheDir, f.harness.Fetcher().Dir())
}
