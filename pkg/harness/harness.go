package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/txn2/xnat-mrd/pkg/container"
	"github.com/txn2/xnat-mrd/pkg/dataset"
	"github.com/txn2/xnat-mrd/pkg/metadata"
	"github.com/txn2/xnat-mrd/pkg/mrd"
	"github.com/txn2/xnat-mrd/pkg/plugin"
	"github.com/txn2/xnat-mrd/pkg/xnat"
	"github.com/txn2/xnat-mrd/pkg/xnatdb"
)

// Container is the lifecycle of the XNAT container.
type Container interface {
	Server
	Name() string
	Start(ctx context.Context) error
	Terminate(ctx context.Context) error
	DatabaseDSN(ctx context.Context) (string, error)
}

var _ Container = (*container.Instance)(nil)

// Harness owns the resources of one test session: the XNAT container, the
// installed plugin and the REST connection.
type Harness struct {
	cfg       *Config
	container Container
	installer *plugin.Installer
	conn      *Connection
	fetcher   *dataset.Fetcher
	headers   mrd.HeaderReader

	jar plugin.Jar
}

// New builds a Harness backed by a testcontainers XNAT instance and the
// docker CLI.
func New(cfg *Config) *Harness {
	inst := container.New(container.Config{
		Image:          cfg.Container.Image,
		Name:           cfg.Container.Name,
		BuildDir:       cfg.Container.BuildDir(),
		XNATVersion:    cfg.XNAT.Version,
		CSVersion:      cfg.XNAT.CSVersion,
		Username:       cfg.XNAT.Username,
		Password:       cfg.XNAT.Password,
		StartupTimeout: cfg.Container.StartupTimeout,
		KeepInstance:   cfg.Container.KeepInstance,
	})
	docker := container.DockerCLI{Binary: cfg.Container.DockerBinary}
	return NewWithContainer(cfg, inst, docker)
}

// NewWithContainer builds a Harness around an existing container and docker
// runner.
func NewWithContainer(cfg *Config, c Container, docker plugin.Docker, opts ...xnat.Option) *Harness {
	return &Harness{
		cfg:       cfg,
		container: c,
		installer: plugin.NewInstaller(docker, c.Name(), container.PluginDir),
		conn:      NewConnection(c, cfg.XNAT, opts...),
		fetcher: dataset.NewFetcher(cfg.Datasets.CacheDir,
			dataset.WithAPIBase(cfg.Datasets.APIBase),
			dataset.WithRetries(cfg.Datasets.Retries),
		),
		headers: mrd.HeaderReader{H5Dump: cfg.Datasets.H5Dump},
	}
}

// Config returns the harness configuration.
func (h *Harness) Config() *Config {
	return h.cfg
}

// Setup starts XNAT, connects, and installs the plugin jar from the
// configured jar directory, restarting XNAT when the jar was new.
func (h *Harness) Setup(ctx context.Context) error {
	if err := h.cfg.Validate(); err != nil {
		return err
	}

	jar, err := plugin.FindJar(h.cfg.Plugin.JarDir)
	if err != nil {
		return err
	}
	h.jar = jar

	start := time.Now()
	if err := h.Attach(ctx); err != nil {
		return err
	}

	restart, err := h.installer.Install(ctx, jar)
	if err != nil {
		return err
	}
	if restart {
		if err := h.conn.Restart(ctx); err != nil {
			return err
		}
	}

	slog.Info("xnat ready",
		"container", h.container.Name(),
		"plugin", jar.Name(),
		"version", jar.ReportedVersion(),
		"elapsed", time.Since(start).Round(time.Second),
	)
	return nil
}

// Attach starts the container, or reuses a kept one, and connects to it
// without touching the installed plugins.
func (h *Harness) Attach(ctx context.Context) error {
	if err := h.container.Start(ctx); err != nil {
		return err
	}
	return h.conn.Connect(ctx)
}

// Teardown ends the session. Without KeepInstance the container is
// removed; with it, uploaded data is deleted and the container left
// running for the next session.
func (h *Harness) Teardown(ctx context.Context) error {
	var errs []error
	if h.cfg.Container.KeepInstance {
		if err := h.RemoveTestData(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
			errs = append(errs, err)
		}
	}
	if err := h.conn.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := h.container.Terminate(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Jar returns the plugin jar found by Setup.
func (h *Harness) Jar() plugin.Jar {
	return h.jar
}

// Installer returns the plugin installer for the container.
func (h *Harness) Installer() *plugin.Installer {
	return h.installer
}

// Connection returns the REST connection manager.
func (h *Harness) Connection() *Connection {
	return h.conn
}

// Session returns the current REST session.
func (h *Harness) Session() (*xnat.Session, error) {
	return h.conn.Session()
}

// Restart restarts XNAT and reconnects.
func (h *Harness) Restart(ctx context.Context) error {
	return h.conn.Restart(ctx)
}

// EnsureProject creates the configured project when it does not exist.
func (h *Harness) EnsureProject(ctx context.Context) error {
	s, err := h.Session()
	if err != nil {
		return err
	}
	ok, err := s.HasProject(ctx, h.cfg.Project)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.CreateProject(ctx, h.cfg.Project)
}

// RemoveTestData deletes every subject of every project.
func (h *Harness) RemoveTestData(ctx context.Context) error {
	s, err := h.Session()
	if err != nil {
		return err
	}
	if err := s.DeleteAllData(ctx); err != nil {
		return fmt.Errorf("removing test data: %w", err)
	}
	return nil
}

// Fetcher returns the dataset fetcher.
func (h *Harness) Fetcher() *dataset.Fetcher {
	return h.fetcher
}

// Dataset returns the local path of ref, downloading it on first use.
func (h *Harness) Dataset(ctx context.Context, ref dataset.Reference) (string, error) {
	return h.fetcher.Fetch(ctx, ref)
}

// Header reads the flattened MRD header of ref from its local copy.
func (h *Harness) Header(ctx context.Context, ref dataset.Reference) (metadata.Record, error) {
	p, err := h.Dataset(ctx, ref)
	if err != nil {
		return nil, err
	}
	return h.headers.Read(ctx, p, ref.Group())
}

// Upload fetches ref, reads its header and uploads it into the configured
// project. It returns the created archive entries and the header used.
func (h *Harness) Upload(ctx context.Context, ref dataset.Reference) (xnat.Upload, metadata.Record, error) {
	p, err := h.Dataset(ctx, ref)
	if err != nil {
		return xnat.Upload{}, nil, err
	}
	header, err := h.headers.Read(ctx, p, ref.Group())
	if err != nil {
		return xnat.Upload{}, nil, err
	}
	s, err := h.Session()
	if err != nil {
		return xnat.Upload{}, nil, err
	}
	up, err := s.UploadMRD(ctx, h.cfg.Project, p, header)
	if err != nil {
		return xnat.Upload{}, nil, err
	}
	return up, header, nil
}

// Probe opens a read-only connection to XNAT's database.
func (h *Harness) Probe(ctx context.Context) (*xnatdb.Probe, error) {
	dsn, err := h.container.DatabaseDSN(ctx)
	if err != nil {
		return nil, err
	}
	return xnatdb.Open(ctx, dsn)
}
