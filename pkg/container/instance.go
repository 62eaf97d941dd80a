package container

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

//go:embed docker
var buildContext embed.FS

// ErrNotStarted is returned by operations that need a running container.
var ErrNotStarted = errors.New("xnat container not started")

const (
	// PluginDir is where XNAT loads plugin jars from inside the container.
	PluginDir = "/data/xnat/home/plugins"

	xnatPort     nat.Port = "8080/tcp"
	postgresPort nat.Port = "5432/tcp"

	defaultStartupTimeout = 15 * time.Minute
	stopTimeout           = 30 * time.Second
)

// Config describes the XNAT container to build and run.
type Config struct {
	Image          string
	Name           string
	BuildDir       string
	XNATVersion    string
	CSVersion      string
	Username       string
	Password       string
	StartupTimeout time.Duration
	KeepInstance   bool
}

// Instance is a running (or runnable) XNAT container.
type Instance struct {
	cfg       Config
	container testcontainers.Container
}

// New creates an Instance; nothing is started until Start.
func New(cfg Config) *Instance {
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	return &Instance{cfg: cfg}
}

// Name returns the docker container name.
func (i *Instance) Name() string {
	return i.cfg.Name
}

// Start builds the image if needed and starts the container, waiting until
// XNAT answers authenticated requests. With KeepInstance an existing
// container of the same name is reused.
func (i *Instance) Start(ctx context.Context) error {
	if i.cfg.KeepInstance && os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		// the reaper would remove the container when the test binary exits
		if err := os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true"); err != nil {
			return fmt.Errorf("disabling reaper: %w", err)
		}
	}

	if err := WriteBuildContext(i.cfg.BuildDir); err != nil {
		return err
	}

	slog.Info("starting xnat container",
		"name", i.cfg.Name,
		"xnat_version", i.cfg.XNATVersion,
		"cs_version", i.cfg.CSVersion,
		"reuse", i.cfg.KeepInstance,
	)

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: i.request(),
		Started:          true,
		Reuse:            i.cfg.KeepInstance,
	})
	if err != nil {
		if c != nil && !i.cfg.KeepInstance {
			_ = c.Terminate(ctx)
		}
		return fmt.Errorf("starting xnat container: %w", err)
	}
	i.container = c

	slog.Info("xnat container ready", "name", i.cfg.Name)
	return nil
}

func (i *Instance) request() testcontainers.ContainerRequest {
	xnatVersion := i.cfg.XNATVersion
	csVersion := i.cfg.CSVersion

	return testcontainers.ContainerRequest{
		FromDockerfile: testcontainers.FromDockerfile{
			Context:    i.cfg.BuildDir,
			Dockerfile: "Dockerfile",
			Repo:       i.cfg.Image,
			Tag:        xnatVersion + "-cs" + csVersion,
			KeepImage:  true,
			BuildArgs: map[string]*string{
				"xnat_version":           &xnatVersion,
				"xnat_cs_plugin_version": &csVersion,
			},
		},
		Name:         i.cfg.Name,
		ExposedPorts: []string{string(xnatPort), string(postgresPort)},
		WaitingFor: wait.ForHTTP("/data/JSESSION").
			WithPort(xnatPort).
			WithBasicAuth(i.cfg.Username, i.cfg.Password).
			WithPollInterval(5 * time.Second).
			WithStartupTimeout(i.cfg.StartupTimeout),
	}
}

// Endpoint returns the base URL of the XNAT web application. The mapped
// port can change across restarts, so callers should not cache it.
func (i *Instance) Endpoint(ctx context.Context) (string, error) {
	host, port, err := i.hostPort(ctx, xnatPort)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%s", host, port), nil
}

// DatabaseDSN returns a libpq connection string for XNAT's database.
func (i *Instance) DatabaseDSN(ctx context.Context) (string, error) {
	host, port, err := i.hostPort(ctx, postgresPort)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("postgres://xnat@%s:%s/xnat?sslmode=disable", host, port), nil
}

func (i *Instance) hostPort(ctx context.Context, port nat.Port) (string, string, error) {
	if i.container == nil {
		return "", "", ErrNotStarted
	}
	host, err := i.container.Host(ctx)
	if err != nil {
		return "", "", fmt.Errorf("resolving container host: %w", err)
	}
	mapped, err := i.container.MappedPort(ctx, port)
	if err != nil {
		return "", "", fmt.Errorf("resolving mapped port %s: %w", port, err)
	}
	return host, mapped.Port(), nil
}

// Restart stops and starts the container, waiting for XNAT again. XNAT only
// scans its plugin directory at startup.
func (i *Instance) Restart(ctx context.Context) error {
	if i.container == nil {
		return ErrNotStarted
	}
	slog.Info("restarting xnat container", "name", i.cfg.Name)

	timeout := stopTimeout
	if err := i.container.Stop(ctx, &timeout); err != nil {
		return fmt.Errorf("stopping xnat container: %w", err)
	}
	if err := i.container.Start(ctx); err != nil {
		return fmt.Errorf("starting xnat container: %w", err)
	}
	return nil
}

// Terminate stops and removes the container unless it is kept.
func (i *Instance) Terminate(ctx context.Context) error {
	if i.container == nil {
		return nil
	}
	if i.cfg.KeepInstance {
		slog.Info("keeping xnat container for reuse", "name", i.cfg.Name)
		return nil
	}
	return i.Stop(ctx)
}

// Stop removes the container even when KeepInstance is set.
func (i *Instance) Stop(ctx context.Context) error {
	if i.container == nil {
		return nil
	}
	slog.Info("stopping xnat container", "name", i.cfg.Name)
	if err := i.container.Terminate(ctx); err != nil {
		return fmt.Errorf("terminating xnat container: %w", err)
	}
	i.container = nil
	return nil
}

// WriteBuildContext writes the embedded Dockerfile and its support files to
// dir, creating it if needed.
func WriteBuildContext(dir string) error {
	if dir == "" {
		return errors.New("build dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating build dir: %w", err)
	}

	return fs.WalkDir(buildContext, "docker", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := buildContext.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading embedded %s: %w", p, err)
		}
		dest := filepath.Join(dir, path.Base(p))
		mode := os.FileMode(0o644)
		if path.Ext(p) == ".sh" {
			mode = 0o755
		}
		// #nosec G306 -- build context files are read by the docker daemon
		if err := os.WriteFile(dest, data, mode); err != nil {
			return fmt.Errorf("writing %s: %w", dest, err)
		}
		return nil
	})
}
