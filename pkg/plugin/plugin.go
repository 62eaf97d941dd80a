// Package plugin locates the locally built MRD plugin jar and installs it
// into the XNAT container's plugin directory.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
)

const (
	// JarPattern matches plugin jars produced by the gradle build.
	JarPattern = "mrd-*xpl.jar"

	// ID is the plugin id reported by XNAT.
	ID = "mrdPlugin"

	// Name is the display name reported by XNAT.
	Name = "XNAT 1.8 ISMRMRD plugin"
)

// ErrNoVersion is returned when a jar file name carries no version.
var ErrNoVersion = errors.New("jar name contains no version - did you pull the latest tags from github before running gradlew?")

var versionPattern = regexp.MustCompile(`mrd-(.+?)-xpl\.jar`)

// Jar is a plugin artifact on the host.
type Jar struct {
	Path    string
	Version string
}

// Name returns the jar file name.
func (j Jar) Name() string {
	return filepath.Base(j.Path)
}

// ReportedVersion is the version string XNAT shows for this jar.
func (j Jar) ReportedVersion() string {
	return j.Version + "-xpl"
}

// FindJar returns the plugin jar in dir. When several match, the last in
// lexical order is used.
func FindJar(dir string) (Jar, error) {
	matches, err := filepath.Glob(filepath.Join(dir, JarPattern))
	if err != nil {
		return Jar{}, fmt.Errorf("globbing plugin jars: %w", err)
	}
	if len(matches) == 0 {
		return Jar{}, fmt.Errorf("plugin jar file not found in %s: %w", dir, fs.ErrNotExist)
	}
	sort.Strings(matches)
	p := matches[len(matches)-1]

	version, err := ParseVersion(filepath.Base(p))
	if err != nil {
		return Jar{}, err
	}
	return Jar{Path: p, Version: version}, nil
}

// ParseVersion extracts the version from a jar file name such as
// "mrd-1.2.0-xpl.jar".
func ParseVersion(name string) (string, error) {
	m := versionPattern.FindStringSubmatch(name)
	if m == nil {
		return "", fmt.Errorf("%s: %w", name, ErrNoVersion)
	}
	return m[1], nil
}

// Docker is the subset of docker operations the installer needs.
type Docker interface {
	ListDir(ctx context.Context, container, dir string) ([]string, error)
	Copy(ctx context.Context, src, dst string) error
	Move(ctx context.Context, container, from, to string) error
}

// Installer places plugin jars into a container's plugin directory.
type Installer struct {
	docker    Docker
	container string
	dir       string
}

// NewInstaller creates an Installer for the named container; dir is the
// plugin directory inside it.
func NewInstaller(docker Docker, container, dir string) *Installer {
	return &Installer{docker: docker, container: container, dir: dir}
}

// Installed reports whether a jar named name is present in the plugin dir.
func (i *Installer) Installed(ctx context.Context, name string) (bool, error) {
	entries, err := i.docker.ListDir(ctx, i.container, i.dir)
	if err != nil {
		return false, fmt.Errorf("listing plugins: %w", err)
	}
	return slices.Contains(entries, name), nil
}

// Install copies jar into the container unless it is already there. It
// reports whether XNAT must be restarted to load the plugin.
func (i *Installer) Install(ctx context.Context, jar Jar) (bool, error) {
	ok, err := i.Installed(ctx, jar.Name())
	if err != nil {
		return false, err
	}
	if ok {
		slog.Info("plugin already installed", "jar", jar.Name())
		return false, nil
	}

	dst := i.container + ":" + path.Join(i.dir, jar.Name())
	slog.Info("installing plugin", "jar", jar.Path, "destination", dst)
	if err := i.docker.Copy(ctx, jar.Path, dst); err != nil {
		return false, fmt.Errorf("copying plugin jar: %w", err)
	}
	return true, nil
}

// Rename renames an installed jar, e.g. to mimic an upgrade to another
// version. XNAT must be restarted afterwards.
func (i *Installer) Rename(ctx context.Context, from, to string) error {
	if err := i.docker.Move(ctx, i.container, path.Join(i.dir, from), path.Join(i.dir, to)); err != nil {
		return fmt.Errorf("renaming plugin %s to %s: %w", from, to, err)
	}
	return nil
}
