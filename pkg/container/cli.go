package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/txn2/xnat-mrd/pkg/plugin"
)

// execCommandContext is a variable to allow mocking in tests.
var execCommandContext = exec.CommandContext

// CommandError reports a failed docker invocation together with its output.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q returned with error code %d: %s",
		strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// DockerCLI runs docker commands through the docker binary.
type DockerCLI struct {
	// Binary is the docker executable, "docker" when empty.
	Binary string
}

var _ plugin.Docker = (*DockerCLI)(nil)

func (d DockerCLI) binary() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

// Exec runs a command inside container and returns its stdout.
func (d DockerCLI) Exec(ctx context.Context, container string, args ...string) (string, error) {
	return d.run(ctx, append([]string{"exec", container}, args...)...)
}

// Copy copies src to dst; either side may be "<container>:<path>".
func (d DockerCLI) Copy(ctx context.Context, src, dst string) error {
	_, err := d.run(ctx, "cp", src, dst)
	return err
}

// ListDir returns the entries of dir inside container.
func (d DockerCLI) ListDir(ctx context.Context, container, dir string) ([]string, error) {
	out, err := d.Exec(ctx, container, "ls", dir)
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

// Move renames a path inside container.
func (d DockerCLI) Move(ctx context.Context, container, from, to string) error {
	_, err := d.Exec(ctx, container, "mv", from, to)
	return err
}

// Remove force-removes a container by name. A missing container is not an
// error.
func (d DockerCLI) Remove(ctx context.Context, container string) error {
	_, err := d.run(ctx, "rm", "-f", container)
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Output, "No such container") {
		return nil
	}
	return err
}

func (d DockerCLI) run(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{d.binary()}, args...)
	slog.Debug("running docker command", "args", strings.Join(argv, " "))

	cmd := execCommandContext(ctx, argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return "", &CommandError{
			Args:     argv,
			ExitCode: code,
			Output:   stdout.String() + stderr.String(),
			Err:      err,
		}
	}
	return stdout.String(), nil
}
