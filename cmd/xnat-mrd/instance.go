package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/txn2/xnat-mrd/pkg/container"
	"github.com/txn2/xnat-mrd/pkg/harness"
	"github.com/txn2/xnat-mrd/pkg/plugin"
	"github.com/txn2/xnat-mrd/pkg/xnat"
)

// withSpinner runs fn while a spinner with suffix runs on w. In quiet mode
// fn runs without one.
func withSpinner(w io.Writer, quiet bool, suffix string, fn func() error) error {
	if quiet {
		return fn()
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = suffix
	s.Start()
	defer s.Stop()

	if err := fn(); err != nil {
		s.FinalMSG = text.FgRed.Sprint("Failed:"+suffix) + "\n"
		return err
	}
	return nil
}

// keptHarness returns a harness whose container outlives the command.
func keptHarness(cfg *harness.Config) *harness.Harness {
	cfg.Container.KeepInstance = true
	return harness.New(cfg)
}

func closeConnection(ctx context.Context, h *harness.Harness) {
	if err := h.Connection().Close(ctx); err != nil {
		slog.Warn("closing xnat session", "error", err)
	}
}

func newUpCmd(opts *rootOptions) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start XNAT with the MRD plugin installed and leave it running",
		Long: `Build and start the XNAT container, install the plugin jar from the
jar directory and create the test project. The container keeps running
afterwards so test runs with XNAT4TEST_KEEP_INSTANCE set can reuse it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			h := keptHarness(cfg)

			suffix := fmt.Sprintf(" Starting XNAT %s (container services %s)...", cfg.XNAT.Version, cfg.XNAT.CSVersion)
			if err := withSpinner(cmd.ErrOrStderr(), quiet, suffix, func() error { return h.Setup(ctx) }); err != nil {
				return err
			}
			defer closeConnection(ctx, h)

			if err := h.EnsureProject(ctx); err != nil {
				return err
			}
			s, err := h.Session()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s XNAT running at %s (container %s)\n", text.FgGreen.Sprint("✓"), s.BaseURL(), cfg.Container.Name)
			fmt.Fprintf(out, "%s plugin %s (%s)\n", text.FgGreen.Sprint("✓"), h.Jar().Name(), h.Jar().ReportedVersion())
			fmt.Fprintf(out, "%s project %s\n", text.FgGreen.Sprint("✓"), cfg.Project)
			reportDatabase(ctx, out, h)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not show a progress spinner")
	return cmd
}

// reportDatabase prints whether XNAT registered the MRD data type in its
// database. Probe failures are logged, not returned: the REST API is what
// the tests rely on.
func reportDatabase(ctx context.Context, out io.Writer, h *harness.Harness) {
	p, err := h.Probe(ctx)
	if err != nil {
		slog.Warn("database probe unavailable", "error", err)
		return
	}
	defer func() { _ = p.Close() }()

	ok, err := p.HasDataType(ctx, xnat.ScanDataType)
	if err != nil {
		slog.Warn("database probe failed", "error", err)
		return
	}
	mark := text.FgGreen.Sprint("✓")
	if !ok {
		mark = text.FgYellow.Sprint("!")
	}
	fmt.Fprintf(out, "%s data type %s registered: %t\n", mark, xnat.ScanDataType, ok)
}

func newDownCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Remove the kept XNAT container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			docker := container.DockerCLI{Binary: cfg.Container.DockerBinary}
			if err := docker.Remove(cmd.Context(), cfg.Container.Name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed container %s\n", cfg.Container.Name)
			return nil
		},
	}
}

func newInstallCmd(opts *rootOptions) *cobra.Command {
	var (
		jarDir string
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the plugin jar into XNAT and check the version it reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if jarDir != "" {
				cfg.Plugin.JarDir = jarDir
			}
			ctx := cmd.Context()
			h := keptHarness(cfg)

			if err := withSpinner(cmd.ErrOrStderr(), quiet, " Installing plugin...", func() error { return h.Setup(ctx) }); err != nil {
				return err
			}
			defer closeConnection(ctx, h)

			s, err := h.Session()
			if err != nil {
				return err
			}
			p, err := s.Plugin(ctx, plugin.ID)
			if err != nil {
				return fmt.Errorf("plugin %s not loaded: %w", plugin.ID, err)
			}
			if p.Version != h.Jar().ReportedVersion() {
				return fmt.Errorf("xnat reports plugin version %s, expected %s", p.Version, h.Jar().ReportedVersion())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", text.FgGreen.Sprint("✓"), p.Name, p.Version)
			return nil
		},
	}

	cmd.Flags().StringVar(&jarDir, "jar-dir", "", "Directory holding the built plugin jar (default from config)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not show a progress spinner")
	return cmd
}

func newCleanCmd(opts *rootOptions) *cobra.Command {
	var cache bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete uploaded test data from the kept XNAT instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			h := keptHarness(cfg)
			if err := h.Attach(ctx); err != nil {
				return err
			}
			defer closeConnection(ctx, h)

			if err := h.RemoveTestData(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed test data")

			if cache {
				if err := os.RemoveAll(cfg.Datasets.CacheDir); err != nil {
					return fmt.Errorf("removing dataset cache: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed dataset cache %s\n", cfg.Datasets.CacheDir)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&cache, "cache", false, "Also delete the downloaded datasets")
	return cmd
}
