// Package main provides the xnat-mrd command, which prepares the datasets
// and the XNAT instance used by the MRD plugin integration tests.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/txn2/xnat-mrd/pkg/harness"
)

// version is set at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "xnat-mrd",
		Short: "Manage the XNAT instance and datasets for MRD plugin tests",
		Long: `xnat-mrd prepares everything the MRD plugin integration tests need:
it downloads the reference datasets, runs an XNAT container with the
plugin installed, and cleans up test data between runs.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := parseLogLevel(opts.logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file (default $"+harness.EnvConfigPath+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	cmd.AddCommand(
		newFetchCmd(opts),
		newDatasetsCmd(opts),
		newUpCmd(opts),
		newDownCmd(opts),
		newInstallCmd(opts),
		newCleanCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig reads --config when given, otherwise the file named by
// XNAT_MRD_CONFIG, falling back to defaults.
func (o *rootOptions) loadConfig() (*harness.Config, error) {
	var (
		cfg *harness.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = harness.LoadConfig(o.configPath)
	} else {
		cfg, err = harness.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s", s)
	}
}
