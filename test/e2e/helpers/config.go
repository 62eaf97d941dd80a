//go:build integration

// Package helpers provides test utilities for E2E testing.
package helpers

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/txn2/xnat-mrd/pkg/harness"
)

// E2EConfig holds configuration for E2E tests.
type E2EConfig struct {
	// RepoRoot is the plugin repository; relative harness paths resolve
	// against it.
	RepoRoot string

	// SchemaPath is the plugin's XML schema, relative to RepoRoot.
	SchemaPath string

	// Slow enables tests that restart XNAT more than once.
	Slow bool

	// Test configuration
	Timeout time.Duration
}

// DefaultE2EConfig returns E2E configuration from environment variables with defaults.
func DefaultE2EConfig() *E2EConfig {
	return &E2EConfig{
		RepoRoot:   getEnv("E2E_REPO_ROOT", "../.."),
		SchemaPath: getEnv("E2E_SCHEMA", "src/main/resources/schemas/mrd/mrd.xsd"),
		Slow:       getEnvBool("E2E_SLOW", false),
		Timeout:    getEnvDuration("E2E_TIMEOUT", 30*time.Minute),
	}
}

// Schema returns the absolute schema path.
func (c *E2EConfig) Schema() string {
	return c.resolve(c.SchemaPath)
}

// HarnessConfig loads the harness configuration and anchors its relative
// directories at RepoRoot.
func (c *E2EConfig) HarnessConfig() (*harness.Config, error) {
	cfg, err := harness.Load()
	if err != nil {
		return nil, fmt.Errorf("loading harness config: %w", err)
	}
	cfg.Plugin.JarDir = c.resolve(cfg.Plugin.JarDir)
	cfg.Datasets.CacheDir = c.resolve(cfg.Datasets.CacheDir)
	cfg.Container.WorkDir = c.resolve(cfg.Container.WorkDir)
	return cfg, nil
}

func (c *E2EConfig) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.RepoRoot, p)
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns the environment variable as a bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
