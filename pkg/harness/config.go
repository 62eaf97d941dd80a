// Package harness wires the pieces of an XNAT MRD test run together:
// configuration, the XNAT container, plugin installation and a REST
// connection that survives server restarts.
package harness

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/xnat-mrd/pkg/dataset"
)

// Environment variables that override configuration values.
const (
	EnvXNATVersion  = "XNAT_VERSION"
	EnvCSVersion    = "XNAT_CS_VERSION"
	EnvKeepInstance = "XNAT4TEST_KEEP_INSTANCE"
	EnvConfigPath   = "XNAT_MRD_CONFIG"
)

const (
	defaultXNATVersion            = "1.9.2"
	defaultCSVersion              = "3.7.2"
	defaultUsername               = "admin"
	defaultPassword               = "admin"
	defaultConnectionAttempts     = 20
	defaultConnectionAttemptSleep = 5 * time.Second
	defaultRequestTimeout         = 60 * time.Second
	defaultContainerName          = "xnat_mrd_xnat4tests"
	defaultImage                  = "xnat_mrd_xnat4tests"
	defaultStartupTimeout         = 15 * time.Minute
	defaultWorkDir                = ".xnat4tests"
	defaultJarDir                 = "build/libs"
	defaultFetchRetries           = 5
	defaultProject                = "mrd"
)

// Config is the harness configuration.
type Config struct {
	XNAT      XNATConfig      `yaml:"xnat"`
	Container ContainerConfig `yaml:"container"`
	Plugin    PluginConfig    `yaml:"plugin"`
	Datasets  DatasetsConfig  `yaml:"datasets"`

	// Project is the XNAT project tests upload into.
	Project string `yaml:"project"`
}

// XNATConfig describes the server and how to reach it.
type XNATConfig struct {
	Version                string        `yaml:"version"`
	CSVersion              string        `yaml:"cs_version"`
	Username               string        `yaml:"username"`
	Password               string        `yaml:"password"`
	ConnectionAttempts     int           `yaml:"connection_attempts"`
	ConnectionAttemptSleep time.Duration `yaml:"connection_attempt_sleep"`
	RequestTimeout         time.Duration `yaml:"request_timeout"`
}

// ContainerConfig describes the docker container running XNAT.
type ContainerConfig struct {
	Image          string        `yaml:"image"`
	Name           string        `yaml:"name"`
	WorkDir        string        `yaml:"work_dir"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	DockerBinary   string        `yaml:"docker_binary"`

	// KeepInstance leaves the container running after the run so the next
	// one can reuse it.
	KeepInstance bool `yaml:"keep_instance"`
}

// BuildDir is where the docker build context is written.
func (c ContainerConfig) BuildDir() string {
	return filepath.Join(c.WorkDir, "build")
}

// RootDir is the host-side XNAT root directory.
func (c ContainerConfig) RootDir() string {
	return filepath.Join(c.WorkDir, "root")
}

// PluginConfig locates the plugin artifact.
type PluginConfig struct {
	JarDir string `yaml:"jar_dir"`
}

// DatasetsConfig configures the dataset cache.
type DatasetsConfig struct {
	CacheDir string `yaml:"cache_dir"`
	APIBase  string `yaml:"api_base"`
	Retries  int    `yaml:"retries"`

	// H5Dump is the h5dump executable used to read MRD headers.
	H5Dump string `yaml:"h5dump"`
}

// DefaultConfig returns the configuration used when no file is given,
// with environment overrides applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg
}

// LoadConfig loads configuration from a YAML file. ${VAR} references are
// expanded before parsing and environment overrides are applied after.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args or XNAT_MRD_CONFIG
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	return &cfg, nil
}

// Load reads the file named by XNAT_MRD_CONFIG, or returns DefaultConfig
// when it is unset.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadConfig(path)
	}
	return DefaultConfig(), nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.XNAT.Version == "" {
		cfg.XNAT.Version = defaultXNATVersion
	}
	if cfg.XNAT.CSVersion == "" {
		cfg.XNAT.CSVersion = defaultCSVersion
	}
	if cfg.XNAT.Username == "" {
		cfg.XNAT.Username = defaultUsername
	}
	if cfg.XNAT.Password == "" {
		cfg.XNAT.Password = defaultPassword
	}
	if cfg.XNAT.ConnectionAttempts == 0 {
		cfg.XNAT.ConnectionAttempts = defaultConnectionAttempts
	}
	if cfg.XNAT.ConnectionAttemptSleep == 0 {
		cfg.XNAT.ConnectionAttemptSleep = defaultConnectionAttemptSleep
	}
	if cfg.XNAT.RequestTimeout == 0 {
		cfg.XNAT.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Container.Image == "" {
		cfg.Container.Image = defaultImage
	}
	if cfg.Container.Name == "" {
		cfg.Container.Name = defaultContainerName
	}
	if cfg.Container.WorkDir == "" {
		cfg.Container.WorkDir = defaultWorkDir
	}
	if cfg.Container.StartupTimeout == 0 {
		cfg.Container.StartupTimeout = defaultStartupTimeout
	}
	if cfg.Container.DockerBinary == "" {
		cfg.Container.DockerBinary = "docker"
	}
	if cfg.Plugin.JarDir == "" {
		cfg.Plugin.JarDir = defaultJarDir
	}
	if cfg.Datasets.CacheDir == "" {
		cfg.Datasets.CacheDir = dataset.DefaultCacheDir
	}
	if cfg.Datasets.APIBase == "" {
		cfg.Datasets.APIBase = dataset.DefaultAPIBase
	}
	if cfg.Datasets.H5Dump == "" {
		cfg.Datasets.H5Dump = "h5dump"
	}
	if cfg.Datasets.Retries == 0 {
		cfg.Datasets.Retries = defaultFetchRetries
	}
	if cfg.Project == "" {
		cfg.Project = defaultProject
	}
}

// applyEnv applies the environment overrides the CI workflow sets.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvXNATVersion); v != "" {
		cfg.XNAT.Version = v
	}
	if v := os.Getenv(EnvCSVersion); v != "" {
		cfg.XNAT.CSVersion = v
	}
	if v := os.Getenv(EnvKeepInstance); v != "" {
		cfg.Container.KeepInstance = KeepInstance(v)
	}
}

// KeepInstance interprets XNAT4TEST_KEEP_INSTANCE: anything other than an
// empty value or "false" (any case) keeps the container.
func KeepInstance(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.EqualFold(v, "false")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.XNAT.ConnectionAttempts < 1 {
		errs = append(errs, errors.New("xnat.connection_attempts must be at least 1"))
	}
	if c.XNAT.ConnectionAttemptSleep < 0 {
		errs = append(errs, errors.New("xnat.connection_attempt_sleep must not be negative"))
	}
	if c.XNAT.Username == "" {
		errs = append(errs, errors.New("xnat.username is required"))
	}
	if c.Container.Name == "" {
		errs = append(errs, errors.New("container.name is required"))
	}
	if c.Container.Image != strings.ToLower(c.Container.Image) {
		errs = append(errs, fmt.Errorf("container.image %q must be lowercase", c.Container.Image))
	}
	if c.Datasets.Retries < 0 {
		errs = append(errs, errors.New("datasets.retries must not be negative"))
	}
	if c.Project == "" {
		errs = append(errs, errors.New("project is required"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config validation errors: %w", err)
	}
	return nil
}
