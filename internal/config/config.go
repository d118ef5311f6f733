package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultWorkers bounds concurrent file actions
	DefaultWorkers = 4
	// DefaultRetries is the number of extra attempts per download
	DefaultRetries = 1
	// DefaultTimeout bounds a single download
	DefaultTimeout = 5 * time.Minute
	// DefaultManifestMaxSize bounds the manifest document
	DefaultManifestMaxSize int64 = 16 << 20
	// DefaultDebounce coalesces bursts of publish notifications
	DefaultDebounce = 2 * time.Second
	// DefaultStagingName is the staging directory below the installation root
	DefaultStagingName = ".cache"
)

// Duration is a time.Duration read from strings such as "90s" or "5m"
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config represents the complete patchd configuration
type Config struct {
	Install  InstallConfig  `yaml:"install" toml:"install"`
	Manifest ManifestConfig `yaml:"manifest" toml:"manifest"`
	Sync     SyncConfig     `yaml:"sync" toml:"sync"`
	Game     GameConfig     `yaml:"game" toml:"game"`
	Serve    ServeConfig    `yaml:"serve" toml:"serve"`
}

// InstallConfig locates the game installation
type InstallConfig struct {
	Root       string   `yaml:"root" toml:"root"`
	StagingDir string   `yaml:"staging_dir" toml:"staging_dir"`
	Keep       []string `yaml:"keep" toml:"keep"`
}

// ManifestConfig configures where the manifest comes from
type ManifestConfig struct {
	URL         string `yaml:"url" toml:"url"`
	KeyringFile string `yaml:"keyring_file" toml:"keyring_file"`
	MaxSize     int64  `yaml:"max_size" toml:"max_size"`
}

// SyncConfig configures how files are brought up to date
type SyncConfig struct {
	Workers   int      `yaml:"workers" toml:"workers"`
	Retries   *int     `yaml:"retries" toml:"retries"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
	Prune     *bool    `yaml:"prune" toml:"prune"`
	Verify    bool     `yaml:"verify" toml:"verify"`
	UserAgent string   `yaml:"user_agent" toml:"user_agent"`
}

// GameConfig lists game processes that block updates while running
type GameConfig struct {
	ProcessNames []string `yaml:"process_names" toml:"process_names"`
}

// ServeConfig configures the control server
type ServeConfig struct {
	Enabled    bool     `yaml:"enabled" toml:"enabled"`
	ListenAddr string   `yaml:"listen_addr" toml:"listen_addr"`
	SecretFile string   `yaml:"secret_file" toml:"secret_file"`
	Debounce   Duration `yaml:"debounce" toml:"debounce"`
	AutoUpdate bool     `yaml:"auto_update" toml:"auto_update"`
}

// Load reads and parses the configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a configuration document, then expands, defaults and
// validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	var cfg Config
	if isTOML {
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// New builds a validated configuration with defaults for root and
// manifestURL, for use without a configuration file.
func New(root, manifestURL string) (*Config, error) {
	cfg := Config{
		Install:  InstallConfig{Root: root},
		Manifest: ManifestConfig{URL: manifestURL},
	}
	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DefaultPath is the configuration file used when none is given
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "patchd", "config.yaml")
	}
	return filepath.Join("$HOME", ".config", "patchd", "config.yaml")
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Install.Root = os.ExpandEnv(c.Install.Root)
	c.Install.StagingDir = os.ExpandEnv(c.Install.StagingDir)
	c.Manifest.URL = os.ExpandEnv(c.Manifest.URL)
	c.Manifest.KeyringFile = os.ExpandEnv(c.Manifest.KeyringFile)
	c.Sync.UserAgent = os.ExpandEnv(c.Sync.UserAgent)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Install.StagingDir == "" && c.Install.Root != "" {
		c.Install.StagingDir = filepath.Join(c.Install.Root, DefaultStagingName)
	}
	if c.Manifest.MaxSize == 0 {
		c.Manifest.MaxSize = DefaultManifestMaxSize
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = DefaultWorkers
	}
	if c.Sync.Retries == nil {
		n := DefaultRetries
		c.Sync.Retries = &n
	}
	if c.Sync.Timeout == 0 {
		c.Sync.Timeout = Duration(DefaultTimeout)
	}
	if c.Sync.Prune == nil {
		prune := true
		c.Sync.Prune = &prune
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = Duration(DefaultDebounce)
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate install config
	if c.Install.Root == "" {
		return fmt.Errorf("install.root is required")
	}
	if !filepath.IsAbs(c.Install.Root) {
		return fmt.Errorf("install.root must be an absolute path: %s", c.Install.Root)
	}
	if c.Install.StagingDir != "" && !filepath.IsAbs(c.Install.StagingDir) {
		return fmt.Errorf("install.staging_dir must be an absolute path: %s", c.Install.StagingDir)
	}
	for _, pattern := range c.Install.Keep {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid install.keep pattern %q: %w", pattern, err)
		}
	}

	// Validate manifest config
	if c.Manifest.URL == "" {
		return fmt.Errorf("manifest.url is required")
	}
	u, err := url.Parse(c.Manifest.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("manifest.url must be an absolute http(s) URL: %s", c.Manifest.URL)
	}
	if c.Manifest.MaxSize < 0 {
		return fmt.Errorf("manifest.max_size must not be negative")
	}

	// Validate sync config
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Sync.Retries != nil && *c.Sync.Retries < 0 {
		return fmt.Errorf("sync.retries must not be negative")
	}
	if c.Sync.Timeout < 0 {
		return fmt.Errorf("sync.timeout must not be negative")
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.SecretFile == "" {
			return fmt.Errorf("serve.secret_file is required when serve is enabled")
		}
	}

	return nil
}

// StagingDir returns the directory holding partially written files
func (c *Config) StagingDir() string {
	if c.Install.StagingDir != "" {
		return c.Install.StagingDir
	}
	return filepath.Join(c.Install.Root, DefaultStagingName)
}

// StagingExclude returns the staging directory relative to the root in
// slash form, or "" when it lies outside the root
func (c *Config) StagingExclude() string {
	rel, err := filepath.Rel(c.Install.Root, c.StagingDir())
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

// PruneEnabled reports whether files missing from the manifest are deleted
func (c *Config) PruneEnabled() bool {
	return c.Sync.Prune == nil || *c.Sync.Prune
}

// RetryCount returns the configured retries, defaulted when unset
func (c *Config) RetryCount() int {
	if c.Sync.Retries == nil {
		return DefaultRetries
	}
	return *c.Sync.Retries
}

// HasKeyring reports whether manifest signatures are enforced
func (c *Config) HasKeyring() bool {
	return c.Manifest.KeyringFile != ""
}
