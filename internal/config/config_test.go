package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
install:
  root: "/games/toontown"
  keep:
    - "screenshots"
    - "*.log"

manifest:
  url: "https://cdn.example.com/patchmanifest.json"
  keyring_file: "/etc/patchd/release.asc"

sync:
  workers: 8
  retries: 3
  timeout: "90s"
  prune: false
  verify: true

game:
  process_names: ["TTREngine", "TTREngine64.exe"]

serve:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Install.Root != "/games/toontown" {
		t.Errorf("expected root /games/toontown, got %s", cfg.Install.Root)
	}
	if cfg.StagingDir() != "/games/toontown/.cache" {
		t.Errorf("expected default staging dir, got %s", cfg.StagingDir())
	}
	if cfg.Manifest.URL != "https://cdn.example.com/patchmanifest.json" {
		t.Errorf("unexpected manifest url %s", cfg.Manifest.URL)
	}
	if !cfg.HasKeyring() {
		t.Error("expected keyring to be configured")
	}
	if cfg.Sync.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Sync.Workers)
	}
	if cfg.RetryCount() != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.RetryCount())
	}
	if time.Duration(cfg.Sync.Timeout) != 90*time.Second {
		t.Errorf("expected 90s timeout, got %s", time.Duration(cfg.Sync.Timeout))
	}
	if cfg.PruneEnabled() {
		t.Error("expected prune to be disabled")
	}
	if !cfg.Sync.Verify {
		t.Error("expected verify to be enabled")
	}
	if len(cfg.Game.ProcessNames) != 2 {
		t.Errorf("expected 2 process names, got %v", cfg.Game.ProcessNames)
	}
	if cfg.Manifest.MaxSize != DefaultManifestMaxSize {
		t.Errorf("expected default max size, got %d", cfg.Manifest.MaxSize)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[install]
root = "/games/toontown"
staging_dir = "/var/cache/patchd"

[manifest]
url = "https://cdn.example.com/patchmanifest.json"

[sync]
timeout = "2m"

[serve]
enabled = true
listen_addr = "127.0.0.1:8787"
secret_file = "/etc/patchd/secret"
debounce = "5s"
auto_update = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StagingDir() != "/var/cache/patchd" {
		t.Errorf("expected explicit staging dir, got %s", cfg.StagingDir())
	}
	if cfg.StagingExclude() != "" {
		t.Errorf("staging outside root should not be excluded, got %q", cfg.StagingExclude())
	}
	if time.Duration(cfg.Sync.Timeout) != 2*time.Minute {
		t.Errorf("expected 2m timeout, got %s", time.Duration(cfg.Sync.Timeout))
	}
	if !cfg.Serve.Enabled || !cfg.Serve.AutoUpdate {
		t.Error("expected serve and auto_update to be enabled")
	}
	if time.Duration(cfg.Serve.Debounce) != 5*time.Second {
		t.Errorf("expected 5s debounce, got %s", time.Duration(cfg.Serve.Debounce))
	}
	if !cfg.PruneEnabled() {
		t.Error("prune should default to true")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "unknown yaml field",
			file:    "config.yaml",
			content: "install:\n  root: /games\n  rooot: /x\n",
			wantErr: "failed to parse",
		},
		{
			name:    "unknown toml field",
			file:    "config.toml",
			content: "[install]\nroot = \"/games\"\nrooot = \"/x\"\n",
			wantErr: "failed to parse",
		},
		{
			name:    "bad duration",
			file:    "config.yaml",
			content: "sync:\n  timeout: soon\n",
			wantErr: "failed to parse",
		},
		{
			name:    "empty file",
			file:    "config.yaml",
			content: "",
			wantErr: "install.root is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func validConfig() Config {
	cfg := Config{
		Install:  InstallConfig{Root: "/games/toontown"},
		Manifest: ManifestConfig{URL: "https://cdn.example.com/manifest.json"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing root",
			mutate:  func(c *Config) { c.Install.Root = "" },
			wantErr: true,
		},
		{
			name:    "relative root",
			mutate:  func(c *Config) { c.Install.Root = "games/toontown" },
			wantErr: true,
		},
		{
			name:    "relative staging dir",
			mutate:  func(c *Config) { c.Install.StagingDir = "cache" },
			wantErr: true,
		},
		{
			name:    "bad keep pattern",
			mutate:  func(c *Config) { c.Install.Keep = []string{"[a-"} },
			wantErr: true,
		},
		{
			name:    "missing manifest url",
			mutate:  func(c *Config) { c.Manifest.URL = "" },
			wantErr: true,
		},
		{
			name:    "non http manifest url",
			mutate:  func(c *Config) { c.Manifest.URL = "ftp://cdn.example.com/manifest.json" },
			wantErr: true,
		},
		{
			name:    "relative manifest url",
			mutate:  func(c *Config) { c.Manifest.URL = "/manifest.json" },
			wantErr: true,
		},
		{
			name:    "negative workers",
			mutate:  func(c *Config) { c.Sync.Workers = -1 },
			wantErr: true,
		},
		{
			name: "negative retries",
			mutate: func(c *Config) {
				n := -1
				c.Sync.Retries = &n
			},
			wantErr: true,
		},
		{
			name: "serve enabled without listen addr",
			mutate: func(c *Config) {
				c.Serve = ServeConfig{Enabled: true, SecretFile: "/secret"}
			},
			wantErr: true,
		},
		{
			name: "serve enabled without secret",
			mutate: func(c *Config) {
				c.Serve = ServeConfig{Enabled: true, ListenAddr: ":8787"}
			},
			wantErr: true,
		},
		{
			name: "serve enabled",
			mutate: func(c *Config) {
				c.Serve = ServeConfig{Enabled: true, ListenAddr: ":8787", SecretFile: "/secret"}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{Install: InstallConfig{Root: "/games"}}
	cfg.applyDefaults()

	if cfg.Sync.Workers != DefaultWorkers {
		t.Errorf("applyDefaults() workers = %d, want %d", cfg.Sync.Workers, DefaultWorkers)
	}
	if cfg.RetryCount() != DefaultRetries {
		t.Errorf("applyDefaults() retries = %d, want %d", cfg.RetryCount(), DefaultRetries)
	}
	if time.Duration(cfg.Sync.Timeout) != DefaultTimeout {
		t.Errorf("applyDefaults() timeout = %s, want %s", time.Duration(cfg.Sync.Timeout), DefaultTimeout)
	}
	if time.Duration(cfg.Serve.Debounce) != DefaultDebounce {
		t.Errorf("applyDefaults() debounce = %s, want %s", time.Duration(cfg.Serve.Debounce), DefaultDebounce)
	}
	if cfg.Install.StagingDir != filepath.Join("/games", DefaultStagingName) {
		t.Errorf("applyDefaults() staging = %s", cfg.Install.StagingDir)
	}

	// Explicit values must not be overwritten
	zero := 0
	prune := false
	cfg2 := Config{Sync: SyncConfig{Workers: 2, Retries: &zero, Prune: &prune}}
	cfg2.applyDefaults()

	if cfg2.Sync.Workers != 2 {
		t.Errorf("applyDefaults() overwrote workers, got %d", cfg2.Sync.Workers)
	}
	if cfg2.RetryCount() != 0 {
		t.Errorf("applyDefaults() overwrote explicit zero retries, got %d", cfg2.RetryCount())
	}
	if cfg2.PruneEnabled() {
		t.Error("applyDefaults() overwrote explicit prune=false")
	}
}

func TestStagingExclude(t *testing.T) {
	tests := []struct {
		name    string
		staging string
		want    string
	}{
		{"default", "", ".cache"},
		{"nested", "/games/toontown/data/tmp", "data/tmp"},
		{"outside root", "/var/cache/patchd", ""},
		{"sibling with common prefix", "/games/toontown-cache", ""},
		{"root itself", "/games/toontown", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Install: InstallConfig{Root: "/games/toontown", StagingDir: tt.staging}}
			if got := cfg.StagingExclude(); got != tt.want {
				t.Errorf("StagingExclude() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	cfg, err := New("/games/toontown", "https://cdn.example.com/manifest.json")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if cfg.Sync.Workers != DefaultWorkers || !cfg.PruneEnabled() {
		t.Errorf("New() did not apply defaults: %+v", cfg.Sync)
	}
	if cfg.StagingExclude() != DefaultStagingName {
		t.Errorf("unexpected staging exclude %q", cfg.StagingExclude())
	}

	if _, err := New("relative", "https://cdn.example.com/manifest.json"); err == nil {
		t.Error("expected error for relative root")
	}
	if _, err := New("/games", ""); err == nil {
		t.Error("expected error for missing manifest url")
	}
}

func TestDefaultPath(t *testing.T) {
	got := DefaultPath()
	if filepath.Base(got) != "config.yaml" || filepath.Base(filepath.Dir(got)) != "patchd" {
		t.Errorf("DefaultPath() = %s", got)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("PATCHD_TEST_HOME", "/home/testuser")

	cfg := Config{
		Install: InstallConfig{
			Root:       "${PATCHD_TEST_HOME}/games",
			StagingDir: "${PATCHD_TEST_HOME}/cache",
		},
		Manifest: ManifestConfig{
			URL:         "https://cdn.example.com/${PATCHD_TEST_HOME}/manifest.json",
			KeyringFile: "${PATCHD_TEST_HOME}/release.asc",
		},
		Sync: SyncConfig{
			UserAgent: "patchd (${PATCHD_TEST_HOME})",
		},
		Serve: ServeConfig{
			ListenAddr: "${PATCHD_TEST_HOME}:8787",
			SecretFile: "${PATCHD_TEST_HOME}/secret",
		},
	}

	cfg.expandEnv()

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"Install.Root", cfg.Install.Root, "/home/testuser/games"},
		{"Install.StagingDir", cfg.Install.StagingDir, "/home/testuser/cache"},
		{"Manifest.URL", cfg.Manifest.URL, "https://cdn.example.com//home/testuser/manifest.json"},
		{"Manifest.KeyringFile", cfg.Manifest.KeyringFile, "/home/testuser/release.asc"},
		{"Sync.UserAgent", cfg.Sync.UserAgent, "patchd (/home/testuser)"},
		{"Serve.ListenAddr", cfg.Serve.ListenAddr, "/home/testuser:8787"},
		{"Serve.SecretFile", cfg.Serve.SecretFile, "/home/testuser/secret"},
	}

	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("expandEnv() %s = %s, want %s", c.name, c.got, c.want)
		}
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatal(err)
	}
	if time.Duration(d) != 90*time.Second {
		t.Errorf("got %s", time.Duration(d))
	}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(text) != "1m30s" {
		t.Errorf("MarshalText() = %s", text)
	}
}
