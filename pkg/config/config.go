// Package config loads and hot-reloads the TOML configuration for the
// cockpitwsd daemon: listener settings, TLS, document roots, bridge
// invocation, and per-host secure-shell overrides.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Duration marshals/unmarshals as a Go duration string ("30s", "5m") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Config is the complete set of daemon knobs (spec.md §6).
type Config struct {
	// ListenAddress is the TCP address the web listener binds (component C).
	ListenAddress string `toml:"listen_address"`

	// TLSCertFile / TLSKeyFile configure the optional TLS certificate; when
	// either is empty, the listener never sniffs for TLS and serves plaintext
	// only (no redirect state is ever entered).
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`

	// DocumentRoots are resolved via filepath.EvalSymlinks at load time; the
	// resolved, absolute form is what the web listener's default resource
	// handler ever compares paths against.
	DocumentRoots []string `toml:"document_roots"`

	// SSLExceptionPrefix names a path prefix exempted from the TLS redirect
	// (health checks reachable in clear even when TLS is configured).
	SSLExceptionPrefix string `toml:"ssl_exception_prefix"`

	// RequestInactivityTimeout closes a connection that produces no bytes for
	// this long (default 30s, spec.md §4.C).
	RequestInactivityTimeout Duration `toml:"request_inactivity_timeout"`

	// MaxRequestHeaderBytes bounds accepted header bytes; the hard per
	// connection ceiling is always 2x this value (spec.md §4.C).
	MaxRequestHeaderBytes int `toml:"max_request_header_bytes"`

	// SessionIdleTimeout is how long a session with no attached sockets is
	// kept alive before disposal (spec.md §5).
	SessionIdleTimeout Duration `toml:"session_idle_timeout"`

	// PingInterval, when nonzero, makes the session ping the bridge on this
	// cadence and close with "internal-error" if no pong answers in time
	// (supplemented feature, SPEC_FULL.md §9.1).
	PingInterval Duration `toml:"ping_interval"`

	// BridgeProgram is the path to the bridge executable spawned for local
	// sessions (component A, spawn variant).
	BridgeProgram string `toml:"bridge_program"`

	// KnownHostsFile is read afresh on every secure-shell connect to a remote
	// host; there is no caching and no mtime check.
	KnownHostsFile string `toml:"known_hosts_file"`

	// HostPortOverrides maps a remote host name to a non-default SSH port
	// (SPEC_FULL.md §9.2).
	HostPortOverrides map[string]int `toml:"host_port_overrides"`

	// GlobalDebug and DebugServices configure pkg/log at startup.
	GlobalDebug   bool     `toml:"debug"`
	DebugServices []string `toml:"debug_services"`

	// LogFile, if set, redirects all logging there instead of stderr.
	LogFile string `toml:"log_file"`
}

// GetDefaultConfig returns the configuration used when no file is present.
func GetDefaultConfig() *Config {
	return &Config{
		ListenAddress:             "localhost:9090",
		DocumentRoots:             []string{GetDefaultDocumentRoot()},
		SSLExceptionPrefix:        "/health",
		RequestInactivityTimeout:  Duration{30 * time.Second},
		MaxRequestHeaderBytes:     4096,
		SessionIdleTimeout:        Duration{15 * time.Minute},
		PingInterval:              Duration{0},
		BridgeProgram:             "/usr/libexec/cockpit-bridge",
		KnownHostsFile:            GetDefaultKnownHostsFile(),
		HostPortOverrides:         make(map[string]int),
		DebugServices:             nil,
	}
}

// LoadConfig reads configPath, falling back to GetDefaultConfig when the file
// does not exist. Zero-value fields in a present file are filled from the
// default so a minimal config.toml only needs to mention overrides.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := *GetDefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// normalize fills any zero-valued knob with its default and resolves document
// roots to their real, symlink-free, absolute path (spec.md §6).
func (c *Config) normalize() error {
	def := GetDefaultConfig()

	if c.ListenAddress == "" {
		c.ListenAddress = def.ListenAddress
	}
	if c.RequestInactivityTimeout.Duration == 0 {
		c.RequestInactivityTimeout = def.RequestInactivityTimeout
	}
	if c.MaxRequestHeaderBytes == 0 {
		c.MaxRequestHeaderBytes = def.MaxRequestHeaderBytes
	}
	if c.SessionIdleTimeout.Duration == 0 {
		c.SessionIdleTimeout = def.SessionIdleTimeout
	}
	if c.BridgeProgram == "" {
		c.BridgeProgram = def.BridgeProgram
	}
	if c.KnownHostsFile == "" {
		c.KnownHostsFile = def.KnownHostsFile
	}
	if c.HostPortOverrides == nil {
		c.HostPortOverrides = make(map[string]int)
	}
	if len(c.DocumentRoots) == 0 {
		c.DocumentRoots = def.DocumentRoots
	}

	resolved := make([]string, 0, len(c.DocumentRoots))
	var rootErrs *multierror.Error
	for _, root := range c.DocumentRoots {
		abs, err := filepath.Abs(root)
		if err != nil {
			rootErrs = multierror.Append(rootErrs, fmt.Errorf("resolving document root %q: %w", root, err))
			continue
		}
		real, err := filepath.EvalSymlinks(abs)
		if err != nil {
			// Missing roots are tolerated at load time (they may be created
			// later); the web listener re-checks existence per request.
			real = abs
		}
		resolved = append(resolved, real)
	}
	if rootErrs.ErrorOrNil() != nil {
		return rootErrs
	}
	c.DocumentRoots = resolved

	return nil
}

// SaveConfig writes c back out as TOML.
func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// SaveTemplateConfig writes the commented starter config (used by the `init`
// CLI command) with the listen address pre-filled.
func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	template := strings.Replace(configTemplate, "localhost:9090", c.ListenAddress, 1)
	return os.WriteFile(configPath, []byte(template), 0644)
}

// GetDefaultDocumentRoot returns the directory cockpitwsd serves static
// assets from when no document_roots are configured.
func GetDefaultDocumentRoot() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "./share/www"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "cockpitwsd", "www")
}

// GetDefaultKnownHostsFile returns the default known-hosts path consulted
// before an unrecognized secure-shell connect.
func GetDefaultKnownHostsFile() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/etc/ssh/ssh_known_hosts"
	}
	return filepath.Join(homeDir, ".ssh", "known_hosts")
}

// GetConfigDir returns the configuration directory for cockpitwsd.
func GetConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dir := filepath.Join(configDir, "cockpitwsd")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "."
	}
	return dir
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.toml")
}

// HostPort returns the secure-shell port to use for host, honoring any
// configured override (SPEC_FULL.md §9.2), defaulting to 22.
func (c *Config) HostPort(host string) int {
	if port, ok := c.HostPortOverrides[host]; ok && port > 0 {
		return port
	}
	return 22
}
