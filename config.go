package gridlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/gridlock/client"
	"pkt.systems/gridlock/internal/hostident"
	"pkt.systems/gridlock/internal/pathutil"
	"pkt.systems/gridlock/internal/wire"
)

const (
	// DefaultServer is used when no server is configured.
	DefaultServer = "localhost"
	// DefaultXExtent pads lock requests along x. It matches the editor's
	// terrain shadow range expressed in grid cells.
	DefaultXExtent = 1
	// DefaultZExtent pads lock requests along z.
	DefaultZExtent = 1
	// DefaultDialTimeout bounds opening the TCP stream.
	DefaultDialTimeout = 5 * time.Second
	// DefaultRequestTimeout bounds each command exchange.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultTickInterval is how often long-running commands poll for
	// server notifications.
	DefaultTickInterval = 250 * time.Millisecond
	// DefaultLogLevel is the log level used when none is configured.
	DefaultLogLevel = "info"
	// ConfigFileName is the file looked up inside DefaultConfigDir.
	ConfigFileName = "config.yaml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "GRIDLOCK"
)

// Config is the application-level configuration shared by the CLI, the dev
// server and embedders that want file/env driven setup.
type Config struct {
	Server         string        `yaml:"server" mapstructure:"server"`
	Username       string        `yaml:"username" mapstructure:"username"`
	Self           string        `yaml:"self" mapstructure:"self"`
	Space          string        `yaml:"space" mapstructure:"space"`
	Branch         string        `yaml:"branch" mapstructure:"branch"`
	SpaceRoot      string        `yaml:"space_root" mapstructure:"space_root"`
	XExtent        int           `yaml:"x_extent" mapstructure:"x_extent"`
	ZExtent        int           `yaml:"z_extent" mapstructure:"z_extent"`
	DialTimeout    time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	TickInterval   time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
	MetricsListen  string        `yaml:"metrics_listen" mapstructure:"metrics_listen"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	LogLevel       string        `yaml:"log_level" mapstructure:"log_level"`
}

// DefaultConfig returns a Config populated with defaults. Username and Self
// are left empty and resolved from the host by Validate.
func DefaultConfig() Config {
	return Config{
		Server:         DefaultServer,
		SpaceRoot:      ".",
		XExtent:        DefaultXExtent,
		ZExtent:        DefaultZExtent,
		DialTimeout:    DefaultDialTimeout,
		RequestTimeout: DefaultRequestTimeout,
		TickInterval:   DefaultTickInterval,
		LogLevel:       DefaultLogLevel,
	}
}

// Validate fills defaults and rejects values the client cannot use. The
// server address is normalised to host:port.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		c.Server = DefaultServer
	}
	addr, err := client.ServerAddr(c.Server)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Server = addr
	c.Space = strings.Trim(strings.TrimSpace(c.Space), "/")
	c.Branch = strings.TrimSpace(c.Branch)
	if strings.ContainsAny(c.Branch, "/\x00") {
		return fmt.Errorf("config: branch %q must not contain '/' or NUL", c.Branch)
	}
	if c.SpaceRoot == "" {
		c.SpaceRoot = "."
	}
	root, err := pathutil.Expand(c.SpaceRoot)
	if err != nil {
		return fmt.Errorf("config: expand space root: %w", err)
	}
	c.SpaceRoot = root
	if c.Username == "" {
		c.Username = hostident.Username()
	}
	if c.Username == "" {
		return fmt.Errorf("config: username is required")
	}
	if len(c.Username) > wire.MaxUsernameLength {
		return fmt.Errorf("config: username %q exceeds %d bytes", c.Username, wire.MaxUsernameLength)
	}
	c.Self = hostident.Short(strings.TrimSpace(c.Self))
	if c.XExtent < 0 || c.ZExtent < 0 {
		return fmt.Errorf("config: extents must be >= 0")
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	} else if c.DialTimeout < 0 {
		return fmt.Errorf("config: dial timeout must be >= 0")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	} else if c.RequestTimeout < 0 {
		return fmt.Errorf("config: request timeout must be >= 0")
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	} else if c.TickInterval < 0 {
		return fmt.Errorf("config: tick interval must be >= 0")
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, ok := pslog.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// ClientConfig converts c into a client.Config. Call Validate first.
func (c Config) ClientConfig() client.Config {
	return client.Config{
		Server:         c.Server,
		Space:          c.Space,
		Branch:         c.Branch,
		SpaceRoot:      c.SpaceRoot,
		Username:       c.Username,
		Self:           c.Self,
		XExtent:        c.XExtent,
		ZExtent:        c.ZExtent,
		DialTimeout:    c.DialTimeout,
		RequestTimeout: c.RequestTimeout,
	}
}

// DefaultConfigDir returns the configuration directory: $GRIDLOCK_CONFIG_DIR
// when set, otherwise $HOME/.gridlock.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gridlock"), nil
}

// DefaultConfigPath returns the config file inside DefaultConfigDir.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}
