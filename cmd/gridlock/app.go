package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/gridlock"
	"pkt.systems/gridlock/client"
	"pkt.systems/gridlock/internal/loggingutil"
	"pkt.systems/gridlock/internal/pathutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("GRIDLOCK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "gridlock")
	cmd := newRootCommand(baseLogger)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "gridlock: %s\n", err)
		}
		return 1
	}
	return 0
}

// runtime carries what every subcommand needs: the viper instance bound to
// the persistent flags and the base logger.
type runtime struct {
	v      *viper.Viper
	logger pslog.Logger
}

var configKeys = []string{
	"server", "username", "self", "space", "branch", "space-root",
	"x-extent", "z-extent", "dial-timeout", "request-timeout", "tick-interval",
	"metrics-listen", "otlp-endpoint", "log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	rt := &runtime{v: viper.New(), logger: baseLogger}
	defaults := gridlock.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "gridlock",
		Short:         "gridlock inspects and manages spatial locks on a bwlockd-compatible lock server",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Show every lock in a space
  gridlock --server locks.studio.local --space spaces/highlands status

  # Lock a 4x4 selection and release it again
  gridlock --space spaces/highlands lock 0 0 4 4 -d "forest pass"
  gridlock --space spaces/highlands unlock-area 0 0 4 4

  # Follow lock changes, rebinding when the branch tag changes
  gridlock --space spaces/highlands --space-root ~/world watch --metrics-listen :9464

  # Local lock server for development
  gridlock devserver --listen 127.0.0.1:8168
`,
	}

	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.gridlock/"+gridlock.ConfigFileName+")")
	pf.StringP("server", "s", defaults.Server, "lock server host[:port]")
	pf.StringP("username", "u", "", "user name sent to the server (defaults to the OS user)")
	pf.String("self", "", "this machine's name as the server records it (defaults to the host name)")
	pf.String("space", "", "world space path, for example spaces/highlands")
	pf.String("branch", "", "branch tag; empty reads <space-root>/<space>/CVS/Tag")
	pf.String("space-root", defaults.SpaceRoot, "directory holding the spaces")
	pf.Int("x-extent", defaults.XExtent, "cells added on each side along x when locking")
	pf.Int("z-extent", defaults.ZExtent, "cells added on each side along z when locking")
	pf.Duration("dial-timeout", defaults.DialTimeout, "timeout for opening the server connection")
	pf.Duration("request-timeout", defaults.RequestTimeout, "timeout for each command exchange")
	pf.Duration("tick-interval", defaults.TickInterval, "poll interval for server notifications")
	pf.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	pf.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	pf.String("log-level", defaults.LogLevel, "log level (trace, debug, info, warn, error)")

	rt.v.SetEnvPrefix(gridlock.EnvPrefix)
	rt.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	rt.v.AutomaticEnv()
	for _, name := range append([]string{"config"}, configKeys...) {
		if err := rt.v.BindPFlag(name, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newStatusCommand(rt))
	cmd.AddCommand(newLockCommand(rt))
	cmd.AddCommand(newUnlockCommand(rt))
	cmd.AddCommand(newUnlockAreaCommand(rt))
	cmd.AddCommand(newDiscardCommand(rt))
	cmd.AddCommand(newInfoCommand(rt))
	cmd.AddCommand(newMapCommand(rt))
	cmd.AddCommand(newWatchCommand(rt))
	cmd.AddCommand(newDevServerCommand(rt))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (rt *runtime) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(rt.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := gridlock.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	if expanded, err = filepath.Abs(expanded); err != nil {
		return "", err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	rt.v.SetConfigFile(expanded)
	if err := rt.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

// config merges flags, environment and the config file into a validated
// gridlock.Config. Config file keys use underscores; flags use dashes.
func (rt *runtime) config() (gridlock.Config, error) {
	path, err := rt.loadConfigFile()
	if err != nil {
		return gridlock.Config{}, err
	}
	for _, key := range configKeys {
		fileKey := strings.ReplaceAll(key, "-", "_")
		if fileKey != key && rt.v.InConfig(fileKey) && !rt.v.IsSet(key) {
			rt.v.Set(key, rt.v.Get(fileKey))
		}
	}
	cfg := gridlock.Config{
		Server:         rt.v.GetString("server"),
		Username:       rt.v.GetString("username"),
		Self:           rt.v.GetString("self"),
		Space:          rt.v.GetString("space"),
		Branch:         rt.v.GetString("branch"),
		SpaceRoot:      rt.v.GetString("space-root"),
		XExtent:        rt.v.GetInt("x-extent"),
		ZExtent:        rt.v.GetInt("z-extent"),
		DialTimeout:    rt.v.GetDuration("dial-timeout"),
		RequestTimeout: rt.v.GetDuration("request-timeout"),
		TickInterval:   rt.v.GetDuration("tick-interval"),
		MetricsListen:  rt.v.GetString("metrics-listen"),
		OTLPEndpoint:   rt.v.GetString("otlp-endpoint"),
		LogLevel:       rt.v.GetString("log-level"),
	}
	if err := cfg.Validate(); err != nil {
		return gridlock.Config{}, err
	}
	if path != "" {
		rt.cliLogger("config").Debug("cli.config.loaded", "path", path)
	}
	return cfg, nil
}

func (rt *runtime) leveledLogger(cfg gridlock.Config) pslog.Logger {
	logger := rt.logger
	if level, ok := pslog.ParseLevel(cfg.LogLevel); ok && logger != nil {
		logger = logger.LogLevel(level)
	}
	return logger
}

func (rt *runtime) cliLogger(name string) pslog.Logger {
	return loggingutil.WithSubsystem(rt.logger, loggingutil.Subsystem("cli", name))
}

// connect builds and connects a client for cfg. The caller closes it.
func (rt *runtime) connect(ctx context.Context, cfg gridlock.Config) (*client.Client, error) {
	if cfg.Space == "" {
		return nil, fmt.Errorf("--space is required")
	}
	cli, err := client.New(cfg.ClientConfig(), client.WithLogger(rt.leveledLogger(cfg)))
	if err != nil {
		return nil, err
	}
	if err := cli.Connect(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return cli, nil
}

// withClient loads the config, connects, runs fn and closes the client.
func (rt *runtime) withClient(cmd *cobra.Command, fn func(ctx context.Context, cfg gridlock.Config, cli *client.Client) error) error {
	cfg, err := rt.config()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cli, err := rt.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer cli.Close()
	return fn(ctx, cfg, cli)
}
