package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/gridlock"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage gridlock configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.gridlock/" + gridlock.ConfigFileName
	if path, err := gridlock.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default gridlock configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := gridlock.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults uses the flag names as keys so the file binds through the
// same viper keys as the flags.
type configDefaults struct {
	Server         string `yaml:"server"`
	Username       string `yaml:"username"`
	Self           string `yaml:"self"`
	Space          string `yaml:"space"`
	Branch         string `yaml:"branch"`
	SpaceRoot      string `yaml:"space-root"`
	XExtent        int    `yaml:"x-extent"`
	ZExtent        int    `yaml:"z-extent"`
	DialTimeout    string `yaml:"dial-timeout"`
	RequestTimeout string `yaml:"request-timeout"`
	TickInterval   string `yaml:"tick-interval"`
	MetricsListen  string `yaml:"metrics-listen"`
	OTLPEndpoint   string `yaml:"otlp-endpoint"`
	LogLevel       string `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	def := gridlock.DefaultConfig()
	data, err := yaml.Marshal(configDefaults{
		Server:         def.Server,
		SpaceRoot:      def.SpaceRoot,
		XExtent:        def.XExtent,
		ZExtent:        def.ZExtent,
		DialTimeout:    def.DialTimeout.String(),
		RequestTimeout: def.RequestTimeout.String(),
		TickInterval:   def.TickInterval.String(),
		LogLevel:       def.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	header := []byte("# gridlock configuration. Every key can also be set through a GRIDLOCK_ prefixed\n# environment variable or the flag of the same name.\n")
	return append(header, data...), nil
}
