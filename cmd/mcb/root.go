package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"pkt.systems/pslog"

	"github.com/importly/moteus-motor/internal/config"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0-dev"

type serveFlags struct {
	configPath  string
	address     string
	port        int
	protocol    string
	controllers string
	opsAddress  string
}

func (f *serveFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file (default $MCB_CONFIG or config/default.yaml)")
	fs.StringVar(&f.address, "address", "", "client listen address")
	fs.IntVar(&f.port, "port", 0, "client listen port")
	fs.StringVar(&f.protocol, "protocol", "", "wire protocol: line or json")
	fs.StringVar(&f.controllers, "controllers", "", "comma separated controller ids")
	fs.StringVar(&f.opsAddress, "ops-address", "", "ops HTTP listen address, empty disables it")
}

// load builds the effective configuration. Flags only override file and
// environment values when they were set explicitly.
func (f *serveFlags) load(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("address") {
		cfg.Network.Address = f.address
	}
	if fs.Changed("port") {
		cfg.Network.Port = f.port
	}
	if fs.Changed("protocol") {
		cfg.Network.Protocol = f.protocol
	}
	if fs.Changed("controllers") {
		ids, err := config.ParseIDs(f.controllers)
		if err != nil {
			return nil, fmt.Errorf("--controllers: %w", err)
		}
		cfg.Controllers.IDs = ids
	}
	if fs.Changed("ops-address") {
		cfg.Ops.Address = f.opsAddress
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:           "mcb",
		Short:         "mcb bridges TCP clients to position controllers and keeps their watchdogs fed",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags, logger)
		},
	}
	flags.register(cmd.Flags())

	cmd.AddCommand(newServeCommand(logger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newServeCommand(logger pslog.Logger) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags, logger)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func newConfigCommand() *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mcb version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "mcb %s\n", Version)
			return err
		},
	}
}
