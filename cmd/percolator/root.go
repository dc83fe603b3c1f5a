package main

import (
	"github.com/spf13/cobra"

	"github.com/percolata/percolator/internal/config"
	"github.com/percolata/percolator/pkg/logger"
)

type rootOptions struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "percolator",
		Short:         "Sharded perpetual futures exchange tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to config.yaml")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(newAddressesCmd())
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newSimulateCmd(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	if o.configFile == "" {
		return config.Load()
	}
	return config.Load(o.configFile)
}

func (o *rootOptions) logger() (logger.Logger, error) {
	return logger.NewLogger(o.logLevel)
}
