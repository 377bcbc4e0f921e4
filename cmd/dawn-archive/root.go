package main

import (
	"github.com/spf13/cobra"

	"dawnarchive/internal/app"
	"dawnarchive/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "dawn-archive",
		Short:         "dawn-archive scrapes and manages Dawn newspaper day archives.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to configuration file")

	root.AddCommand(
		newScrapeCmd(opts),
		newDatesCmd(opts),
		newEvictCmd(opts),
		newClearCmd(opts),
	)
	return root
}

func (o *rootOptions) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), *cfg)
}
