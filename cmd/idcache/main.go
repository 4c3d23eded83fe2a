package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/idcache/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "idcache: %v\n", err)
		os.Exit(1)
	}
}

type rootParams struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	params := &rootParams{}
	root := &cobra.Command{
		Use:           "idcache",
		Short:         "Identifier cache in front of the Component Identifier Service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&params.configPath, "config", os.Getenv("IDCACHE_CONFIG"), "Path to YAML configuration")
	root.PersistentFlags().StringVar(&params.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(params),
		newReserveCmd(params),
		newStatusCmd(params),
		newJobsCmd(params),
	)
	return root
}

func (p *rootParams) load() (config.Config, error) {
	cfg, err := config.Load(p.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if p.logLevel != "" {
		cfg.Log.Level = p.logLevel
	}
	return cfg, nil
}
