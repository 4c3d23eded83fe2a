package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/idcache/cis"
	"github.com/izavyalov-dev/idcache/identifier"
	"github.com/izavyalov-dev/idcache/internal/config"
	"github.com/izavyalov-dev/idcache/internal/observability"
	"github.com/izavyalov-dev/idcache/orchestrator"
)

func newReserveCmd(params *rootParams) *cobra.Command {
	var (
		namespace int
		partition string
		quantity  int
	)
	cmd := &cobra.Command{
		Use:   "reserve",
		Short: "Reserve identifiers directly from CIS, bypassing the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := params.load()
			if err != nil {
				return err
			}
			source, err := newSource(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			ids, err := source.ReserveIDs(identifier.WithRequestID(cmd.Context(), orchestrator.UUIDGenerator{}.RequestID()), namespace, partition, quantity)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"identifiers": ids})
		},
	}
	cmd.Flags().IntVar(&namespace, "namespace", 0, "Namespace identifier")
	cmd.Flags().StringVar(&partition, "partition", "", "Partition identifier, e.g. 10")
	cmd.Flags().IntVar(&quantity, "quantity", 1, "Number of identifiers to reserve")
	_ = cmd.MarkFlagRequired("partition")
	return cmd
}

func newStatusCmd(params *rootParams) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Log in to CIS and report whether reservation is available",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := params.load()
			if err != nil {
				return err
			}
			source, err := newSource(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			status := source.Status()
			return printJSON(map[string]any{
				"running":               status.Running,
				"version":               status.Version,
				"reservation_available": source.IsReservationAvailable(),
			})
		},
	}
}

func newSource(ctx context.Context, cfg config.Config) (identifier.Source, error) {
	cisCfg := cfg.CISConfig()
	if cisCfg.Disabled() {
		return identifier.Disabled{}, nil
	}
	client, err := cis.New(ctx, cisCfg, cis.WithLogger(observability.Component(observability.NewRootLogger(cfg.LogOptions()), "cis")))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func printJSON(payload any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
