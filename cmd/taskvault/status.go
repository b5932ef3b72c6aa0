package main

import (
	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/config"
	"github.com/msageha/taskvault/internal/queue"
	"github.com/msageha/taskvault/internal/status"
)

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the report as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths, component liveness and domain health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(vaultRoot)
		if err != nil {
			return err
		}
		var opts []status.Option
		if cfg.Health.Persist {
			opts = append(opts, status.WithDomains(status.FileDomains(config.HealthStatePath(cfg))))
		}
		collector := status.NewCollector(queue.New(cfg.Vault.Root), config.RuntimeDir(cfg), componentNames(cfg), opts...)
		report, err := collector.Collect()
		if err != nil {
			return err
		}
		return status.Write(cmd.OutOrStdout(), report, statusJSON)
	},
}
