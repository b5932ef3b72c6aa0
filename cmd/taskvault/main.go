// Command taskvault runs the vault components: the orchestrator, the inbox and mail
// watchers, and the watchdog that keeps them alive.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	vaultRoot  string
	dryRunFlag bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskvault",
	Short: "Filesystem-backed task orchestration",
	Long: `taskvault moves tasks through a vault of stage directories: new work is
planned by an agent, actions wait for human approval, and approved actions are
dispatched to external services. Failures end up in Quarantine with an alert.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultRoot, "vault", ".", "vault root directory")
	rootCmd.PersistentFlags().BoolVar(&dryRunFlag, "dry-run", false, "plan and log actions without calling the agent or external services (also DRY_RUN=true)")
	rootCmd.AddCommand(initCmd, orchestratorCmd, watchInboxCmd, watchMailCmd, watchdogCmd, statusCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("taskvault %s\n", version)
	},
}
