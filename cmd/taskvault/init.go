package main

import (
	"github.com/spf13/cobra"

	"github.com/msageha/taskvault/internal/setup"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or repair the vault layout",
	Long: `Create every stage directory, the inbox, the runtime directory, config.yaml and
the agent capability documents under --vault. Existing files are kept, so init is
safe to re-run on a vault with missing directories.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		created, err := setup.Run(vaultRoot)
		if err != nil {
			return err
		}
		if len(created) == 0 {
			cmd.Println("Vault already initialized.")
			return nil
		}
		for _, p := range created {
			cmd.Printf("created %s\n", p)
		}
		return nil
	},
}
