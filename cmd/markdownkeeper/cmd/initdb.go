package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInitDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create and initialize the MarkdownKeeper database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			return printResult(cmd, map[string]string{"database_path": cfg.Storage.DatabasePath}, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "initialized database at %s\n", cfg.Storage.DatabasePath)
			})
		},
	}
}
