package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFindConceptCmd() *cobra.Command {
	var limit int

	c := &cobra.Command{
		Use:   "find-concept <concept>",
		Short: "List documents tagged with a concept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			docs, err := s.ListByConcept(args[0], limit)
			if err != nil {
				return err
			}

			return printResult(cmd, docs, func() {
				for _, d := range docs {
					fmt.Fprintf(cmd.OutOrStdout(), "%d  %s  %s\n", d.ID, d.Path, d.Title)
				}
			})
		},
	}

	c.Flags().IntVar(&limit, "limit", 20, "maximum documents to return")
	return c
}
