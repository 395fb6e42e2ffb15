package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

func newGetDocCmd() *cobra.Command {
	var includeContent bool
	var maxTokens int
	var section string

	c := &cobra.Command{
		Use:   "get-doc <id>",
		Short: "Fetch one document by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return newUsageError("invalid document id %q: %w", args[0], err)
			}

			cfg := loadConfig()
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			view, err := s.GetDocument(id, store.GetDocumentOptions{
				IncludeContent: includeContent,
				MaxTokens:      maxTokens,
				Section:        section,
			})
			if err != nil {
				return err
			}

			return printResult(cmd, view, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", view.Document.Title, view.Document.Path)
				for _, c := range view.Chunks {
					fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", c.Content)
				}
			})
		},
	}

	c.Flags().BoolVar(&includeContent, "include-content", false, "include the document body")
	c.Flags().IntVar(&maxTokens, "max-tokens", 0, "truncate the body to this many whitespace tokens (0 = no limit)")
	c.Flags().StringVar(&section, "section", "", "filter chunks whose heading path contains this substring")

	return c
}
