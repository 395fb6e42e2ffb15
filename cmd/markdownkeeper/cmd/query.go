package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markdownkeeper/markdownkeeper/internal/retrieve"
)

func newQueryCmd() *cobra.Command {
	var mode string
	var limit int
	var includeContent bool
	var maxTokens int
	var section string

	c := &cobra.Command{
		Use:   "query <text>",
		Short: "Search the indexed corpus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "" && mode != string(retrieve.ModeSemantic) && mode != string(retrieve.ModeLexical) {
				return newUsageError("invalid --mode %q: must be semantic or lexical", mode)
			}
			cfg := loadConfig()
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			embedder, err := buildEmbedder(cfg)
			if err != nil {
				return err
			}

			r := retrieve.New(s, embedder, nil, retrieveConfig(cfg))
			resp, err := r.Search(args[0], limit, retrieve.Options{
				Mode:           retrieve.Mode(mode),
				IncludeContent: includeContent,
				MaxTokens:      maxTokens,
				Section:        section,
			})
			if err != nil {
				return err
			}

			return printResult(cmd, resp, func() {
				for _, res := range resp.Results {
					fmt.Fprintf(cmd.OutOrStdout(), "%.3f  %s  %s\n", res.Score, res.Path, res.Title)
					if includeContent && res.Body != "" {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n", res.Body)
					}
				}
			})
		},
	}

	c.Flags().StringVar(&mode, "mode", string(retrieve.ModeSemantic), "search mode: semantic|lexical")
	c.Flags().IntVar(&limit, "limit", 10, "maximum results to return")
	c.Flags().BoolVar(&includeContent, "include-content", false, "include matched document bodies")
	c.Flags().IntVar(&maxTokens, "max-tokens", 0, "truncate bodies to this many whitespace tokens (0 = no limit)")
	c.Flags().StringVar(&section, "section", "", "filter chunks whose heading path contains this substring")

	return c
}
