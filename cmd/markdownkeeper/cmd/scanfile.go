package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markdownkeeper/markdownkeeper/internal/ingest"
)

func newScanFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan-file <path>",
		Short: "Parse and ingest a single Markdown file immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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

			ing := ingest.New(s, embedder, nil)
			ing.Policy = ingest.MetadataPolicy{
				RequiredFrontmatterFields: cfg.Metadata.RequiredFrontmatterFields,
				AutoFillCategory:          cfg.Metadata.AutoFillCategory,
			}
			id, err := ing.IngestPath(args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, map[string]int64{"document_id": id}, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "ingested %s as document %d\n", args[0], id)
			})
		},
	}
}
