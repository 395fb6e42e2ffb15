package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index size and ingestion health statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.Stats()
			if err != nil {
				return err
			}

			return printResult(cmd, st, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "documents:        %d\n", st.DocumentCount)
				fmt.Fprintf(cmd.OutOrStdout(), "chunks:           %d\n", st.ChunkCount)
				fmt.Fprintf(cmd.OutOrStdout(), "embeddings:       %d\n", st.EmbeddingCount)
				fmt.Fprintf(cmd.OutOrStdout(), "tags:             %d\n", st.TagCount)
				fmt.Fprintf(cmd.OutOrStdout(), "concepts:         %d\n", st.ConceptCount)
				fmt.Fprintf(cmd.OutOrStdout(), "broken links:     %d\n", st.BrokenLinkCount)
				fmt.Fprintf(cmd.OutOrStdout(), "events queued:    %d\n", st.EventsQueued)
				fmt.Fprintf(cmd.OutOrStdout(), "events in-flight: %d\n", st.EventsInFlight)
				fmt.Fprintf(cmd.OutOrStdout(), "events failed:    %d\n", st.EventsFailed)
				fmt.Fprintf(cmd.OutOrStdout(), "database size:    %d bytes\n", st.DatabaseSizeByte)
			})
		},
	}
}
