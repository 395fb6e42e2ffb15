package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

type corpusReport struct {
	Stats       interface{} `json:"stats"`
	Health      interface{} `json:"health"`
	Embeddings  interface{} `json:"embeddings"`
	BrokenLinks int         `json:"broken_links"`
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print a combined health, coverage, and broken-link report",
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
			health, err := s.HealthReport()
			if err != nil {
				return err
			}
			backend, err := s.ActiveEmbeddingBackend()
			if err != nil {
				return err
			}
			if backend == "" {
				backend = cfg.Embeddings.Backend
			}
			cov, err := s.EmbeddingCoverage(backend)
			if err != nil {
				return err
			}
			links, err := s.AllLinks(false)
			if err != nil {
				return err
			}
			broken := 0
			for _, l := range links {
				if l.Status == "broken" {
					broken++
				}
			}

			rep := corpusReport{Stats: st, Health: health, Embeddings: cov, BrokenLinks: broken}
			return printResult(cmd, rep, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "documents:         %d\n", st.DocumentCount)
				fmt.Fprintf(cmd.OutOrStdout(), "chunks:            %d\n", st.ChunkCount)
				verdict := colorize("32", "ok")
				if !health.Healthy {
					verdict = colorize("31", health.IntegrityCheck)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "database healthy:  %v (%s)\n", health.Healthy, verdict)
				fmt.Fprintf(cmd.OutOrStdout(), "embedding backend: %s\n", cov.ActiveBackend)
				fmt.Fprintf(cmd.OutOrStdout(), "documents current: %d/%d\n", cov.DocumentsCurrent, cov.DocumentsTotal)
				fmt.Fprintf(cmd.OutOrStdout(), "chunks current:    %d/%d\n", cov.ChunksCurrent, cov.ChunksTotal)
				fmt.Fprintf(cmd.OutOrStdout(), "broken links:      %d\n", broken)
				fmt.Fprintf(cmd.OutOrStdout(), "events queued/in-flight/failed: %d/%d/%d\n",
					st.EventsQueued, st.EventsInFlight, st.EventsFailed)
			})
		},
	}
}
