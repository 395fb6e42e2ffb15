package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEmbeddingsGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "embeddings-generate",
		Short: "Regenerate embeddings for every document and chunk using the active backend",
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

			n, err := s.RegenerateEmbeddings(embedder)
			if err != nil {
				return err
			}

			return printResult(cmd, map[string]interface{}{"regenerated": n}, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "regenerated %d embedding(s)\n", n)
			})
		},
	}
}

func newEmbeddingsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "embeddings-status",
		Short: "Report embedding coverage against the active backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

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

			return printResult(cmd, cov, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "active backend:    %s\n", cov.ActiveBackend)
				fmt.Fprintf(cmd.OutOrStdout(), "documents current: %d/%d\n", cov.DocumentsCurrent, cov.DocumentsTotal)
				fmt.Fprintf(cmd.OutOrStdout(), "chunks current:    %d/%d\n", cov.ChunksCurrent, cov.ChunksTotal)
			})
		},
	}
}
