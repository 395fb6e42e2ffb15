package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

func newBuildIndexCmd() *cobra.Command {
	var outputDir string

	c := &cobra.Command{
		Use:   "build-index",
		Short: "Build and persist an approximate-nearest-neighbor index over document vectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputDir == "" {
				return newUsageError("--output-dir is required")
			}

			cfg := loadConfig()
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			corpus, err := s.SearchCorpus()
			if err != nil {
				return err
			}

			dimension := 0
			vectors := make(map[int64][]float32, len(corpus))
			for _, d := range corpus {
				if len(d.Vector) == 0 {
					continue
				}
				if dimension == 0 {
					dimension = len(d.Vector)
				}
				vectors[d.Document.ID] = d.Vector
			}
			if dimension == 0 {
				dimension = 1
			}

			idx := store.NewHNSWVectorIndex(dimension)
			if err := idx.Build(vectors); err != nil {
				return err
			}

			indexPath := filepath.Join(outputDir, "faiss.index")
			if err := idx.Save(indexPath); err != nil {
				return err
			}

			return printResult(cmd, map[string]interface{}{
				"index_path": indexPath,
				"vectors":    idx.Len(),
			}, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "built index with %d vectors at %s\n", idx.Len(), indexPath)
			})
		},
	}

	c.Flags().StringVar(&outputDir, "output-dir", "", "directory to write the index file pair into")
	return c
}
