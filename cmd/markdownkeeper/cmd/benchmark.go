package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/markdownkeeper/markdownkeeper/internal/retrieve"
)

// evalCase is one row of a cases.json file used by embeddings-eval and
// semantic-benchmark: a query paired with the document IDs a correct
// retrieval should surface.
type evalCase struct {
	Query      string  `json:"query"`
	ExpectedID []int64 `json:"expected_document_ids"`
}

func loadEvalCases(path string) ([]evalCase, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, newUsageError("reading cases file: %v", err)
	}
	var cases []evalCase
	if err := json.Unmarshal(raw, &cases); err != nil {
		return nil, newUsageError("parsing cases file: %v", err)
	}
	return cases, nil
}

func precisionRecallAtK(results []retrieve.Result, expected []int64, k int) (precision, recall float64) {
	if k > len(results) {
		k = len(results)
	}
	want := make(map[int64]bool, len(expected))
	for _, id := range expected {
		want[id] = true
	}
	hits := 0
	for i := 0; i < k; i++ {
		if want[results[i].DocumentID] {
			hits++
		}
	}
	if k > 0 {
		precision = float64(hits) / float64(k)
	}
	if len(expected) > 0 {
		recall = float64(hits) / float64(len(expected))
	}
	return precision, recall
}

func newEmbeddingsEvalCmd() *cobra.Command {
	var k int

	c := &cobra.Command{
		Use:   "embeddings-eval <cases.json>",
		Short: "Evaluate retrieval precision/recall@K against a labeled query set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cases, err := loadEvalCases(args[0])
			if err != nil {
				return err
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

			type caseResult struct {
				Query     string  `json:"query"`
				Precision float64 `json:"precision"`
				Recall    float64 `json:"recall"`
			}
			var perCase []caseResult
			var sumP, sumR float64

			for _, c := range cases {
				resp, err := r.Search(c.Query, k, retrieve.Options{Mode: retrieve.ModeSemantic})
				if err != nil {
					return err
				}
				p, rec := precisionRecallAtK(resp.Results, c.ExpectedID, k)
				perCase = append(perCase, caseResult{Query: c.Query, Precision: p, Recall: rec})
				sumP += p
				sumR += rec
			}

			meanP, meanR := 0.0, 0.0
			if len(cases) > 0 {
				meanP = sumP / float64(len(cases))
				meanR = sumR / float64(len(cases))
			}

			out := map[string]interface{}{
				"k":              k,
				"cases":          perCase,
				"mean_precision": meanP,
				"mean_recall":    meanR,
			}
			return printResult(cmd, out, func() {
				for _, cr := range perCase {
					fmt.Fprintf(cmd.OutOrStdout(), "%-40s precision=%.2f recall=%.2f\n", cr.Query, cr.Precision, cr.Recall)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "mean precision@%d=%.3f  mean recall@%d=%.3f\n", k, meanP, k, meanR)
			})
		},
	}

	c.Flags().IntVar(&k, "k", 5, "cutoff for precision/recall@K")
	return c
}

func newSemanticBenchmarkCmd() *cobra.Command {
	var k int
	var iterations int

	c := &cobra.Command{
		Use:   "semantic-benchmark <cases.json>",
		Short: "Measure retrieval latency over a labeled query set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cases, err := loadEvalCases(args[0])
			if err != nil {
				return err
			}
			if iterations < 1 {
				iterations = 1
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

			var durations []time.Duration
			for iter := 0; iter < iterations; iter++ {
				for _, c := range cases {
					start := time.Now()
					if _, err := r.Search(c.Query, k, retrieve.Options{Mode: retrieve.ModeSemantic}); err != nil {
						return err
					}
					durations = append(durations, time.Since(start))
				}
			}

			var total time.Duration
			worst := time.Duration(0)
			for _, d := range durations {
				total += d
				if d > worst {
					worst = d
				}
			}
			mean := time.Duration(0)
			if len(durations) > 0 {
				mean = total / time.Duration(len(durations))
			}

			out := map[string]interface{}{
				"queries_run":  len(durations),
				"mean_latency": mean.String(),
				"max_latency":  worst.String(),
			}
			return printResult(cmd, out, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "ran %d queries over %d iteration(s)\n", len(durations), iterations)
				fmt.Fprintf(cmd.OutOrStdout(), "mean latency=%s  max latency=%s\n", mean, worst)
			})
		},
	}

	c.Flags().IntVar(&k, "k", 5, "result limit per query")
	c.Flags().IntVar(&iterations, "iterations", 1, "number of passes over the case set")
	return c
}
