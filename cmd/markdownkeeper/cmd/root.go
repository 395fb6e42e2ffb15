// Package cmd provides the CLI commands for MarkdownKeeper.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/markdownkeeper/markdownkeeper/internal/config"
	"github.com/markdownkeeper/markdownkeeper/internal/embed"
	"github.com/markdownkeeper/markdownkeeper/internal/retrieve"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
	"github.com/markdownkeeper/markdownkeeper/pkg/version"
)

var (
	dbPath string
	format string
)

// NewRootCmd creates the root command for the markdownkeeper CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "markdownkeeper",
		Short:         "Background indexing and retrieval service for Markdown files",
		Version:       version.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetVersionTemplate("markdownkeeper version {{.Version}}\n")
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	cmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "path to the MarkdownKeeper SQLite database (overrides config)")
	cmd.PersistentFlags().StringVar(&format, "format", "text", "output format: text|json")

	cmd.AddCommand(newInitDBCmd())
	cmd.AddCommand(newScanFileCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newGetDocCmd())
	cmd.AddCommand(newFindConceptCmd())
	cmd.AddCommand(newCheckLinksCmd())
	cmd.AddCommand(newBuildIndexCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newServeAPICmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newEmbeddingsGenerateCmd())
	cmd.AddCommand(newEmbeddingsStatusCmd())
	cmd.AddCommand(newEmbeddingsEvalCmd())
	cmd.AddCommand(newSemanticBenchmarkCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// usageError marks err as a usage error (CLI exit code 2) rather than a
// runtime failure (exit code 1), per spec §6's CLI exit code contract.
type usageError struct{ err error }

func (u *usageError) Error() string { return u.err.Error() }
func (u *usageError) Unwrap() error { return u.err }

func newUsageError(format string, args ...interface{}) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// policyViolation marks err as exit code 1 (spec §6: "policy violation
// (e.g., broken links found)").
type policyViolation struct{ err error }

func (p *policyViolation) Error() string { return p.err.Error() }
func (p *policyViolation) Unwrap() error { return p.err }

func newPolicyViolation(format string, args ...interface{}) error {
	return &policyViolation{err: fmt.Errorf(format, args...)}
}

// ExitCode derives the process exit code from an error returned by a
// command's RunE, per spec §6: 0 success, 1 policy violation, 2 usage
// error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return 2
	}
	return 1
}

// loadConfig loads the TOML config from the conventional location,
// falling back to defaults, then applies the --db-path override.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath())
	if err != nil {
		cfg = config.NewConfig()
	}
	if dbPath != "" {
		cfg.Storage.DatabasePath = dbPath
	}
	return cfg
}

func configPath() string {
	if p := os.Getenv("MARKDOWNKEEPER_CONFIG"); p != "" {
		return p
	}
	return "markdownkeeper.toml"
}

// openStore opens the Store at the resolved database path.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(cfg.Storage.DatabasePath)
}

// buildEmbedder constructs the configured Embedder from cfg.
func buildEmbedder(cfg *config.Config) (store.Embedder, error) {
	e, _, err := embed.New(embed.Config{
		Backend:   cfg.Embeddings.Backend,
		ModelName: cfg.Embeddings.Model,
		Dimension: embed.DefaultHashDimension,
		CacheSize: embed.DefaultCacheSize,
	})
	return e, err
}

// retrieveConfig derives a retrieve.Config from the loaded TOML config's
// [cache] table.
func retrieveConfig(cfg *config.Config) retrieve.Config {
	if !cfg.Cache.Enabled {
		return retrieve.Config{CacheTTL: 0}
	}
	ttl := cfg.Cache.TTLSeconds
	if ttl <= 0 {
		ttl = int(retrieve.DefaultConfig().CacheTTL.Seconds())
	}
	return retrieve.Config{CacheTTL: time.Duration(ttl) * time.Second}
}

// isColorEnabled reports whether stdout is a TTY (text format only
// colorizes interactively), grounded on the teacher's internal/ui package.
func isColorEnabled() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// colorize wraps s in the given ANSI SGR code when the text format is
// rendering to an interactive terminal; JSON output and pipes get plain
// text.
func colorize(code, s string) string {
	if format != "text" || !isColorEnabled() {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

// printResult renders v as JSON when format=json, else delegates to
// textFn for the human-readable rendering.
func printResult(cmd *cobra.Command, v interface{}, textFn func()) error {
	if format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	textFn()
	return nil
}
