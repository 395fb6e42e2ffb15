package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/markdownkeeper/markdownkeeper/internal/eventqueue"
	"github.com/markdownkeeper/markdownkeeper/internal/ingest"
	"github.com/markdownkeeper/markdownkeeper/internal/logging"
	"github.com/markdownkeeper/markdownkeeper/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	var mode string
	var intervalSec int
	var iterations int
	var durationSec int

	c := &cobra.Command{
		Use:   "watch",
		Short: "Watch configured roots and continuously ingest changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			logger, cleanup, err := logging.Setup(logging.DefaultConfig())
			if err != nil {
				return err
			}
			defer cleanup()

			embedder, err := buildEmbedder(cfg)
			if err != nil {
				return err
			}

			queueCfg := eventqueue.DefaultConfig()
			if cfg.Watch.DebounceMS > 0 {
				queueCfg.DebounceInterval = time.Duration(cfg.Watch.DebounceMS) * time.Millisecond
			}
			queue := eventqueue.New(s, queueCfg)
			watchCfg := watcher.Config{
				Mode:         watcher.Mode(mode),
				Roots:        cfg.Watch.Roots,
				Extensions:   cfg.Watch.Extensions,
				PollInterval: time.Duration(intervalSec) * time.Second,
				Duration:     time.Duration(durationSec) * time.Second,
				Iterations:   iterations,
			}
			w := watcher.New(queue, s, watchCfg, logger)
			ing := ingest.New(s, embedder, logger)
			ing.Policy = ingest.MetadataPolicy{
				RequiredFrontmatterFields: cfg.Metadata.RequiredFrontmatterFields,
				AutoFillCategory:          cfg.Metadata.AutoFillCategory,
			}
			worker := ingest.NewWorker(queue, ing, logger)

			// SIGTERM drains gracefully: the watcher stops producing, the
			// worker's lease holder leaves in-flight records for the next
			// start's replay.
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(sigCtx)
			g.Go(func() error { return w.Run(ctx) })
			g.Go(func() error { return worker.Run(ctx, watchCfg.PollInterval) })

			fmt.Fprintf(cmd.ErrOrStderr(), "watching %v (mode=%s)\n", cfg.Watch.Roots, mode)
			err = g.Wait()
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}

	c.Flags().StringVar(&mode, "mode", string(watcher.ModeAuto), "watcher backend: auto|notify|polling")
	c.Flags().IntVar(&intervalSec, "interval", 5, "polling interval in seconds")
	c.Flags().IntVar(&iterations, "iterations", 0, "stop after this many polling scans (0 = unbounded)")
	c.Flags().IntVar(&durationSec, "duration", 0, "stop the notify backend after this many seconds (0 = unbounded)")

	return c
}
