package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/markdownkeeper/markdownkeeper/internal/httpapi"
	"github.com/markdownkeeper/markdownkeeper/internal/logging"
	"github.com/markdownkeeper/markdownkeeper/internal/retrieve"
)

func newServeAPICmd() *cobra.Command {
	var host string
	var port int

	c := &cobra.Command{
		Use:   "serve-api",
		Short: "Serve the JSON-RPC HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if host == "" {
				host = cfg.API.Host
			}
			if port == 0 {
				port = cfg.API.Port
			}

			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			embedder, err := buildEmbedder(cfg)
			if err != nil {
				return err
			}

			logger, cleanup, err := logging.Setup(logging.DefaultConfig())
			if err != nil {
				return err
			}
			defer cleanup()

			r := retrieve.New(s, embedder, nil, retrieveConfig(cfg))
			handler := httpapi.New(r, s, logger)

			addr := fmt.Sprintf("%s:%d", host, port)
			srv := &http.Server{Addr: addr, Handler: handler}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-sigCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			fmt.Fprintf(cmd.ErrOrStderr(), "serving JSON-RPC API on %s\n", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}

	c.Flags().StringVar(&host, "host", "", "bind host (overrides config)")
	c.Flags().IntVar(&port, "port", 0, "bind port (overrides config)")
	return c
}
