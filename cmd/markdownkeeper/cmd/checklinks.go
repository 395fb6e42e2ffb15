package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markdownkeeper/markdownkeeper/internal/linkcheck"
	"github.com/markdownkeeper/markdownkeeper/internal/store"
)

func newCheckLinksCmd() *cobra.Command {
	var checkExternal bool

	c := &cobra.Command{
		Use:   "check-links",
		Short: "Report (and optionally validate) broken links across the corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			// Internal links are always resolved against the filesystem:
			// this is the cheap, always-available half of link validation
			// (spec §5 treats internal and external checks as two distinct,
			// both-required checks).
			internalResults, err := linkcheck.CheckInternalLinks(s)
			if err != nil {
				return err
			}

			var broken []linkcheck.Result
			for _, r := range internalResults {
				if r.Status == store.LinkStatusBroken {
					broken = append(broken, r)
				}
			}

			if checkExternal {
				checker := linkcheck.New(s, linkcheck.DefaultConfig(), nil)
				results, err := checker.CheckAll(cmd.Context())
				if err != nil && err != context.Canceled {
					return err
				}
				for _, r := range results {
					if r.Status == store.LinkStatusBroken {
						broken = append(broken, r)
					}
				}
			} else {
				links, err := s.AllLinks(true)
				if err != nil {
					return err
				}
				for _, l := range links {
					if l.Status == store.LinkStatusBroken {
						broken = append(broken, linkcheck.Result{
							LinkID: l.ID, DocumentPath: l.DocumentPath, Target: l.Target, Status: l.Status,
						})
					}
				}
			}

			if err := printResult(cmd, broken, func() {
				for _, r := range broken {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", colorize("31", "BROKEN"), r.DocumentPath, r.Target)
				}
				if len(broken) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no broken links")
				}
			}); err != nil {
				return err
			}

			if len(broken) > 0 {
				return newPolicyViolation("%d broken link(s) found", len(broken))
			}
			return nil
		},
	}

	c.Flags().BoolVar(&checkExternal, "check-external", false, "perform live HTTP checks of external links instead of reporting last-known status")
	return c
}
