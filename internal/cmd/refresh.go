package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dionysius/oma-core/internal/topic"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Update the package database from every configured source",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		if err := a.Topics.Load(); err != nil {
			return err
		}
		var closedTopics []topic.RemovedTopic
		if a.Topics != nil {
			// best-effort: a stale/unreachable topics manifest should not
			// block a metadata refresh.
			closedTopics, _ = a.Topics.Refresh(ctx)
		}

		entries, err := scanSources(a.Config)
		if err != nil {
			return err
		}

		report, err := a.Refresh.Refresh(ctx, entries)
		if err != nil {
			return err
		}

		cmd.Printf("Fetched %d source(s), %d skipped, %d index file(s)\n", len(report.Fetched), len(report.Skipped), report.IndexLen)

		if len(closedTopics) > 0 {
			install, remove := downgradeSelectors(a, closedTopics)
			if len(install) > 0 || len(remove) > 0 {
				cmd.Printf("%d topic(s) closed upstream; downgrading their packages\n", len(closedTopics))
				return commitPlan(cmd, a, install, remove, false, false)
			}
		}
		return nil
	},
}
