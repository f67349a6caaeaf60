package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dionysius/oma-core/internal/aptcache"
)

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "List recorded transactions, or show one in full",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		if len(args) == 1 {
			entry, err := a.History.Get(args[0])
			if err != nil {
				return err
			}
			rows := [][]string{{"Action", "Package", "Old", "New"}}
			for _, c := range entry.Plan {
				rows = append(rows, []string{c.Mark.String(), c.Name, c.OldVersion, c.NewVersion})
			}
			_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
			return nil
		}

		entries, err := a.History.List()
		if err != nil {
			return err
		}
		rows := [][]string{{"ID", "Kind", "Started", "Success", "Changes"}}
		for _, e := range entries {
			rows = append(rows, []string{
				e.ID, string(e.Kind), e.StartTS.Format("2006-01-02 15:04:05"),
				fmt.Sprintf("%v", e.Success), fmt.Sprintf("%d", len(e.Plan)),
			})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		return nil
	},
}

var undoCmd = &cobra.Command{
	Use:   "undo <id>",
	Short: "Reverse a previously committed transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		inv, err := a.History.Invert(args[0])
		if err != nil {
			return err
		}
		if len(inv.Changes) == 0 {
			cmd.Println("Nothing to undo.")
			return nil
		}

		var install, remove []string
		for _, c := range inv.Changes {
			switch c.Mark {
			case aptcache.MarkInstall:
				install = append(install, fmt.Sprintf("%s=%s", c.Name, c.NewVersion))
			case aptcache.MarkDelete, aptcache.MarkPurge:
				remove = append(remove, c.Name)
			}
		}

		return commitPlan(cmd, a, install, remove, false, false)
	},
}
