package cmd

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// mirrorCmd is read-only: it lists the mirror URLs already configured
// through sources.list.d fragments, the same registry spec.md describes
// as "used to humanise progress messages" rather than a separate store.
var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "List the mirror URLs configured across every source",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		entries, err := scanSources(a.Config)
		if err != nil {
			return err
		}

		rows := [][]string{{"URL", "Suite", "Components", "Trusted"}}
		for _, e := range entries {
			comps := ""
			for i, c := range e.Components {
				if i > 0 {
					comps += " "
				}
				comps += c
			}
			trusted := "no"
			if e.Trusted {
				trusted = "yes"
			}
			rows = append(rows, []string{e.RawURL, e.Suite, comps, trusted})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		return nil
	},
}
