package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dionysius/oma-core/internal/topic"
)

var topicCmd = &cobra.Command{
	Use:   "topic",
	Short: "Manage rolling-release topic repositories",
}

var topicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known topic and whether it is enabled",
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

		enabled := map[string]bool{}
		for _, t := range a.Topics.EnabledTopics() {
			enabled[t.Name] = true
		}

		rows := [][]string{{"Topic", "Enabled", "Closed", "Description"}}
		for _, t := range a.Topics.AllTopics() {
			rows = append(rows, []string{t.Name, fmt.Sprintf("%v", enabled[t.Name]), fmt.Sprintf("%v", t.Closed), t.Description})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		return nil
	},
}

var topicAddCmd = &cobra.Command{
	Use:   "enable <topic>",
	Short: "Enable a topic",
	Args:  cobra.ExactArgs(1),
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
		if err := a.Topics.Add(args[0], false); err != nil {
			return err
		}
		_, err = a.Topics.WriteEnabled(a.Config.SourcesDir(), "managed by oma topic enable", false)
		return err
	},
}

var topicRemoveCmd = &cobra.Command{
	Use:   "disable <topic>",
	Short: "Disable a topic",
	Args:  cobra.ExactArgs(1),
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
		removed, err := a.Topics.Remove(args[0], false)
		if err != nil {
			return err
		}
		if _, err := a.Topics.WriteEnabled(a.Config.SourcesDir(), "managed by oma topic disable", false); err != nil {
			return err
		}
		cmd.Printf("Disabled %s (%d package(s) now orphaned)\n", removed.Topic.Name, len(removed.Packages))

		install, remove := downgradeSelectors(a, []topic.RemovedTopic{removed})
		if len(install) > 0 || len(remove) > 0 {
			return commitPlan(cmd, a, install, remove, false, false)
		}
		return nil
	},
}

func init() {
	topicCmd.AddCommand(topicListCmd, topicAddCmd, topicRemoveCmd)
}
