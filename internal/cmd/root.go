package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dionysius/oma-core/internal/log"
	"github.com/dionysius/oma-core/internal/lock"
)

var (
	cfgFile    string
	verbose    bool
	noProgress bool
	realStdout *os.File // real stdout saved before redirection
)

// mutatingAnnotation marks a command whose RunE touches the sysroot's
// package database or its configuration files — §4.13 requires these (and
// only these) to carry a non-root invocation up to pkexec before doing
// anything else.
const mutatingAnnotation = "oma/mutating"

// markMutating flags cmds as requiring root, re-exec'ing under pkexec
// otherwise, per §4.13.
func markMutating(cmds ...*cobra.Command) {
	for _, c := range cmds {
		if c.Annotations == nil {
			c.Annotations = map[string]string{}
		}
		c.Annotations[mutatingAnnotation] = "true"
	}
}

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "oma",
	Short: "A fast APT package manager front-end",
	Long: `oma installs, upgrades, and removes packages from APT repositories.

It verifies repository signatures, resolves dependencies through the
system's package database, downloads and installs archives, and keeps a
history of every transaction it commits.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		realStdout = os.Stdout

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		handler := log.NewHandler(realStdout, level)
		slog.SetDefault(slog.New(handler))

		cmd.SetOut(realStdout)
		cmd.SetErr(realStdout)

		if cmd.Annotations[mutatingAnnotation] == "true" && lock.NeedsEscalation() {
			if err := lock.Reexec(os.Args[1:]); err != nil {
				return err
			}
			os.Exit(0)
		}
		return nil
	},
}

// ExecuteContext runs the root command with context, returning the error
// (if any) so main can translate it into spec.md §6/§7's exit-code
// contract instead of always exiting 1.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/oma/config.yaml or /etc/oma/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "disable the interactive progress renderer")

	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(pickCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(fixBrokenCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(pkgnamesCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(markCmd)
	rootCmd.AddCommand(dependsCmd)
	rootCmd.AddCommand(rdependsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(topicCmd)
	rootCmd.AddCommand(mirrorCmd)

	markMutating(refreshCmd, installCmd, upgradeCmd, removeCmd, purgeCmd, pickCmd,
		fixBrokenCmd, undoCmd, topicAddCmd, topicRemoveCmd)
}
