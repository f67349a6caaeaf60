package cmd

import (
	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove <package...>",
	Short: "Remove the named packages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommit(cmd, nil, args, false, false)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <package...>",
	Short: "Remove the named packages along with their configuration files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommit(cmd, nil, args, true, false)
	},
}
