package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dionysius/oma-core/internal/aptcache"
)

var assumeYes bool

func init() {
	for _, c := range []*cobra.Command{installCmd, upgradeCmd, removeCmd, purgeCmd, fixBrokenCmd} {
		c.Flags().BoolVarP(&assumeYes, "yes", "y", false, "assume yes to the confirmation prompt")
	}
}

var installCmd = &cobra.Command{
	Use:   "install <package...>",
	Short: "Install or upgrade the named packages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommit(cmd, args, nil, false, false)
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade [package...]",
	Short: "Upgrade the named packages, or every installed package if none are given",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		selectors := args
		if len(selectors) == 0 {
			names, err := a.Cache.Names()
			if err != nil {
				return err
			}
			for _, name := range names {
				vs, err := a.Cache.Get(name)
				if err != nil {
					continue
				}
				for _, v := range vs {
					if v.Installed {
						selectors = append(selectors, name)
						break
					}
				}
			}
		}

		return commitPlan(cmd, a, selectors, nil, false, false)
	},
}

var pickCmd = &cobra.Command{
	Use:   "pick <package>=<version>",
	Short: "Install a specific version of one package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommit(cmd, args, nil, false, false)
	},
}

var fixBrokenCmd = &cobra.Command{
	Use:   "fix-broken",
	Short: "Resolve and repair a broken dependency state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommit(cmd, nil, nil, false, true)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <package...>",
	Short: "Download package archives into the archive directory without installing them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		results, unknown, err := a.Matcher.ResolveAll(args)
		if err != nil {
			return err
		}
		if len(unknown) > 0 {
			return fmt.Errorf("cmd: no package matches: %v", unknown)
		}

		changes := make([]aptcache.Change, 0, len(results))
		for _, r := range results {
			changes = append(changes, aptcache.Change{Name: r.Version.Name, Mark: aptcache.MarkInstall, NewVersion: r.Version.Version})
		}

		if err := a.Planner.DownloadArchives(ctx, changes); err != nil {
			return err
		}
		cmd.Printf("Downloaded %d archive(s) to %s\n", len(changes), a.Config.Plan.GetArchiveDir(a.Config.Sysroot))
		return nil
	},
}

// runCommit builds the Committer's Application first, so pickCmd/installCmd
// share the same install selector path as upgradeCmd's computed one.
func runCommit(cmd *cobra.Command, install, remove []string, purge, fixBroken bool) error {
	ctx := cmd.Context()
	a, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer a.Shutdown()

	return commitPlan(cmd, a, install, remove, purge, fixBroken)
}
