package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dependsCmd = &cobra.Command{
	Use:   "depends <package>",
	Short: "Show the runtime dependencies of a package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		v, err := a.Cache.Candidate(args[0])
		if err != nil {
			return err
		}
		if len(v.Depends) == 0 {
			cmd.Printf("%s has no recorded dependencies\n", v.Name)
			return nil
		}
		for _, dep := range v.Depends {
			cmd.Println(dep)
		}
		return nil
	},
}

var rdependsCmd = &cobra.Command{
	Use:   "rdepends <package>",
	Short: "Show every package that depends on the named package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApplication(ctx)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		target := args[0]
		names, err := a.Cache.Names()
		if err != nil {
			return err
		}

		found := false
		for _, name := range names {
			v, err := a.Cache.Candidate(name)
			if err != nil {
				continue
			}
			for _, dep := range v.Depends {
				if dep == target {
					cmd.Println(name)
					found = true
					break
				}
			}
		}
		if !found {
			cmd.Println(fmt.Sprintf("nothing depends on %s", target))
		}
		return nil
	},
}
