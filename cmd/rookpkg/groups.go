package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var groupsIncludeOptional bool

var groupsCmd = &cobra.Command{
	Use:   "groups [group]",
	Short: "List package groups, or the packages belonging to one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoMgr, err := app.Repository()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			for _, g := range repoMgr.ListGroups() {
				fmt.Printf("@%s [%s] %s\n", g.Group.Name, g.Repository, g.Group.Description)
			}
			return nil
		}

		members := repoMgr.ExpandGroup(args[0], groupsIncludeOptional)
		if members == nil {
			return fmt.Errorf("group %q not found", args[0])
		}
		for _, m := range members {
			fmt.Println(m)
		}
		return nil
	},
}

func init() {
	groupsCmd.Flags().BoolVar(&groupsIncludeOptional, "optional", false, "include the group's optional packages")
	rootCmd.AddCommand(groupsCmd)
}
