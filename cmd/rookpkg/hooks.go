package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var hooksListCmd = &cobra.Command{
	Use:   "hooks-list",
	Short: "List discovered transaction hooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		discovered, err := app.Hooks().DiscoverHooks()
		if err != nil {
			return err
		}
		for _, h := range discovered {
			fmt.Printf("%-30s order=%d events=%v\n", h.Name, h.Order, h.Events)
		}
		return nil
	},
}

var hooksInstallOrder int

var hooksInstallCmd = &cobra.Command{
	Use:   "hooks-install <name> <script-file>",
	Short: "Install a hook script under the hooks directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		path, err := app.Hooks().InstallHook(args[0], string(content), hooksInstallOrder)
		if err != nil {
			return err
		}
		fmt.Println("installed", path)
		return nil
	},
}

var hooksRemoveCmd = &cobra.Command{
	Use:   "hooks-remove <name>",
	Short: "Remove an installed hook script",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := app.Hooks().RemoveHook(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("hook %q not found", args[0])
		}
		return nil
	},
}

func init() {
	hooksInstallCmd.Flags().IntVar(&hooksInstallOrder, "order", 50, "execution order relative to other hooks")
	rootCmd.AddCommand(hooksListCmd)
	rootCmd.AddCommand(hooksInstallCmd)
	rootCmd.AddCommand(hooksRemoveCmd)
}
