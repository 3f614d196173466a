package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dollspace-gay/rookpkg/internal/repository"
	"github.com/dollspace-gay/rookpkg/internal/signing"
)

var repoListCmd = &cobra.Command{
	Use:   "repo-list",
	Short: "List configured repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, r := range app.cfg.Repositories {
			status := color.GreenString("enabled")
			if !r.Enabled {
				status = color.RedString("disabled")
			}
			fmt.Printf("%-20s %-40s %s\n", r.Name, r.URL, status)
		}
		return nil
	},
}

var (
	repoPublishName    string
	repoPublishSignKey string
)

var repoPublishCmd = &cobra.Command{
	Use:   "repo-publish <repo-dir> <archives-dir>",
	Short: "Author repo.toml and packages.json from a directory of built archives",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var signKey *signing.Key
		if repoPublishSignKey != "" {
			k, err := signing.LoadSigningKey(repoPublishSignKey)
			if err != nil {
				return err
			}
			signKey = k
		}

		publisher := repository.NewPublisher(args[0], nil, signKey, app.log)
		meta := repository.Metadata{
			Repository: repository.Info{Name: repoPublishName, Version: 1},
		}
		if signKey != nil {
			meta.Signing.Fingerprint = signKey.Fingerprint
		}

		if err := publisher.Publish(meta, args[1]); err != nil {
			return err
		}
		fmt.Println(color.GreenString("published"), args[0])
		return nil
	},
}

func init() {
	repoPublishCmd.Flags().StringVar(&repoPublishName, "name", "rookery", "repository name recorded in repo.toml")
	repoPublishCmd.Flags().StringVar(&repoPublishSignKey, "key", "", "packager key to sign the index with")
	rootCmd.AddCommand(repoListCmd)
	rootCmd.AddCommand(repoPublishCmd)
}
