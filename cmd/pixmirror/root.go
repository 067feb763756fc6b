package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pixmirror",
	Short: "Mirror your pixiv bookmarks to disk",
	Long: `pixmirror walks your pixiv bookmark listings, downloads every page of
every bookmarked work into a local directory and records what it fetched in a
ledger so later runs only transfer what is new.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pixmirror %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches $XDG_CONFIG_HOME/pixmirror and .)")
	rootCmd.AddCommand(versionCmd)
}
