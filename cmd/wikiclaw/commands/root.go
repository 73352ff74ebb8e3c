// Package commands implements the wikiclaw CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wikiclaw",
		Short: "Wikiclaw - a wiki-aware chat bot",
		Long: `Wikiclaw answers questions in chat using a MediaWiki site and a
generative model. [[Page]] references become links, {{Page}} references
are replaced with page content.

Examples:
  wikiclaw serve
  wikiclaw chat
  wikiclaw ask "what is on {{Tower Map}}?"
  wikiclaw resolve "tower map"
  wikiclaw config set-keys`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newAskCmd(),
		newResolveCmd(),
		newSearchCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
