package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/bot"
	"github.com/spf13/cobra"
)

// newResolveCmd creates `wikiclaw resolve`, which prints the canonical
// title and URL for a reference.
func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <reference>",
		Short: "Resolve a page reference to its canonical title",
		Long: `Resolve a reference the way [[links]] are resolved and print the
canonical title and URL.

Examples:
  wikiclaw resolve "tower map"
  wikiclaw resolve "Boss Rush#Phase 2"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runResolve,
	}
	cmd.Flags().Bool("preload", false, "preload the title index first")
	return cmd
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stderr)

	components, err := bot.Build(cfg, logger)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if preload, _ := cmd.Flags().GetBool("preload"); preload {
		if err := components.Resolver.Reload(ctx); err != nil {
			logger.Warn("title index preload failed", "error", err)
		}
	}

	ref := strings.Join(args, " ")
	title, ok := components.Resolver.Resolve(ctx, ref)
	out := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintf(out, "%q: not found\n", ref)
		return nil
	}
	fmt.Fprintf(out, "%s\n%s\n", title, components.Wiki.PageURL(title.Page, title.Fragment))
	return nil
}

// newSearchCmd creates `wikiclaw search`.
func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the wiki",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}
	cmd.Flags().IntP("limit", "n", 10, "maximum number of results")
	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stderr)

	components, err := bot.Build(cfg, logger)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	hits, err := components.Wiki.Search(cmd.Context(), strings.Join(args, " "), limit)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "No results.")
		return nil
	}
	for _, h := range hits {
		fmt.Fprintf(out, "%s\n  %s\n", h.Title, components.Wiki.PageURL(h.Title, ""))
	}
	return nil
}
