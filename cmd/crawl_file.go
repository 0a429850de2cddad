package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newCrawlFileCmd creates and configures the 'crawl-file' subcommand,
// which replays a saved feed document through the reconcile pipeline.
func newCrawlFileCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "crawl-file",
		Short: "Imports candidates from a local JSON document",
		Long: `Reads a saved feed document or candidate list from disk and runs it
through the same reconcile pipeline as a live crawl. Useful for
backfills and for replaying archived snapshots.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlFile(cmd, path)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "path to the JSON document to import")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func runCrawlFile(cmd *cobra.Command, path string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	src, err := a.FileSource(path)
	if err != nil {
		return err
	}

	metadata := map[string]any{"source": "file", "path": path}
	summary, err := a.Runner.Run(cmd.Context(), jobNameFileImport, metadata, src)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run import: %w", err)
	}

	logSummary(a.Logger, summary)
	return nil
}
