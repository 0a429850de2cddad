package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/config"
	"github.com/pcallen/catalogue-harvester/internal/source/qs"
)

// newEnsureTopCmd creates and configures the 'ensure-top' subcommand,
// which crawls only when the catalogue is missing top-ranked schools.
func newEnsureTopCmd() *cobra.Command {
	var (
		top        int
		sourceLike string
	)
	cmd := &cobra.Command{
		Use:   "ensure-top",
		Short: "Tops up the catalogue when top-ranked schools are missing",
		Long: `Checks whether every rank from 1 to --top is present in the catalogue
and, only when gaps exist, runs a harvest capped at that rank. Complete
coverage makes this a cheap no-op, so it is safe to run on a schedule.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEnsureTop(cmd, top, sourceLike)
		},
	}
	cmd.Flags().IntVar(&top, "top", 0, "ranks that must all be present (default from feed limit)")
	cmd.Flags().StringVar(&sourceLike, "source-like", "", "only count rows whose source URL contains this substring")
	return cmd
}

func runEnsureTop(cmd *cobra.Command, top int, sourceLike string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	feedCfg := config.Feed()
	if top <= 0 {
		top = feedCfg.Limit
	}

	feed, err := a.Feed(feedConfigFromFlags(crawlOptions{}, feedCfg))
	if err != nil {
		return fmt.Errorf("build rankings feed: %w", err)
	}

	res, err := qs.EnsureTop(cmd.Context(), a.Store, a.Runner, feed, sourceLike, top, a.Logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ensure top ranks: %w", err)
	}

	if !res.Ran {
		a.Logger.Info("Top ranks already covered", zap.Int("top", top))
		return nil
	}
	if res.Summary != nil {
		logSummary(a.Logger, *res.Summary)
	}
	if !res.After.Complete(top) {
		a.Logger.Warn("Ranks still missing after top-up",
			zap.Int("top", top),
			zap.Int("missing", len(res.After.Missing)))
	}
	return nil
}
