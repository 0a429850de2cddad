// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/config"
	"github.com/pcallen/catalogue-harvester/internal/harvest"
	"github.com/pcallen/catalogue-harvester/internal/source/qs"
)

// Job names shared with the HTTP API, so the jobs table shows one
// vocabulary no matter how a run was started.
const (
	jobNameCrawl      = "university_rankings_crawl"
	jobNameFileImport = "file_import"
)

type crawlOptions struct {
	limit         int
	pageURL       string
	mainURL       string
	indicatorsURL string
	maxRank       int
}

// newCrawlCmd creates and configures the 'crawl' subcommand, which runs
// one rankings harvest job in-process and exits when it completes.
func newCrawlCmd() *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one rankings harvest job",
		Long: `Discovers the published rankings feed, fetches up to --limit schools,
and reconciles each one against the unreviewed catalogue. Endpoint
flags bypass discovery; naming any endpoint flag replaces the
configured endpoints entirely.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "maximum schools to process (default from config)")
	cmd.Flags().StringVar(&opts.pageURL, "url", "", "rankings page to discover feed endpoints from")
	cmd.Flags().StringVar(&opts.mainURL, "main-url", "", "feed endpoint, skips discovery")
	cmd.Flags().StringVar(&opts.indicatorsURL, "indicators-url", "", "indicators endpoint for score enrichment")
	cmd.Flags().IntVar(&opts.maxRank, "max-rank", 0, "stop once published ranks exceed this cutoff")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts crawlOptions) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	cfg := feedConfigFromFlags(opts, config.Feed())
	feed, err := a.Feed(cfg)
	if err != nil {
		return fmt.Errorf("build rankings feed: %w", err)
	}

	metadata := map[string]any{"source": "qs", "limit": cfg.Limit}
	if cfg.MainURL != "" {
		metadata["main_url"] = cfg.MainURL
	} else {
		metadata["page_url"] = cfg.PageURL
	}
	if cfg.MaxRank > 0 {
		metadata["max_rank"] = cfg.MaxRank
	}

	summary, err := a.Runner.Run(cmd.Context(), jobNameCrawl, metadata, feed)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run harvest: %w", err)
	}

	logSummary(a.Logger, summary)
	return nil
}

// feedConfigFromFlags merges flag overrides with the configured feed.
// Any endpoint flag takes the whole endpoint trio, so a --url pointing
// at next year's page is never mixed with last year's configured feed.
func feedConfigFromFlags(opts crawlOptions, feed config.FeedConfig) qs.Config {
	cfg := qs.Config{
		PageURL:       feed.PageURL,
		MainURL:       feed.MainURL,
		IndicatorsURL: feed.IndicatorsURL,
		Limit:         feed.Limit,
		MaxRank:       opts.maxRank,
	}
	if opts.pageURL != "" || opts.mainURL != "" || opts.indicatorsURL != "" {
		cfg.PageURL = opts.pageURL
		cfg.MainURL = opts.mainURL
		cfg.IndicatorsURL = opts.indicatorsURL
	}
	if opts.limit > 0 {
		cfg.Limit = opts.limit
	}
	return cfg
}

func logSummary(logger *zap.Logger, s harvest.Summary) {
	logger.Info("Harvest finished",
		zap.String("job_id", s.JobID),
		zap.String("status", string(s.Status)),
		zap.Int("processed", s.Counters.Processed),
		zap.Int("inserted", s.Counters.Inserted),
		zap.Int("enriched", s.Counters.Enriched),
		zap.Int("skipped", s.Counters.Skipped),
		zap.Int("failed", s.Counters.Failed))
}
