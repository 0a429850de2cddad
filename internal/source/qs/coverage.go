package qs

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
)

// coverageQueryLimit caps the coverage query. Top-up cutoffs sit well
// below it in practice.
const coverageQueryLimit = 400

// Coverage summarizes how much of the top of the table the catalogue
// already holds.
type Coverage struct {
	// Count is how many stored entities carry a rank at or below the
	// cutoff, duplicates included.
	Count int
	// MaxRank is the highest such rank, zero when none exist.
	MaxRank int
	// Missing lists the ranks in 1..n with no stored entity, ascending.
	Missing []int
}

// Complete reports whether the top n needs no fetching.
func (c Coverage) Complete(n int) bool {
	return c.Count >= n && c.MaxRank >= n && len(c.Missing) == 0
}

// TopCoverage queries the catalogue for ranked entities at or below n,
// optionally restricted to rows whose source URL contains sourceLike.
func TopCoverage(ctx context.Context, store harvest.RecordStore, sourceLike string, n int) (Coverage, error) {
	q := harvest.Query{
		Matches: []harvest.Match{
			{Field: harvest.FieldRank, Op: harvest.MatchAtMost, Value: strconv.Itoa(n)},
		},
		Limit: coverageQueryLimit,
	}
	if sourceLike != "" {
		q.Matches = append(q.Matches, harvest.Match{
			Field: harvest.FieldSourceURL, Op: harvest.MatchContains, Value: sourceLike,
		})
	}

	entities, err := store.Find(ctx, q)
	if err != nil {
		return Coverage{}, fmt.Errorf("query rank coverage: %w", err)
	}

	present := make(map[int]struct{})
	var cov Coverage
	for _, e := range entities {
		if e.Rank == nil {
			continue
		}
		r := *e.Rank
		cov.Count++
		if r > cov.MaxRank {
			cov.MaxRank = r
		}
		present[r] = struct{}{}
	}
	for r := 1; r <= n; r++ {
		if _, ok := present[r]; !ok {
			cov.Missing = append(cov.Missing, r)
		}
	}
	return cov, nil
}

// JobRunner runs one harvest job to completion.
type JobRunner interface {
	Run(ctx context.Context, name string, metadata map[string]any, src harvest.Source) (harvest.Summary, error)
}

// EnsureResult reports what EnsureTop found and did.
type EnsureResult struct {
	Before Coverage
	After  Coverage
	// Ran is false when coverage was already complete.
	Ran bool
	// Summary is the top-up job's outcome, nil when Ran is false.
	Summary *harvest.Summary
}

// EnsureTop checks catalogue coverage of the top n ranks and, when gaps
// exist, runs a top-up job over the feed restricted to that cutoff. The
// coverage check is repeated afterwards so the caller can report what
// the run closed.
func EnsureTop(ctx context.Context, store harvest.RecordStore, runner JobRunner, feed *Feed, sourceLike string, n int, logger *zap.Logger) (EnsureResult, error) {
	if n <= 0 {
		return EnsureResult{}, fmt.Errorf("top cutoff must be positive, got %d", n)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	feedURL := feed.cfg.MainURL
	if feedURL == "" {
		feedURL = feed.cfg.PageURL
	}
	if !FeedHost(feedURL) {
		return EnsureResult{}, fmt.Errorf("refusing to top up from %q: not a rankings host", feedURL)
	}

	before, err := TopCoverage(ctx, store, sourceLike, n)
	if err != nil {
		return EnsureResult{}, err
	}
	logger.Info("rank coverage",
		zap.Int("top_n", n),
		zap.Int("count", before.Count),
		zap.Int("max_rank", before.MaxRank),
		zap.Int("missing", len(before.Missing)))

	if before.Complete(n) {
		logger.Info("top ranks already complete", zap.Int("top_n", n))
		return EnsureResult{Before: before, After: before}, nil
	}

	metadata := map[string]any{
		"top_n":         n,
		"missing_count": len(before.Missing),
		"source_like":   sourceLike,
	}
	summary, err := runner.Run(ctx, "rankings_top_up", metadata, feed.WithMaxRank(n))
	if err != nil {
		return EnsureResult{Before: before, Ran: true, Summary: &summary}, fmt.Errorf("top-up run: %w", err)
	}

	after, err := TopCoverage(ctx, store, sourceLike, n)
	if err != nil {
		return EnsureResult{Before: before, Ran: true, Summary: &summary}, err
	}
	logger.Info("rank coverage after top-up",
		zap.Int("top_n", n),
		zap.Int("count", after.Count),
		zap.Int("max_rank", after.MaxRank),
		zap.Int("missing", len(after.Missing)))

	return EnsureResult{Before: before, After: after, Ran: true, Summary: &summary}, nil
}
