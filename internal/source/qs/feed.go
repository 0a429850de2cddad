// Package qs produces catalogue candidates from the QS world rankings
// feeds. The public ranking pages embed per-edition .txt endpoints that
// serve the full table as JSON; Feed fetches those endpoints directly
// when configured, or locates them with Discoverer by scanning the page
// HTML and its script bundles. Raw payloads are archived before parsing
// so a bad mapping can be replayed against the exact bytes.
package qs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pcallen/catalogue-harvester/internal/archive"
	"github.com/pcallen/catalogue-harvester/internal/clock/system"
	"github.com/pcallen/catalogue-harvester/internal/harvest"
	"github.com/pcallen/catalogue-harvester/internal/rank"
)

// DefaultPageURL is the ranking page scanned when no endpoints are
// configured. It also serves as the Referer on feed fetches.
const DefaultPageURL = "https://www.qschina.cn/en/university-rankings/world-university-rankings/2026"

// Candidate confidence depends on endpoint provenance: configured
// endpoints are trusted slightly more than discovered ones.
const (
	confidenceDirect     = 0.95
	confidenceDiscovered = 0.9
)

// Config controls what the feed fetches and which rows it yields.
type Config struct {
	// PageURL is the public ranking page. Defaults to DefaultPageURL.
	PageURL string
	// MainURL and IndicatorsURL point straight at the data endpoints.
	// When MainURL is empty the feed discovers both from PageURL.
	MainURL       string
	IndicatorsURL string
	// Limit caps how many candidates Each yields. Zero yields all.
	Limit int
	// MaxRank keeps only institutions whose rank upper bound is at or
	// below the cutoff, sorted ascending. Zero disables the filter.
	MaxRank int
}

// Finder locates feed endpoints when none are configured.
type Finder interface {
	Discover(ctx context.Context) (Endpoints, error)
}

// Feed is a harvest.Source backed by the rankings data endpoints.
type Feed struct {
	cfg       Config
	transport harvest.Transport
	finder    Finder
	archive   archive.Provider
	clock     harvest.Clock
	logger    *zap.Logger
}

// NewFeed wires a feed source. transport is required; finder may be nil
// when cfg.MainURL is set. A nil archive disables snapshots.
func NewFeed(cfg Config, transport harvest.Transport, finder Finder, arc archive.Provider, clk harvest.Clock, logger *zap.Logger) (*Feed, error) {
	if transport == nil {
		return nil, fmt.Errorf("feed requires a transport")
	}
	if cfg.PageURL == "" {
		cfg.PageURL = DefaultPageURL
	}
	if cfg.MainURL == "" && finder == nil {
		return nil, fmt.Errorf("feed requires a main url or a discoverer")
	}
	if arc == nil {
		arc = archive.Noop{}
	}
	if clk == nil {
		clk = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{cfg: cfg, transport: transport, finder: finder, archive: arc, clock: clk, logger: logger}, nil
}

// WithMaxRank returns a copy of the feed restricted to ranks at or
// below n.
func (f *Feed) WithMaxRank(n int) *Feed {
	clone := *f
	clone.cfg.MaxRank = n
	return &clone
}

// Name implements harvest.Source.
func (f *Feed) Name() string { return "qs-rankings" }

// Each fetches the feed payloads, maps and filters the rows, and yields
// the surviving candidates in order.
func (f *Feed) Each(ctx context.Context, fn func(harvest.Candidate) error) error {
	endpoints := Endpoints{MainURL: f.cfg.MainURL, IndicatorsURL: f.cfg.IndicatorsURL}
	discovered := false
	if endpoints.MainURL == "" {
		var err error
		endpoints, err = f.finder.Discover(ctx)
		if err != nil {
			return fmt.Errorf("discover feed endpoints: %w", err)
		}
		discovered = true
	}

	stamp := f.clock.Now().UTC().Format("20060102T150405Z")

	mainBody, err := f.fetchPayload(ctx, endpoints.MainURL, stamp, "main")
	if err != nil {
		return fmt.Errorf("fetch rankings payload: %w", err)
	}

	// The indicators companion is archived for replay only. Its values
	// are never read; the main rows already carry the ind_* columns.
	if endpoints.IndicatorsURL != "" {
		if _, err := f.fetchPayload(ctx, endpoints.IndicatorsURL, stamp, "indicators"); err != nil {
			f.logger.Warn("indicators fetch failed",
				zap.String("url", endpoints.IndicatorsURL), zap.Error(err))
		}
	}

	rows, err := decodeRows(mainBody)
	if err != nil {
		return fmt.Errorf("decode rankings payload: %w", err)
	}

	candidates := f.mapRows(rows, discovered)
	f.logger.Info("rankings feed mapped",
		zap.Int("rows", len(rows)),
		zap.Int("candidates", len(candidates)),
		zap.String("main_url", endpoints.MainURL))

	for i, c := range candidates {
		if f.cfg.Limit > 0 && i >= f.cfg.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

// fetchPayload fetches one feed endpoint and snapshots the body. A
// failed snapshot never fails the fetch.
func (f *Feed) fetchPayload(ctx context.Context, rawURL, stamp, kind string) ([]byte, error) {
	header := http.Header{}
	header.Set("Referer", f.cfg.PageURL)
	header.Set("Accept", "application/json, text/plain, */*")
	header.Set("Accept-Language", "en-US,en;q=0.9,zh;q=0.8")

	resp, err := f.transport.Fetch(ctx, harvest.FetchRequest{URL: rawURL, Header: header})
	if err != nil {
		return nil, err
	}

	object := fmt.Sprintf("qs/%s/%s.txt", stamp, kind)
	if uri, err := f.archive.Save(ctx, object, "application/json", resp.Body); err != nil {
		f.logger.Warn("payload snapshot failed", zap.String("object", object), zap.Error(err))
	} else if uri != "" {
		f.logger.Debug("payload archived", zap.String("uri", uri))
	}
	return resp.Body, nil
}

// decodeRows accepts both payload shapes seen in the wild: an object
// wrapping a data array, or a bare array.
func decodeRows(body []byte) ([]map[string]any, error) {
	var envelope struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Data != nil {
		return envelope.Data, nil
	}
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("payload is neither a data envelope nor an array: %w", err)
	}
	return rows, nil
}

// mapRows converts feed rows to candidates and applies the configured
// filter: the strict name validator normally, or the loose validator
// plus the rank cutoff when MaxRank is set. Cutoff mode sorts ascending
// by rank so top-up runs touch the head of the table first.
func (f *Feed) mapRows(rows []map[string]any, discovered bool) []harvest.Candidate {
	origin, _ := originOf(f.cfg.PageURL)
	confidence := confidenceDirect
	if discovered {
		confidence = confidenceDiscovered
	}

	type ranked struct {
		c     harvest.Candidate
		upper int
	}
	var out []harvest.Candidate
	var kept []ranked
	for _, row := range rows {
		c, ok := mapRow(row, origin, f.cfg.PageURL, confidence)
		if !ok {
			continue
		}

		if f.cfg.MaxRank > 0 {
			if !ProbablyUniversity(c.Name) {
				continue
			}
			upper, ok := rank.UpperBound(c.RawRank)
			if !ok || upper > f.cfg.MaxRank {
				continue
			}
			kept = append(kept, ranked{c: c, upper: upper})
			continue
		}

		if !ValidName(c.Name) {
			f.logger.Warn("skipping invalid name", zap.String("name", c.Name))
			continue
		}
		out = append(out, c)
	}

	if f.cfg.MaxRank > 0 {
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].upper < kept[j].upper })
		out = make([]harvest.Candidate, 0, len(kept))
		for _, r := range kept {
			out = append(out, r.c)
		}
	}
	return out
}

// FeedHost reports whether a URL belongs to one of the rankings hosts
// this source understands.
func FeedHost(rawURL string) bool {
	return strings.Contains(rawURL, "qschina.cn") || strings.Contains(rawURL, "topuniversities.com")
}
