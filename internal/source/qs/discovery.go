package qs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Endpoints is a main/indicators feed pair located on a rankings page.
type Endpoints struct {
	MainURL       string
	IndicatorsURL string
}

// ErrNoFeed reports that neither the page nor its scripts referenced a
// rankings data endpoint.
var ErrNoFeed = errors.New("no rankings feed endpoints discovered")

// feedPattern matches the data endpoints rankings pages embed, absolute
// or root-relative, with an optional cache-buster query. The 32-hex hash
// pairs a main payload with its _indicators companion.
var feedPattern = regexp.MustCompile(`(?i)(?:https?://[^\s"'<>]+|/[^"'>]+)/sites/default/files/qs-rankings-data(?:/[a-z-]+)?/([a-f0-9]{32})(_indicators)?\.txt(?:\?[^"'>\s]*)?`)

const (
	defaultScriptScanLimit = 15
	// Bundles past this size are truncated before scanning.
	maxScriptScanBytes = 2_000_000
)

// DiscoveryConfig controls the ranking-page scan.
type DiscoveryConfig struct {
	// PageURL is the public ranking page to scan.
	PageURL string
	// UserAgent overrides the collector's default identity.
	UserAgent string
	// Timeout bounds each page or script fetch.
	Timeout time.Duration
	// ScriptScanLimit caps how many external scripts are fetched when
	// the page HTML itself holds no endpoint.
	ScriptScanLimit int
}

// Discoverer finds the feed endpoints embedded in a rankings page.
type Discoverer struct {
	cfg       DiscoveryConfig
	collector *colly.Collector
	logger    *zap.Logger
}

// NewDiscoverer builds a Discoverer around a fresh collector.
func NewDiscoverer(cfg DiscoveryConfig, logger *zap.Logger) *Discoverer {
	if cfg.ScriptScanLimit <= 0 {
		cfg.ScriptScanLimit = defaultScriptScanLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	return &Discoverer{cfg: cfg, collector: c, logger: logger}
}

// Discover fetches the ranking page and scans its HTML, then up to
// ScriptScanLimit external scripts, for feed endpoint pairs. The first
// pair found wins. ErrNoFeed when nothing matches.
func (d *Discoverer) Discover(ctx context.Context) (Endpoints, error) {
	if d.cfg.PageURL == "" {
		return Endpoints{}, fmt.Errorf("discovery requires a page url")
	}

	body, scripts, err := d.visit(ctx, d.cfg.PageURL, "", true)
	if err != nil {
		return Endpoints{}, fmt.Errorf("fetch ranking page: %w", err)
	}

	pairs := findFeedPairs(string(body), d.cfg.PageURL)
	if len(pairs) == 0 {
		pairs = d.scanScripts(ctx, scripts)
	}
	if len(pairs) == 0 {
		return Endpoints{}, ErrNoFeed
	}

	d.logger.Info("discovered rankings feed",
		zap.String("main_url", pairs[0].MainURL),
		zap.String("indicators_url", pairs[0].IndicatorsURL))
	return pairs[0], nil
}

// visit runs one collector fetch, returning the response body and, for
// HTML pages, the src attributes of external scripts.
func (d *Discoverer) visit(ctx context.Context, rawURL, referer string, wantScripts bool) ([]byte, []string, error) {
	collector := d.collector.Clone()
	if d.cfg.UserAgent != "" {
		collector.UserAgent = d.cfg.UserAgent
	}
	collector.SetRequestTimeout(d.cfg.Timeout)

	var (
		body     []byte
		scripts  []string
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9,zh;q=0.8")
		if referer != "" {
			r.Headers.Set("Referer", referer)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	if wantScripts {
		collector.OnHTML("script[src]", func(e *colly.HTMLElement) {
			scripts = append(scripts, e.Attr("src"))
		})
	}
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, nil, err
		}
		if fetchErr != nil {
			return nil, nil, fetchErr
		}
		return body, scripts, nil
	}
}

// scanScripts fetches external scripts and scans each for endpoint
// pairs. Fetch failures skip to the next script.
func (d *Discoverer) scanScripts(ctx context.Context, srcs []string) []Endpoints {
	origin, err := originOf(d.cfg.PageURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var urls []string
	for _, src := range srcs {
		if src == "" {
			continue
		}
		full := src
		if !strings.HasPrefix(full, "http") {
			ref, err := url.Parse(full)
			if err != nil {
				continue
			}
			full = origin.ResolveReference(ref).String()
		}
		if _, dup := seen[full]; dup {
			continue
		}
		seen[full] = struct{}{}
		urls = append(urls, full)
	}
	if len(urls) > d.cfg.ScriptScanLimit {
		urls = urls[:d.cfg.ScriptScanLimit]
	}
	d.logger.Debug("scanning external scripts", zap.Int("count", len(urls)))

	var pairs []Endpoints
	seenMain := make(map[string]struct{})
	for _, jsURL := range urls {
		if ctx.Err() != nil {
			return pairs
		}
		body, _, err := d.visit(ctx, jsURL, d.cfg.PageURL, false)
		if err != nil {
			d.logger.Debug("script fetch failed", zap.String("url", jsURL), zap.Error(err))
			continue
		}
		if len(body) > maxScriptScanBytes {
			body = body[:maxScriptScanBytes]
		}
		found := findFeedPairs(string(body), d.cfg.PageURL)
		if len(found) > 0 {
			d.logger.Info("found feed endpoints in script", zap.String("url", jsURL))
		}
		for _, p := range found {
			if _, dup := seenMain[p.MainURL]; dup {
				continue
			}
			seenMain[p.MainURL] = struct{}{}
			pairs = append(pairs, p)
		}
	}
	return pairs
}

// findFeedPairs scans text for feed endpoints, resolving root-relative
// URLs against the page origin and pairing main with indicators by hash.
// Pair order follows first appearance in the text.
func findFeedPairs(text, pageURL string) []Endpoints {
	origin, originErr := originOf(pageURL)

	var order []string
	byHash := make(map[string]*Endpoints)
	for _, m := range feedPattern.FindAllStringSubmatch(text, -1) {
		full := strings.TrimSpace(m[0])
		if !strings.HasPrefix(full, "http") {
			if originErr != nil {
				continue
			}
			ref, err := url.Parse(full)
			if err != nil {
				continue
			}
			full = origin.ResolveReference(ref).String()
		}

		hash := m[1]
		pair, ok := byHash[hash]
		if !ok {
			pair = &Endpoints{}
			byHash[hash] = pair
			order = append(order, hash)
		}
		if m[2] != "" {
			pair.IndicatorsURL = full
		} else {
			pair.MainURL = full
		}
	}

	var out []Endpoints
	for _, h := range order {
		if p := byHash[h]; p.MainURL != "" {
			out = append(out, *p)
		}
	}
	return out
}

func originOf(pageURL string) (*url.URL, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("page url %q has no origin", pageURL)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}
