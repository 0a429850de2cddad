// Package fetcher implements the paced, retrying HTTP transport used to
// pull ranking feeds. Upstream sources penalize bursts, so every request
// through one Client is paced per host, throttling responses back off
// exponentially, and transient network failures retry on a fixed delay.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pcallen/catalogue-harvester/internal/harvest"
	"github.com/pcallen/catalogue-harvester/internal/metrics"
)

// Config controls transport behavior.
type Config struct {
	UserAgent    string
	MinInterval  time.Duration // minimum delay between requests to one host
	Timeout      time.Duration // per-attempt budget
	MaxRetries   int           // retries after the first attempt
	RetryDelay   time.Duration // fixed delay for network errors and plain bad statuses
	BackoffBase  time.Duration // base for the 429/503 exponential backoff
	MaxBodyBytes int64
}

// Stats reports transport activity, observable for tests and health output.
type Stats struct {
	Requests      int
	LastRequestAt time.Time
}

// Client is a rate-limited HTTP transport. It implements harvest.Transport.
type Client struct {
	cfg    Config
	client *http.Client
	clock  harvest.Clock
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	stats    Stats
}

var errBodyTooLarge = errors.New("response body too large")

// New builds a Client. Retry sleeps go through the given clock so tests
// can observe them without waiting.
func New(cfg Config, clock harvest.Clock, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 * 1024 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		clock:    clock,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch issues a GET for the request URL, pacing per host and retrying
// per the failure taxonomy: 429/503 back off exponentially up to the
// retry budget (ThrottledError on exhaustion), network errors and other
// non-2xx statuses retry on a fixed delay (UnreachableError and
// StatusError), and 404 is terminal immediately (ErrNotFound).
func (c *Client) Fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("parse url %q: %w", req.URL, err)
	}
	if u.Host == "" {
		return harvest.FetchResponse{}, fmt.Errorf("url %q has no host", req.URL)
	}
	host := u.Hostname()

	var (
		lastStatus  int
		lastNetErr  error
		lastBackoff time.Duration
		attempts    int
	)

	for attempt := 0; ; attempt++ {
		if err := c.pace(ctx, host); err != nil {
			return harvest.FetchResponse{}, fmt.Errorf("pacing wait: %w", err)
		}

		attempts++
		start := c.note()
		resp, err := c.do(ctx, req)
		elapsed := time.Since(start.real)

		var (
			reason string
			delay  time.Duration
		)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return harvest.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, ctx.Err())
			}
			if errors.Is(err, errBodyTooLarge) {
				return harvest.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			metrics.ObserveFetch(host, "error", 0, elapsed)
			lastNetErr, lastStatus = err, 0
			reason, delay = "unreachable", c.cfg.RetryDelay

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			metrics.ObserveFetch(host, "2xx", len(resp.Body), elapsed)
			return resp, nil

		case resp.StatusCode == http.StatusNotFound:
			metrics.ObserveFetch(host, "4xx", len(resp.Body), elapsed)
			c.logger.Warn("Resource not found", zap.String("url", req.URL))
			return harvest.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, harvest.ErrNotFound)

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
			metrics.ObserveFetch(host, statusClass(resp.StatusCode), len(resp.Body), elapsed)
			lastStatus, lastNetErr = resp.StatusCode, nil
			lastBackoff = c.cfg.BackoffBase * time.Duration(1<<attempt)
			reason, delay = "throttled", lastBackoff

		default:
			metrics.ObserveFetch(host, statusClass(resp.StatusCode), len(resp.Body), elapsed)
			lastStatus, lastNetErr = resp.StatusCode, nil
			reason, delay = "status", c.cfg.RetryDelay
		}

		if attempt >= c.cfg.MaxRetries {
			break
		}
		c.retrySleep(ctx, host, reason, delay, attempt, retryCause(lastNetErr, lastStatus))
		if ctx.Err() != nil {
			return harvest.FetchResponse{}, ctx.Err()
		}
	}

	switch {
	case lastNetErr != nil:
		return harvest.FetchResponse{}, &harvest.UnreachableError{Attempts: attempts, Err: lastNetErr}
	case lastStatus == http.StatusTooManyRequests || lastStatus == http.StatusServiceUnavailable:
		return harvest.FetchResponse{}, &harvest.ThrottledError{
			Attempts:   attempts,
			LastStatus: lastStatus,
			Wait:       lastBackoff,
		}
	default:
		return harvest.FetchResponse{}, &harvest.StatusError{Code: lastStatus}
	}
}

// Stats returns a snapshot of transport activity.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// pace blocks until the host's limiter grants a slot.
func (c *Client) pace(ctx context.Context, host string) error {
	c.mu.Lock()
	limiter, ok := c.limiters[host]
	if !ok {
		limit := rate.Inf
		if c.cfg.MinInterval > 0 {
			limit = rate.Every(c.cfg.MinInterval)
		}
		limiter = rate.NewLimiter(limit, 1)
		c.limiters[host] = limiter
	}
	c.mu.Unlock()

	return limiter.Wait(ctx)
}

type noteStamp struct {
	real time.Time
}

// note records one outbound attempt in the stats.
func (c *Client) note() noteStamp {
	now := c.clock.Now()
	c.mu.Lock()
	c.stats.Requests++
	c.stats.LastRequestAt = now
	c.mu.Unlock()
	return noteStamp{real: time.Now()}
}

func (c *Client) do(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	attemptCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	httpReq.Header.Set("Accept", "application/json, text/plain, */*")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9,zh;q=0.8")
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Set(key, v)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return harvest.FetchResponse{}, err
	}
	defer resp.Body.Close() //nolint:errcheck // read side already decided

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return harvest.FetchResponse{}, fmt.Errorf("%w: over %d bytes from %s", errBodyTooLarge, c.cfg.MaxBodyBytes, req.URL)
	}

	return harvest.FetchResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

func (c *Client) retrySleep(ctx context.Context, host, reason string, delay time.Duration, attempt int, cause error) {
	metrics.ObserveRetryDelay(host, reason, delay)
	c.logger.Warn("Fetch failed, retrying",
		zap.String("host", host),
		zap.String("reason", reason),
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt+1),
		zap.Error(cause),
	)
	_ = c.clock.Sleep(ctx, delay)
}

func retryCause(netErr error, status int) error {
	if netErr != nil {
		return netErr
	}
	return fmt.Errorf("status %d", status)
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
