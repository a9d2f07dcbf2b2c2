// Package fetch implements the polite HTTP fetcher used by crawl jobs:
// robots.txt enforcement (fail-closed), a randomized pre-request delay,
// retry with exponential backoff, and per-fetcher URL deduplication.
package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/temoto/robotstxt"

	"morada/internal/apperr"
	"morada/internal/metrics"
)

const robotsTTL = time.Hour

// botUARe is the bot-identifier policy: Name/Version (+contact: ...).
// A mismatch is a warning, not a failure.
var botUARe = regexp.MustCompile(`.+/.+\s*\(\+.+\)`)

var retriableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Options configures a Fetcher. Zero values fall back to the polite
// defaults.
type Options struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	UserAgent   string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	// SkipDelay disables the pre-request sleep. Used by dry-run
	// previews, which still respect robots.
	SkipDelay bool
}

type robotsEntry struct {
	data   *robotstxt.RobotsData
	loaded bool
	at     time.Time
}

// Fetcher performs polite GETs on behalf of a single crawl. It owns a
// per-host robots cache and a visited-URL set and is not safe for
// concurrent use; each job builds its own.
type Fetcher struct {
	client  *http.Client
	opts    Options
	logger  *slog.Logger
	robots  map[string]robotsEntry
	visited map[string]struct{}
}

func New(opts Options, logger *slog.Logger) *Fetcher {
	if opts.MinDelay <= 0 {
		opts.MinDelay = 2 * time.Second
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay + 3*time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "MoradaBot/1.0 (+contact: ops@morada.example)"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}

	if logger != nil && !botUARe.MatchString(opts.UserAgent) {
		logger.Warn("user agent does not follow Name/Version (+contact: ...) convention", "user_agent", opts.UserAgent)
	}

	return &Fetcher{
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		logger:  logger,
		robots:  make(map[string]robotsEntry),
		visited: make(map[string]struct{}),
	}
}

// Reset clears the visited-URL set so the fetcher can be reused for a
// fresh crawl.
func (f *Fetcher) Reset() {
	f.visited = make(map[string]struct{})
}

// Fetch GETs rawURL and returns the body on HTTP 200. It fails without
// issuing I/O when robots disallows the URL or when the URL was already
// consumed by this fetcher. Retriable statuses (429, 5xx) and transient
// I/O errors are retried with exponential backoff; other 4xx and
// timeouts give up immediately.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if _, seen := f.visited[rawURL]; seen {
		return "", apperr.Newf(apperr.KindScraping, "url already visited: %s", rawURL)
	}

	allowed, err := f.allowed(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if !allowed {
		metrics.RecordFetch("robots_blocked")
		return "", apperr.Newf(apperr.KindRobots, "robots.txt disallows %s", rawURL)
	}

	// Mark before the request so a failed fetch is not retried by a
	// later call with the same URL.
	f.visited[rawURL] = struct{}{}

	for attempt := 0; attempt <= f.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * f.opts.BackoffBase
			if err := sleepCtx(ctx, backoff); err != nil {
				return "", apperr.Wrap(apperr.KindScraping, "fetch cancelled", err)
			}
		}

		// The polite delay precedes every request, retries included.
		if !f.opts.SkipDelay {
			if err := sleepCtx(ctx, f.randomDelay()); err != nil {
				return "", apperr.Wrap(apperr.KindScraping, "fetch cancelled", err)
			}
		}

		body, status, err := f.get(ctx, rawURL)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				metrics.RecordFetch("timeout")
				return "", apperr.Wrap(apperr.KindScraping, "request timed out", err)
			}
			if ctx.Err() != nil {
				return "", apperr.Wrap(apperr.KindScraping, "fetch cancelled", ctx.Err())
			}
			// Transient transport error; retry.
			continue
		}

		switch {
		case status == http.StatusOK:
			metrics.RecordFetch("ok")
			return body, nil
		case retriableStatus[status]:
			if f.logger != nil {
				f.logger.Debug("retriable status", "url", rawURL, "status", status, "attempt", attempt)
			}
			continue
		default:
			metrics.RecordFetch("http_error")
			return "", apperr.Newf(apperr.KindScraping, "unexpected status %d for %s", status, rawURL)
		}
	}

	metrics.RecordFetch("retries_exhausted")
	return "", apperr.Newf(apperr.KindScraping, "retries exhausted for %s", rawURL)
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}
	return string(body), resp.StatusCode, nil
}

// allowed evaluates rawURL against the host's robots.txt, loading and
// caching it on first contact. The policy is fail-closed: when
// robots.txt cannot be retrieved or parsed, every request to that host
// is refused until the cache entry expires.
func (f *Fetcher) allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, apperr.Wrap(apperr.KindValidation, "invalid url", err)
	}

	host := u.Scheme + "://" + u.Host
	entry, ok := f.robots[host]
	if !ok || time.Since(entry.at) > robotsTTL {
		entry = f.loadRobots(ctx, u)
		f.robots[host] = entry
	}

	if !entry.loaded {
		return false, nil
	}
	return entry.data.TestAgent(u.Path, f.opts.UserAgent), nil
}

func (f *Fetcher) loadRobots(ctx context.Context, u *url.URL) robotsEntry {
	robotsURL := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return robotsEntry{at: time.Now()}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if f.logger != nil {
			f.logger.Warn("robots.txt fetch failed; refusing host", "host", u.Host, "error", err)
		}
		return robotsEntry{at: time.Now()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return robotsEntry{at: time.Now()}
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		if f.logger != nil {
			f.logger.Warn("robots.txt parse failed; refusing host", "host", u.Host, "error", err)
		}
		return robotsEntry{at: time.Now()}
	}

	return robotsEntry{data: data, loaded: true, at: time.Now()}
}

func (f *Fetcher) randomDelay() time.Duration {
	span := f.opts.MaxDelay - f.opts.MinDelay
	if span <= 0 {
		return f.opts.MinDelay
	}
	return f.opts.MinDelay + time.Duration(rand.Int63n(int64(span)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
