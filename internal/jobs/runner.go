// Package jobs contains the scrape job lifecycle: status transitions,
// the crawl engine, and the background worker that claims pending
// jobs.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"morada/internal/config"
	"morada/internal/extract"
	"morada/internal/fetch"
	"morada/internal/metrics"
	"morada/internal/model"
	"morada/internal/normalize"
	"morada/internal/store"
)

const maxLogEntries = 200

// Runner executes one scrape job end to end: page loop, listing loop,
// progress persistence, and the terminal status transition.
type Runner struct {
	store     *store.Store
	extractor *extract.Extractor
	registry  *normalize.Registry
	scraper   config.ScraperConfig
	logger    *slog.Logger
}

func NewRunner(st *store.Store, ex *extract.Extractor, reg *normalize.Registry, scraper config.ScraperConfig, logger *slog.Logger) *Runner {
	return &Runner{
		store:     st,
		extractor: ex,
		registry:  reg,
		scraper:   scraper,
		logger:    logger,
	}
}

// crawlState bundles the mutable job fields the engine persists after
// every page and listing.
type crawlState struct {
	progress model.Progress
	logs     model.JobLogs
	urls     model.JobURLs
}

func (cs *crawlState) logError(msg, url string) {
	cs.logs.Errors = appendLog(cs.logs.Errors, msg, url)
}

func (cs *crawlState) logWarning(msg, url string) {
	cs.logs.Warnings = appendLog(cs.logs.Warnings, msg, url)
}

func (cs *crawlState) logInfo(msg, url string) {
	cs.logs.Info = appendLog(cs.logs.Info, msg, url)
}

func appendLog(entries []model.LogEntry, msg, url string) []model.LogEntry {
	if len(entries) >= maxLogEntries {
		return entries
	}
	return append(entries, model.LogEntry{Timestamp: time.Now().UTC(), Message: msg, URL: url})
}

// Run crawls the site for the given job. The job must already be in
// running status; Run moves it to completed or leaves it cancelled.
// Page and listing failures are logged on the job, not fatal.
func (r *Runner) Run(ctx context.Context, job *model.ScrapeJob, site *model.SiteConfig) {
	logger := r.logger.With("job_id", job.ID, "site_key", job.SiteKey)

	selectors := overlaySelectors(site)
	fetcher := fetch.New(r.fetchOptions(job), logger)

	state := &crawlState{
		progress: job.Progress,
		logs:     job.Logs,
		urls:     job.URLs,
	}

	maxPages := job.MaxPages
	if maxPages <= 0 {
		maxPages = r.scraper.DefaultMaxPages
	}

	pageURL := job.StartURL
	cancelled := false

	for page := 1; page <= maxPages && pageURL != ""; page++ {
		if r.isCancelled(ctx, job) {
			cancelled = true
			break
		}

		html, err := fetcher.Fetch(ctx, pageURL)
		if err != nil {
			state.progress.Errors++
			state.logError("page fetch failed: "+err.Error(), pageURL)
			break
		}

		state.progress.PagesVisited++
		logger.Info("page fetched", "page", page, "url", pageURL)

		links, err := r.extractor.ListingLinks(html, pageURL, selectors)
		if err != nil {
			state.progress.Errors++
			state.logError("link extraction failed: "+err.Error(), pageURL)
			r.saveProgress(ctx, job, state)
			break
		}
		for _, link := range links {
			state.urls.AddFound(link)
		}
		state.progress.ListingsFound = len(state.urls.Found)
		r.saveProgress(ctx, job, state)

		for _, link := range links {
			if r.isCancelled(ctx, job) {
				cancelled = true
				break
			}
			r.scrapeListing(ctx, fetcher, job, site, selectors, link, state)
			r.saveProgress(ctx, job, state)
		}
		if cancelled {
			break
		}

		pageURL = r.nextPageURL(site, selectors, html, pageURL, job.StartURL, page)
	}

	r.saveProgress(ctx, job, state)

	if cancelled {
		logger.Info("job cancelled", "pages", state.progress.PagesVisited, "scraped", state.progress.ListingsScraped)
		metrics.RecordJobFinished(string(StatusCancelled))
		return
	}

	logger.Info("job completed",
		"pages", state.progress.PagesVisited,
		"found", state.progress.ListingsFound,
		"scraped", state.progress.ListingsScraped,
		"errors", state.progress.Errors)
	r.finish(ctx, job, StatusCompleted, "")
}

// scrapeListing fetches, extracts, normalizes, and persists one
// listing URL. Failures are recorded on the job and do not stop the
// crawl.
func (r *Runner) scrapeListing(ctx context.Context, fetcher *fetch.Fetcher, job *model.ScrapeJob, site *model.SiteConfig, selectors map[string]any, link string, state *crawlState) {
	normalizer, err := r.registry.Get(sourcePartner(site))
	if err != nil {
		state.progress.Errors++
		state.urls.AddFailed(link)
		state.logError("no normalizer for partner: "+err.Error(), link)
		return
	}

	html, err := fetcher.Fetch(ctx, link)
	if err != nil {
		state.progress.Errors++
		state.urls.AddFailed(link)
		state.logError("listing fetch failed: "+err.Error(), link)
		return
	}

	rec, err := r.extractor.ListingPage(ctx, html, link, selectors, site.ExtractionMode)
	if err != nil {
		state.progress.Errors++
		state.urls.AddFailed(link)
		state.logError("listing extraction failed: "+err.Error(), link)
		return
	}
	if len(rec.Fields) == 0 {
		state.progress.Errors++
		state.urls.AddFailed(link)
		state.logWarning("no fields extracted", link)
		return
	}

	listing, err := normalizer.Normalize(ctx, rec)
	if err != nil {
		state.progress.Errors++
		state.urls.AddFailed(link)
		state.logError("normalization failed: "+err.Error(), link)
		return
	}

	listing.ScrapeJobID = &job.ID
	if raw, err := json.Marshal(rec.Fields); err == nil {
		listing.RawPayload = raw
	}

	created, err := r.store.UpsertListing(ctx, listing)
	if err != nil {
		state.progress.Errors++
		state.urls.AddFailed(link)
		state.logError("listing persist failed: "+err.Error(), link)
		return
	}

	state.urls.AddScraped(link)
	state.progress.ListingsScraped++
	if created {
		state.logInfo("listing created", link)
	} else {
		state.logInfo("listing updated", link)
	}
}

// nextPageURL resolves the next page per the site's pagination
// strategy, returning "" to end the crawl.
func (r *Runner) nextPageURL(site *model.SiteConfig, selectors map[string]any, html, currentURL, startURL string, page int) string {
	switch site.PaginationType {
	case model.PaginationHTMLNext:
		next := r.extractor.NextPage(html, currentURL, selectors)
		if next == currentURL {
			return ""
		}
		return next
	case model.PaginationIncrementalPath:
		return strings.TrimRight(startURL, "/") + "/" + strconv.Itoa(page+1)
	case model.PaginationQueryParam:
		param := "page"
		if site.PaginationParam != nil && *site.PaginationParam != "" {
			param = *site.PaginationParam
		}
		u, err := url.Parse(startURL)
		if err != nil {
			return ""
		}
		q := u.Query()
		q.Set(param, strconv.Itoa(page+1))
		u.RawQuery = q.Encode()
		return u.String()
	}
	return ""
}

// isCancelled re-reads the job status from the database so a cancel
// issued through the API stops the crawl at the next checkpoint.
func (r *Runner) isCancelled(ctx context.Context, job *model.ScrapeJob) bool {
	status, err := r.store.GetJobStatus(ctx, job.ID)
	if err != nil {
		// A vanished job row ends the crawl too.
		return true
	}
	return Status(status) == StatusCancelled
}

func (r *Runner) saveProgress(ctx context.Context, job *model.ScrapeJob, state *crawlState) {
	if err := r.store.UpdateJobProgress(ctx, job.ID, state.progress, state.logs, state.urls); err != nil {
		r.logger.Warn("progress save failed", "job_id", job.ID, "error", err)
	}
}

func (r *Runner) finish(ctx context.Context, job *model.ScrapeJob, status Status, errorMessage string) {
	var msg *string
	if errorMessage != "" {
		msg = &errorMessage
	}
	if err := r.store.FinishJob(ctx, job.ID, string(status), msg); err != nil {
		r.logger.Error("job finish failed", "job_id", job.ID, "status", status, "error", err)
		return
	}
	metrics.RecordJobFinished(string(status))
}

// fetchOptions merges the global scraper settings with per-job
// overrides.
func (r *Runner) fetchOptions(job *model.ScrapeJob) fetch.Options {
	opts := fetch.Options{
		MinDelay:   r.scraper.MinDelay(),
		MaxDelay:   r.scraper.MaxDelay(),
		UserAgent:  r.scraper.UserAgent,
		Timeout:    r.scraper.Timeout(),
		MaxRetries: r.scraper.MaxRetries,
	}
	if job.Config.MinDelayMs != nil && *job.Config.MinDelayMs > 0 {
		opts.MinDelay = time.Duration(*job.Config.MinDelayMs) * time.Millisecond
	}
	if job.Config.MaxDelayMs != nil && *job.Config.MaxDelayMs > 0 {
		opts.MaxDelay = time.Duration(*job.Config.MaxDelayMs) * time.Millisecond
	}
	if job.Config.UserAgent != nil && *job.Config.UserAgent != "" {
		opts.UserAgent = *job.Config.UserAgent
	}
	return opts
}

// overlaySelectors copies the site's selector map and folds the
// top-level pattern columns into it so the extractor sees a single
// configuration.
func overlaySelectors(site *model.SiteConfig) map[string]any {
	selectors := make(map[string]any, len(site.Selectors)+2)
	for k, v := range site.Selectors {
		selectors[k] = v
	}
	if site.LinkPattern != nil && *site.LinkPattern != "" {
		selectors["listing_link_pattern"] = *site.LinkPattern
	}
	if site.ImageFilter != nil && *site.ImageFilter != "" {
		selectors["image_filter"] = *site.ImageFilter
	}
	return selectors
}

// sourcePartner picks the normalizer key for a site. Sites may pin a
// partner in their selector map; the site key is the default.
func sourcePartner(site *model.SiteConfig) string {
	if v, ok := site.Selectors["source_partner"].(string); ok && v != "" {
		return v
	}
	return site.Key
}
