package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"morada/internal/config"
	"morada/internal/model"
	"morada/internal/store"
)

// Worker polls the database for pending scrape jobs and runs them.
// Effective concurrency is one job at a time; the claim query and the
// database's running-status gate both enforce it, the semaphore just
// avoids pointless claim attempts.
type Worker struct {
	store  *store.Store
	runner *Runner
	cfg    config.WorkerConfig
	logger *slog.Logger
}

func NewWorker(st *store.Store, runner *Runner, cfg config.WorkerConfig, logger *slog.Logger) *Worker {
	return &Worker{store: st, runner: runner, cfg: cfg, logger: logger}
}

// Start launches the polling loop in a goroutine. It returns
// immediately; the loop stops when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	pollInterval := w.cfg.PollInterval()
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	maxJobs := w.cfg.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}

	w.recoverStale(ctx)

	sem := make(chan struct{}, maxJobs)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		select {
		case sem <- struct{}{}:
		default:
			continue
		}

		job, err := w.store.ClaimPendingJob(ctx)
		if err != nil {
			w.logger.Warn("job claim failed", "error", err)
			<-sem
			continue
		}
		if job == nil {
			<-sem
			continue
		}

		go func() {
			defer func() { <-sem }()
			w.process(ctx, job)
		}()
	}
}

// process runs one claimed job with panic containment: a crashed
// crawl fails the job instead of taking the worker down.
func (w *Worker) process(ctx context.Context, job *model.ScrapeJob) {
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("crawl panicked: %v", rec)
			w.logger.Error("crawl panic", "job_id", job.ID, "panic", rec)
			_ = w.store.FinishJob(context.Background(), job.ID, string(StatusFailed), &msg)
		}
	}()

	site, err := w.store.GetActiveSiteByKey(ctx, job.SiteKey)
	if err != nil {
		msg := "site config unavailable: " + err.Error()
		_ = w.store.FinishJob(ctx, job.ID, string(StatusFailed), &msg)
		return
	}

	w.logger.Info("job claimed", "job_id", job.ID, "site_key", job.SiteKey, "start_url", job.StartURL)
	w.runner.Run(ctx, job, site)
}

// recoverStale fails running jobs abandoned by a previous process so
// the single-running gate opens again.
func (w *Worker) recoverStale(ctx context.Context) {
	maxAge := time.Duration(w.cfg.StaleJobMinutes) * time.Minute
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	n, err := w.store.RecoverStaleJobs(ctx, maxAge)
	if err != nil {
		w.logger.Warn("stale job recovery failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("stale jobs recovered", "count", n)
	}
}
