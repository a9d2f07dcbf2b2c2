package http

import (
	"net/url"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"morada/internal/config"
	"morada/internal/model"
	"morada/internal/store"
)

// JobRequest is the create payload for a scrape job.
type JobRequest struct {
	SiteKey  string          `json:"siteKey"`
	StartURL string          `json:"startUrl"`
	MaxPages int             `json:"maxPages"`
	Config   model.JobConfig `json:"config"`
}

func createJobHandler(c *fiber.Ctx) error {
	var req JobRequest
	if err := c.BodyParser(&req); err != nil {
		return respondValidation(c, "malformed JSON body")
	}

	var problems []string
	if req.SiteKey == "" {
		problems = append(problems, "siteKey is required")
	}
	if req.StartURL == "" {
		problems = append(problems, "startUrl is required")
	} else if u, err := url.Parse(req.StartURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "startUrl must be an absolute http(s) url")
	}
	if req.Config.MinDelayMs != nil && req.Config.MaxDelayMs != nil &&
		*req.Config.MaxDelayMs < *req.Config.MinDelayMs {
		problems = append(problems, "config.max_delay_ms must be >= config.min_delay_ms")
	}
	if len(problems) > 0 {
		return respondValidation(c, problems...)
	}

	cfg := c.Locals("config").(*config.Config)
	st := c.Locals("store").(*store.Store)

	// The site must exist and be active before a job can bind to it.
	if _, err := st.GetActiveSiteByKey(c.Context(), req.SiteKey); err != nil {
		return respondError(c, err)
	}

	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = cfg.Scraper.DefaultMaxPages
	}

	job := &model.ScrapeJob{
		SiteKey:  req.SiteKey,
		StartURL: req.StartURL,
		MaxPages: maxPages,
		Config:   req.Config,
		Logs:     model.JobLogs{Errors: []model.LogEntry{}, Warnings: []model.LogEntry{}, Info: []model.LogEntry{}},
		URLs:     model.JobURLs{Found: []string{}, Scraped: []string{}, Failed: []string{}},
	}
	if err := st.CreateJob(c.Context(), job); err != nil {
		return respondError(c, err)
	}
	return respondCreated(c, job)
}

func listJobsHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	jobsList, total, err := st.ListJobs(c.Context(), c.Query("status"), limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	return respondList(c, jobsList, Meta{Total: total, Limit: limit, Offset: offset})
}

func getJobHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondValidation(c, "id must be a UUID")
	}
	st := c.Locals("store").(*store.Store)
	job, err := st.GetJob(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, job)
}

func cancelJobHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondValidation(c, "id must be a UUID")
	}
	st := c.Locals("store").(*store.Store)
	job, err := st.CancelJob(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, job)
}

func deleteJobHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondValidation(c, "id must be a UUID")
	}
	st := c.Locals("store").(*store.Store)
	if err := st.DeleteJob(c.Context(), id); err != nil {
		return respondError(c, err)
	}
	return respondOK(c, fiber.Map{"deleted": id})
}
