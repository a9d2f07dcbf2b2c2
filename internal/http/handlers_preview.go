package http

import (
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"

	"morada/internal/config"
	"morada/internal/extract"
	"morada/internal/fetch"
	"morada/internal/model"
	"morada/internal/normalize"
	"morada/internal/store"
)

// PreviewRequest runs a site configuration against one URL without
// creating a job or persisting anything. Selectors, when given,
// override the stored site config so edits can be tried out first.
type PreviewRequest struct {
	SiteKey   string         `json:"siteKey"`
	URL       string         `json:"url"`
	Selectors map[string]any `json:"selectors"`
}

func (r *PreviewRequest) validate() []string {
	var problems []string
	if r.SiteKey == "" {
		problems = append(problems, "siteKey is required")
	}
	if r.URL == "" {
		problems = append(problems, "url is required")
	} else if u, err := url.Parse(r.URL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "url must be an absolute http(s) url")
	}
	return problems
}

// previewFetch resolves the site, applies selector overrides, and
// fetches the page politely but without the crawl delay.
func previewFetch(c *fiber.Ctx, req *PreviewRequest) (*model.SiteConfig, map[string]any, string, error) {
	cfg := c.Locals("config").(*config.Config)
	st := c.Locals("store").(*store.Store)

	site, err := st.GetActiveSiteByKey(c.Context(), req.SiteKey)
	if err != nil {
		return nil, nil, "", err
	}

	selectors := make(map[string]any, len(site.Selectors)+len(req.Selectors))
	for k, v := range site.Selectors {
		selectors[k] = v
	}
	for k, v := range req.Selectors {
		selectors[k] = v
	}
	if site.LinkPattern != nil && *site.LinkPattern != "" {
		selectors["listing_link_pattern"] = *site.LinkPattern
	}
	if site.ImageFilter != nil && *site.ImageFilter != "" {
		selectors["image_filter"] = *site.ImageFilter
	}

	fetcher := fetch.New(fetch.Options{
		UserAgent:  cfg.Scraper.UserAgent,
		Timeout:    30 * time.Second,
		MaxRetries: 1,
		SkipDelay:  true,
	}, nil)

	html, err := fetcher.Fetch(c.Context(), req.URL)
	if err != nil {
		return nil, nil, "", err
	}
	return site, selectors, html, nil
}

func previewLinksHandler(c *fiber.Ctx) error {
	var req PreviewRequest
	if err := c.BodyParser(&req); err != nil {
		return respondValidation(c, "malformed JSON body")
	}
	if problems := req.validate(); len(problems) > 0 {
		return respondValidation(c, problems...)
	}

	_, selectors, html, err := previewFetch(c, &req)
	if err != nil {
		return respondError(c, err)
	}

	ex := c.Locals("extractor").(*extract.Extractor)
	links, err := ex.ListingLinks(html, req.URL, selectors)
	if err != nil {
		return respondError(c, err)
	}
	next := ex.NextPage(html, req.URL, selectors)

	return respondOK(c, fiber.Map{
		"links":    links,
		"count":    len(links),
		"nextPage": next,
	})
}

func previewListingHandler(c *fiber.Ctx) error {
	var req PreviewRequest
	if err := c.BodyParser(&req); err != nil {
		return respondValidation(c, "malformed JSON body")
	}
	if problems := req.validate(); len(problems) > 0 {
		return respondValidation(c, problems...)
	}

	site, selectors, html, err := previewFetch(c, &req)
	if err != nil {
		return respondError(c, err)
	}

	ex := c.Locals("extractor").(*extract.Extractor)
	rec, err := ex.ListingPage(c.Context(), html, req.URL, selectors, site.ExtractionMode)
	if err != nil {
		return respondError(c, err)
	}

	reg := c.Locals("registry").(*normalize.Registry)
	partner := site.Key
	if v, ok := selectors["source_partner"].(string); ok && v != "" {
		partner = v
	}
	normalizer, err := reg.Get(partner)
	if err != nil {
		return respondError(c, err)
	}
	listing, err := normalizer.Normalize(c.Context(), rec)
	if err != nil {
		return respondError(c, err)
	}

	// Missing critical fields are the usual sign of a broken selector.
	var warnings []string
	if listing.Title == nil {
		warnings = append(warnings, "no title extracted; check title_selector")
	}
	if listing.PriceAmount == nil {
		warnings = append(warnings, "no price extracted; check price_selector")
	}
	if listing.District == nil {
		warnings = append(warnings, "no district extracted; check location selectors")
	}

	return respondOK(c, fiber.Map{
		"rawFields": rec.Fields,
		"listing":   listing,
		"warnings":  warnings,
	})
}
