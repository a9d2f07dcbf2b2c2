package http

import (
	"net/url"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"morada/internal/apperr"
	"morada/internal/model"
	"morada/internal/store"
)

// SiteRequest is the create/update payload for a site configuration.
type SiteRequest struct {
	Key             string         `json:"key"`
	Name            string         `json:"name"`
	BaseURL         string         `json:"baseUrl"`
	Selectors       map[string]any `json:"selectors"`
	ExtractionMode  string         `json:"extractionMode"`
	LinkPattern     *string        `json:"linkPattern"`
	ImageFilter     *string        `json:"imageFilter"`
	PaginationType  string         `json:"paginationType"`
	PaginationParam *string        `json:"paginationParam"`
}

func (r *SiteRequest) validate(requireKey bool) []string {
	var problems []string
	if requireKey && r.Key == "" {
		problems = append(problems, "key is required")
	}
	if r.Name == "" {
		problems = append(problems, "name is required")
	}
	if r.BaseURL == "" {
		problems = append(problems, "baseUrl is required")
	} else if u, err := url.Parse(r.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "baseUrl must be an absolute http(s) url")
	}
	switch r.ExtractionMode {
	case "", model.ExtractionModeSection, model.ExtractionModeDirect:
	default:
		problems = append(problems, "extractionMode must be section or direct")
	}
	switch r.PaginationType {
	case "", model.PaginationHTMLNext, model.PaginationIncrementalPath, model.PaginationQueryParam:
	default:
		problems = append(problems, "paginationType must be html_next, incremental_path, or query_param")
	}
	return problems
}

func createSiteHandler(c *fiber.Ctx) error {
	var req SiteRequest
	if err := c.BodyParser(&req); err != nil {
		return respondValidation(c, "malformed JSON body")
	}
	if problems := req.validate(true); len(problems) > 0 {
		return respondValidation(c, problems...)
	}

	st := c.Locals("store").(*store.Store)
	site := &model.SiteConfig{
		Key:             req.Key,
		Name:            req.Name,
		BaseURL:         req.BaseURL,
		Selectors:       req.Selectors,
		ExtractionMode:  req.ExtractionMode,
		LinkPattern:     req.LinkPattern,
		ImageFilter:     req.ImageFilter,
		PaginationType:  req.PaginationType,
		PaginationParam: req.PaginationParam,
		IsActive:        true,
	}
	err := st.CreateSite(c.Context(), site)
	if apperr.IsKind(err, apperr.KindDuplicate) {
		// A soft-deleted site under the same key gets revived with the
		// new settings instead of conflicting.
		existing, getErr := st.GetSiteByKey(c.Context(), req.Key)
		if getErr == nil && !existing.IsActive {
			site.ID = existing.ID
			if err := st.UpdateSite(c.Context(), site); err != nil {
				return respondError(c, err)
			}
			if err := st.SetSiteActive(c.Context(), existing.ID, true); err != nil {
				return respondError(c, err)
			}
			site.IsActive = true
			return respondOK(c, site)
		}
		return respondError(c, err)
	}
	if err != nil {
		return respondError(c, err)
	}
	return respondCreated(c, site)
}

func listSitesHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)
	sites, err := st.ListSites(c.Context(), c.QueryBool("includeInactive"))
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, sites)
}

func getSiteHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondValidation(c, "id must be a UUID")
	}
	st := c.Locals("store").(*store.Store)
	site, err := st.GetSite(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, site)
}

func updateSiteHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondValidation(c, "id must be a UUID")
	}
	var req SiteRequest
	if err := c.BodyParser(&req); err != nil {
		return respondValidation(c, "malformed JSON body")
	}
	if problems := req.validate(false); len(problems) > 0 {
		return respondValidation(c, problems...)
	}

	st := c.Locals("store").(*store.Store)
	site, err := st.GetSite(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}

	site.Name = req.Name
	site.BaseURL = req.BaseURL
	site.Selectors = req.Selectors
	if req.ExtractionMode != "" {
		site.ExtractionMode = req.ExtractionMode
	}
	site.LinkPattern = req.LinkPattern
	site.ImageFilter = req.ImageFilter
	if req.PaginationType != "" {
		site.PaginationType = req.PaginationType
	}
	site.PaginationParam = req.PaginationParam

	if err := st.UpdateSite(c.Context(), site); err != nil {
		return respondError(c, err)
	}
	return respondOK(c, site)
}

func deactivateSiteHandler(c *fiber.Ctx) error {
	return toggleSite(c, false)
}

func reactivateSiteHandler(c *fiber.Ctx) error {
	return toggleSite(c, true)
}

func toggleSite(c *fiber.Ctx, active bool) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondValidation(c, "id must be a UUID")
	}
	st := c.Locals("store").(*store.Store)
	if err := st.SetSiteActive(c.Context(), id, active); err != nil {
		return respondError(c, err)
	}
	site, err := st.GetSite(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, site)
}

// deleteSiteHandler soft-deletes by default; permanent=true removes
// the row. Soft-deleting an already-inactive site is a not-found so
// callers notice the no-op.
func deleteSiteHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondValidation(c, "id must be a UUID")
	}
	st := c.Locals("store").(*store.Store)

	if c.QueryBool("permanent") {
		if err := st.DeleteSite(c.Context(), id); err != nil {
			return respondError(c, err)
		}
		return respondOK(c, fiber.Map{"deleted": id, "permanent": true})
	}

	site, err := st.GetSite(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	if !site.IsActive {
		return respondError(c, apperr.Newf(apperr.KindNotFound, "site config %s is already inactive", id))
	}
	if err := st.SetSiteActive(c.Context(), id, false); err != nil {
		return respondError(c, err)
	}
	return respondOK(c, fiber.Map{"deleted": id, "permanent": false})
}
