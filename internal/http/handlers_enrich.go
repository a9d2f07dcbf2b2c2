package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"morada/internal/config"
	"morada/internal/enrich"
	"morada/internal/store"
)

// enrichListingHandler rewrites one listing's description with the
// configured LLM and stores the result alongside a quality score.
func enrichListingHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondValidation(c, "id must be a UUID")
	}

	cfg := c.Locals("config").(*config.Config)
	st := c.Locals("store").(*store.Store)

	client, err := enrich.NewClientFromConfig(cfg)
	if err != nil {
		return respondError(c, err)
	}

	listing, err := st.GetListing(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}

	result, err := client.Enrich(c.Context(), listing)
	if err != nil {
		return respondError(c, err)
	}

	if err := st.SetEnrichment(c.Context(), id, result.Description, result.QualityScore); err != nil {
		return respondError(c, err)
	}

	listing.EnrichedDescription = &result.Description
	listing.QualityScore = &result.QualityScore
	return respondOK(c, listing)
}
