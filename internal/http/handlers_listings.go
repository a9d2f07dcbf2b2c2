package http

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"morada/internal/model"
	"morada/internal/store"
)

// listingFilterFromQuery maps query parameters onto a store filter.
func listingFilterFromQuery(c *fiber.Ctx) store.ListingFilter {
	filter := store.ListingFilter{
		SourcePartner: c.Query("sourcePartner"),
		ListingType:   c.Query("listingType"),
		PropertyType:  c.Query("propertyType"),
		Typology:      c.Query("typology"),
		District:      c.Query("district"),
		County:        c.Query("county"),
		Parish:        c.Query("parish"),
		Query:         c.Query("q"),
		SortBy:        c.Query("sortBy"),
		SortDesc:      c.Query("sortDir", "desc") == "desc",
		Limit:         c.QueryInt("limit", 50),
		Offset:        c.QueryInt("offset", 0),
	}

	floatParam := func(name string) *float64 {
		raw := c.Query(name)
		if raw == "" {
			return nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil
		}
		return &v
	}
	intParam := func(name string) *int {
		raw := c.Query(name)
		if raw == "" {
			return nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil
		}
		return &v
	}

	boolParam := func(name string) *bool {
		raw := c.Query(name)
		if raw == "" {
			return nil
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil
		}
		return &v
	}
	timeParam := func(name string) *time.Time {
		raw := c.Query(name)
		if raw == "" {
			return nil
		}
		v, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil
		}
		return &v
	}

	filter.MinPrice = floatParam("minPrice")
	filter.MaxPrice = floatParam("maxPrice")
	filter.MinArea = floatParam("minArea")
	filter.MaxArea = floatParam("maxArea")
	filter.MinBedrooms = intParam("minBedrooms")
	filter.MaxBedrooms = intParam("maxBedrooms")
	filter.HasGarage = boolParam("hasGarage")
	filter.HasElevator = boolParam("hasElevator")
	filter.HasBalcony = boolParam("hasBalcony")
	filter.HasAC = boolParam("hasAc")
	filter.HasPool = boolParam("hasPool")
	filter.CreatedAfter = timeParam("createdAfter")
	filter.CreatedBefore = timeParam("createdBefore")
	if raw := c.Query("scrapeJobId"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			filter.ScrapeJobID = &id
		}
	}
	return filter
}

func listListingsHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)
	filter := listingFilterFromQuery(c)

	listings, total, err := st.ListListings(c.Context(), filter)
	if err != nil {
		return respondError(c, err)
	}
	return respondList(c, listings, Meta{Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

func searchListingsHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	var isEnriched *bool
	if raw := c.Query("isEnriched"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			isEnriched = &v
		}
	}
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	results, total, err := st.SearchListings(c.Context(), c.Query("q"), isEnriched, limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	return respondList(c, results, Meta{Total: total, Limit: limit, Offset: offset})
}

func createListingHandler(c *fiber.Ctx) error {
	var listing model.Listing
	if err := c.BodyParser(&listing); err != nil {
		return respondValidation(c, "malformed JSON body")
	}
	var problems []string
	if listing.SourcePartner == "" {
		problems = append(problems, "sourcePartner is required")
	}
	if listing.SourceURL == nil || *listing.SourceURL == "" {
		problems = append(problems, "sourceUrl is required")
	}
	if len(problems) > 0 {
		return respondValidation(c, problems...)
	}

	listing.ID = uuid.Nil
	st := c.Locals("store").(*store.Store)
	if err := st.CreateListing(c.Context(), &listing); err != nil {
		return respondError(c, err)
	}
	return respondCreated(c, listing)
}

func patchListingHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondValidation(c, "id must be a UUID")
	}
	var listing model.Listing
	if err := c.BodyParser(&listing); err != nil {
		return respondValidation(c, "malformed JSON body")
	}
	listing.ID = id

	st := c.Locals("store").(*store.Store)
	if err := st.PatchListing(c.Context(), &listing); err != nil {
		return respondError(c, err)
	}
	updated, err := st.GetListing(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, updated)
}

func getListingHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondValidation(c, "id must be a UUID")
	}
	st := c.Locals("store").(*store.Store)
	listing, err := st.GetListing(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, listing)
}

func listingHistoryHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondValidation(c, "id must be a UUID")
	}
	st := c.Locals("store").(*store.Store)
	if _, err := st.GetListing(c.Context(), id); err != nil {
		return respondError(c, err)
	}
	history, err := st.PriceHistory(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, history)
}

func deleteListingHandler(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return respondValidation(c, "id must be a UUID")
	}
	st := c.Locals("store").(*store.Store)
	if err := st.DeleteListing(c.Context(), id); err != nil {
		return respondError(c, err)
	}
	return respondOK(c, fiber.Map{"deleted": id})
}

func listingStatsHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)
	stats, err := st.Stats(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, stats)
}

func listingDuplicatesHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)
	groups, err := st.Duplicates(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return respondOK(c, groups)
}
