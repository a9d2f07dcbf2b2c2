package http

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"morada/internal/model"
	"morada/internal/store"
)

// exportListingsHandler streams the filtered listings as CSV or JSON.
// The same query parameters as the list endpoint apply; format
// defaults to csv.
func exportListingsHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	filter := listingFilterFromQuery(c)
	filter.Limit = c.QueryInt("limit", 10000)
	filter.Offset = 0

	listings, _, err := st.ListListings(c.Context(), filter)
	if err != nil {
		return respondError(c, err)
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	switch c.Query("format", "csv") {
	case "json":
		c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=listings-%s.json", stamp))
		return c.JSON(listings)
	case "csv":
		body, err := listingsCSV(listings)
		if err != nil {
			return respondError(c, err)
		}
		c.Set("Content-Type", "text/csv")
		c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=listings-%s.csv", stamp))
		return c.Send(body)
	default:
		return respondValidation(c, "format must be csv or json")
	}
}

var csvHeader = []string{
	"id", "source_partner", "source_url", "partner_id", "title", "listing_type",
	"property_type", "typology", "bedrooms", "bathrooms",
	"price_amount", "price_currency", "price_per_m2",
	"area_useful_m2", "area_gross_m2", "area_land_m2",
	"district", "county", "parish",
	"energy_certificate", "construction_year", "created_at", "updated_at",
}

func listingsCSV(listings []*model.Listing) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}

	str := func(v *string) string {
		if v == nil {
			return ""
		}
		return *v
	}
	num := func(v *float64) string {
		if v == nil {
			return ""
		}
		return strconv.FormatFloat(*v, 'f', -1, 64)
	}
	count := func(v *int) string {
		if v == nil {
			return ""
		}
		return strconv.Itoa(*v)
	}

	for _, l := range listings {
		row := []string{
			l.ID.String(), l.SourcePartner, str(l.SourceURL), str(l.PartnerID), str(l.Title), str(l.ListingType),
			str(l.PropertyType), str(l.Typology), count(l.Bedrooms), count(l.Bathrooms),
			num(l.PriceAmount), str(l.PriceCurrency), num(l.PricePerM2),
			num(l.AreaUsefulM2), num(l.AreaGrossM2), num(l.AreaLandM2),
			str(l.District), str(l.County), str(l.Parish),
			str(l.EnergyCertificate), count(l.ConstructionYear),
			l.CreatedAt.UTC().Format(time.RFC3339), l.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
