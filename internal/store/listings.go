package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"morada/internal/apperr"
	"morada/internal/metrics"
	"morada/internal/model"
)

const listingColumns = `id, source_partner, source_url, partner_id, title, listing_type,
		property_type, typology, bedrooms, bathrooms, floor,
		price_amount, price_currency, price_per_m2,
		area_m2, area_useful_m2, area_gross_m2, area_land_m2,
		district, county, parish, full_address, latitude, longitude,
		has_garage, has_elevator, has_balcony, has_ac, has_pool,
		energy_certificate, construction_year,
		advertiser_name, advertiser_phone, advertiser_email,
		raw_description, description, enriched_description, description_quality_score,
		page_title, meta_description, headers, raw_payload, scrape_job_id,
		created_at, updated_at`

// listingSortColumns whitelists user-facing sort keys.
var listingSortColumns = map[string]string{
	"created_at":   "created_at",
	"updated_at":   "updated_at",
	"price":        "price_amount",
	"price_per_m2": "price_per_m2",
	"area":         "area_useful_m2",
	"bedrooms":     "bedrooms",
	"district":     "district",
	"title":        "title",
}

// ListingFilter narrows and orders listing queries.
type ListingFilter struct {
	SourcePartner string
	ListingType   string
	PropertyType  string
	Typology      string
	District      string
	County        string
	Parish        string
	ScrapeJobID   *uuid.UUID
	MinPrice      *float64
	MaxPrice      *float64
	MinBedrooms   *int
	MaxBedrooms   *int
	MinArea       *float64
	MaxArea       *float64
	HasGarage     *bool
	HasElevator   *bool
	HasBalcony    *bool
	HasAC         *bool
	HasPool       *bool
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Query         string
	SortBy        string
	SortDesc      bool
	Limit         int
	Offset        int
}

// ListingStats summarizes the listings table.
type ListingStats struct {
	Total         int64            `json:"total"`
	ByListingType map[string]int64 `json:"byListingType"`
	ByDistrict    map[string]int64 `json:"byDistrict"`
	AvgPrice      *float64         `json:"avgPrice,omitempty"`
	MinPrice      *float64         `json:"minPrice,omitempty"`
	MaxPrice      *float64         `json:"maxPrice,omitempty"`
	AvgPricePerM2 *float64         `json:"avgPricePerM2,omitempty"`
}

// DuplicateGroup is a set of listings that share a partner id.
type DuplicateGroup struct {
	SourcePartner string      `json:"sourcePartner"`
	PartnerID     string      `json:"partnerId"`
	Count         int64       `json:"count"`
	ListingIDs    []uuid.UUID `json:"listingIds"`
}

// UpsertListing inserts or refreshes a listing keyed by source_url,
// appending the previous price to price_history when a rescrape
// observes a change. Nil fields on a rescrape leave the stored value
// alone. Returns true when a new row was created.
func (s *Store) UpsertListing(ctx context.Context, listing *model.Listing) (bool, error) {
	if listing.SourceURL == nil || *listing.SourceURL == "" {
		return false, apperr.New(apperr.KindValidation, "listing has no source url")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		existingID   uuid.UUID
		prevAmount   sql.NullFloat64
		prevCurrency sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, price_amount, price_currency FROM listings WHERE source_url = $1 FOR UPDATE`,
		*listing.SourceURL).Scan(&existingID, &prevAmount, &prevCurrency)

	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := s.insertListing(ctx, tx, listing); err != nil {
			return false, err
		}
		created = true
	case err != nil:
		return false, fmt.Errorf("failed to look up listing: %w", err)
	default:
		listing.ID = existingID
		if priceChanged(prevAmount, listing.PriceAmount) {
			currency := "EUR"
			if prevCurrency.Valid {
				currency = strings.TrimSpace(prevCurrency.String)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO price_history (id, listing_id, price_amount, price_currency, recorded_at)
				VALUES ($1, $2, $3, $4, now())`,
				uuid.New(), existingID, prevAmount.Float64, currency)
			if err != nil {
				return false, fmt.Errorf("failed to record price history: %w", err)
			}
			metrics.RecordPriceHistory()
		}
		if err := s.updateListing(ctx, tx, listing); err != nil {
			return false, err
		}
	}

	for _, asset := range listing.Media {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO media_assets (id, listing_id, url, alt_text, type, position, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (listing_id, url) DO NOTHING`,
			uuid.New(), listing.ID, asset.URL, nullString(asset.AltText), asset.Type, asset.Position)
		if err != nil {
			return false, fmt.Errorf("failed to insert media asset: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit listing upsert: %w", err)
	}
	metrics.RecordListingScraped()
	return created, nil
}

// CreateListing inserts a listing directly through the API, without
// the upsert's rescrape merge. A duplicate source_url is a conflict.
func (s *Store) CreateListing(ctx context.Context, listing *model.Listing) error {
	if listing.SourceURL == nil || *listing.SourceURL == "" {
		return apperr.New(apperr.KindValidation, "listing has no source url")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertListing(ctx, tx, listing); err != nil {
		return err
	}
	for _, asset := range listing.Media {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO media_assets (id, listing_id, url, alt_text, type, position, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (listing_id, url) DO NOTHING`,
			uuid.New(), listing.ID, asset.URL, nullString(asset.AltText), asset.Type, asset.Position)
		if err != nil {
			return fmt.Errorf("failed to insert media asset: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit listing create: %w", err)
	}
	return nil
}

// PatchListing applies a partial update by id. Nil fields keep their
// stored values; an explicit price change records the previous price
// in the history, same as a rescrape would.
func (s *Store) PatchListing(ctx context.Context, listing *model.Listing) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		prevAmount   sql.NullFloat64
		prevCurrency sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT price_amount, price_currency FROM listings WHERE id = $1 FOR UPDATE`,
		listing.ID).Scan(&prevAmount, &prevCurrency)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Newf(apperr.KindNotFound, "listing %s not found", listing.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up listing: %w", err)
	}

	if priceChanged(prevAmount, listing.PriceAmount) {
		currency := "EUR"
		if prevCurrency.Valid {
			currency = strings.TrimSpace(prevCurrency.String)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO price_history (id, listing_id, price_amount, price_currency, recorded_at)
			VALUES ($1, $2, $3, $4, now())`,
			uuid.New(), listing.ID, prevAmount.Float64, currency)
		if err != nil {
			return fmt.Errorf("failed to record price history: %w", err)
		}
		metrics.RecordPriceHistory()
	}

	if err := s.updateListing(ctx, tx, listing); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit listing patch: %w", err)
	}
	return nil
}

// SearchResult is the lightweight row the search endpoint returns.
type SearchResult struct {
	ID            uuid.UUID `json:"id"`
	Title         *string   `json:"title,omitempty"`
	District      *string   `json:"district,omitempty"`
	County        *string   `json:"county,omitempty"`
	SourcePartner string    `json:"sourcePartner"`
	Typology      *string   `json:"typology,omitempty"`
	PriceAmount   *float64  `json:"priceAmount,omitempty"`
	PriceCurrency *string   `json:"priceCurrency,omitempty"`
	IsEnriched    bool      `json:"isEnriched"`
	Thumbnail     *string   `json:"thumbnail,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SearchListings runs the lightweight full-text search: tsvector match
// with ILIKE fallback over the display fields, thumbnail from the
// lowest-position media asset.
func (s *Store) SearchListings(ctx context.Context, query string, isEnriched *bool, limit, offset int) ([]SearchResult, int64, error) {
	var (
		conds []string
		args  []any
	)
	if query != "" {
		args = append(args, query)
		n := len(args)
		args = append(args, "%"+query+"%")
		conds = append(conds, fmt.Sprintf(
			`(search_vector @@ websearch_to_tsquery('english', $%d)
				OR title ILIKE $%d OR district ILIKE $%d OR county ILIKE $%d OR source_partner ILIKE $%d)`,
			n, n+1, n+1, n+1, n+1))
	}
	if isEnriched != nil {
		if *isEnriched {
			conds = append(conds, "enriched_description IS NOT NULL")
		} else {
			conds = append(conds, "enriched_description IS NULL")
		}
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM listings`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count search results: %w", err)
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := fmt.Sprintf(`
		SELECT id, title, district, county, source_partner, typology,
			price_amount, price_currency,
			enriched_description IS NOT NULL,
			(SELECT url FROM media_assets m WHERE m.listing_id = listings.id ORDER BY position ASC LIMIT 1),
			created_at
		FROM listings%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search listings: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r         SearchResult
			title     sql.NullString
			district  sql.NullString
			county    sql.NullString
			typology  sql.NullString
			price     sql.NullFloat64
			currency  sql.NullString
			thumbnail sql.NullString
		)
		err := rows.Scan(&r.ID, &title, &district, &county, &r.SourcePartner, &typology,
			&price, &currency, &r.IsEnriched, &thumbnail, &r.CreatedAt)
		if err != nil {
			return nil, 0, err
		}
		r.Title = strVal(title)
		r.District = strVal(district)
		r.County = strVal(county)
		r.Typology = strVal(typology)
		r.PriceAmount = floatVal(price)
		if currency.Valid {
			c := strings.TrimSpace(currency.String)
			r.PriceCurrency = &c
		}
		r.Thumbnail = strVal(thumbnail)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// priceChanged reports whether a non-nil incoming price differs from
// the stored one. A listing that never had a price does not generate
// history.
func priceChanged(prev sql.NullFloat64, next *float64) bool {
	if !prev.Valid || next == nil {
		return false
	}
	return prev.Float64 != *next
}

func (s *Store) insertListing(ctx context.Context, tx *sql.Tx, l *model.Listing) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now

	headers, err := jsonbOf(l.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	rawPayload, err := jsonbOf(l.RawPayload)
	if err != nil {
		return fmt.Errorf("marshal raw payload: %w", err)
	}

	query := `
		INSERT INTO listings (id, source_partner, source_url, partner_id, title, listing_type,
			property_type, typology, bedrooms, bathrooms, floor,
			price_amount, price_currency, price_per_m2,
			area_m2, area_useful_m2, area_gross_m2, area_land_m2,
			district, county, parish, full_address, latitude, longitude,
			has_garage, has_elevator, has_balcony, has_ac, has_pool,
			energy_certificate, construction_year,
			advertiser_name, advertiser_phone, advertiser_email,
			raw_description, description, enriched_description, description_quality_score,
			page_title, meta_description, headers, raw_payload, scrape_job_id,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33,
			$34, $35, $36, $37, $38, $39, $40, $41, $42, $43, $44, $45)
	`
	_, err = tx.ExecContext(ctx, query,
		l.ID, l.SourcePartner, nullString(l.SourceURL), nullString(l.PartnerID),
		nullString(l.Title), nullString(l.ListingType),
		nullString(l.PropertyType), nullString(l.Typology), nullInt(l.Bedrooms), nullInt(l.Bathrooms), nullString(l.Floor),
		nullFloat(l.PriceAmount), nullString(l.PriceCurrency), nullFloat(l.PricePerM2),
		nullFloat(l.AreaM2), nullFloat(l.AreaUsefulM2), nullFloat(l.AreaGrossM2), nullFloat(l.AreaLandM2),
		nullString(l.District), nullString(l.County), nullString(l.Parish), nullString(l.FullAddress),
		nullFloat(l.Latitude), nullFloat(l.Longitude),
		nullBool(l.HasGarage), nullBool(l.HasElevator), nullBool(l.HasBalcony), nullBool(l.HasAC), nullBool(l.HasPool),
		nullString(l.EnergyCertificate), nullInt(l.ConstructionYear),
		nullString(l.AdvertiserName), nullString(l.AdvertiserPhone), nullString(l.AdvertiserEmail),
		nullString(l.RawDescription), nullString(l.Description), nullString(l.EnrichedDescription), nullInt(l.QualityScore),
		nullString(l.PageTitle), nullString(l.MetaDescription), headers, rawPayload, nullUUID(l.ScrapeJobID),
		l.CreatedAt, l.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.KindDuplicate, "listing with source url %q already exists", *l.SourceURL)
	}
	if err != nil {
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}

// updateListing refreshes an existing row. COALESCE keeps the stored
// value whenever the incoming field is nil, so a partial rescrape
// never erases data.
func (s *Store) updateListing(ctx context.Context, tx *sql.Tx, l *model.Listing) error {
	headers, err := jsonbOf(l.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	rawPayload, err := jsonbOf(l.RawPayload)
	if err != nil {
		return fmt.Errorf("marshal raw payload: %w", err)
	}

	query := `
		UPDATE listings SET
			partner_id = COALESCE($1, partner_id),
			title = COALESCE($2, title),
			listing_type = COALESCE($3, listing_type),
			property_type = COALESCE($4, property_type),
			typology = COALESCE($5, typology),
			bedrooms = COALESCE($6, bedrooms),
			bathrooms = COALESCE($7, bathrooms),
			floor = COALESCE($8, floor),
			price_amount = COALESCE($9, price_amount),
			price_currency = COALESCE($10, price_currency),
			price_per_m2 = COALESCE($11, price_per_m2),
			area_m2 = COALESCE($12, area_m2),
			area_useful_m2 = COALESCE($13, area_useful_m2),
			area_gross_m2 = COALESCE($14, area_gross_m2),
			area_land_m2 = COALESCE($15, area_land_m2),
			district = COALESCE($16, district),
			county = COALESCE($17, county),
			parish = COALESCE($18, parish),
			full_address = COALESCE($19, full_address),
			latitude = COALESCE($20, latitude),
			longitude = COALESCE($21, longitude),
			has_garage = COALESCE($22, has_garage),
			has_elevator = COALESCE($23, has_elevator),
			has_balcony = COALESCE($24, has_balcony),
			has_ac = COALESCE($25, has_ac),
			has_pool = COALESCE($26, has_pool),
			energy_certificate = COALESCE($27, energy_certificate),
			construction_year = COALESCE($28, construction_year),
			advertiser_name = COALESCE($29, advertiser_name),
			advertiser_phone = COALESCE($30, advertiser_phone),
			advertiser_email = COALESCE($31, advertiser_email),
			raw_description = COALESCE($32, raw_description),
			description = COALESCE($33, description),
			page_title = COALESCE($34, page_title),
			meta_description = COALESCE($35, meta_description),
			headers = COALESCE($36, headers),
			raw_payload = COALESCE($37, raw_payload),
			scrape_job_id = COALESCE($38, scrape_job_id),
			updated_at = now()
		WHERE id = $39
	`
	_, err = tx.ExecContext(ctx, query,
		nullString(l.PartnerID), nullString(l.Title), nullString(l.ListingType),
		nullString(l.PropertyType), nullString(l.Typology), nullInt(l.Bedrooms), nullInt(l.Bathrooms), nullString(l.Floor),
		nullFloat(l.PriceAmount), nullString(l.PriceCurrency), nullFloat(l.PricePerM2),
		nullFloat(l.AreaM2), nullFloat(l.AreaUsefulM2), nullFloat(l.AreaGrossM2), nullFloat(l.AreaLandM2),
		nullString(l.District), nullString(l.County), nullString(l.Parish), nullString(l.FullAddress),
		nullFloat(l.Latitude), nullFloat(l.Longitude),
		nullBool(l.HasGarage), nullBool(l.HasElevator), nullBool(l.HasBalcony), nullBool(l.HasAC), nullBool(l.HasPool),
		nullString(l.EnergyCertificate), nullInt(l.ConstructionYear),
		nullString(l.AdvertiserName), nullString(l.AdvertiserPhone), nullString(l.AdvertiserEmail),
		nullString(l.RawDescription), nullString(l.Description),
		nullString(l.PageTitle), nullString(l.MetaDescription), headers, rawPayload, nullUUID(l.ScrapeJobID),
		l.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}
	return nil
}

// ListListings applies the filter and returns a page of listings plus
// the total match count.
func (s *Store) ListListings(ctx context.Context, filter ListingFilter) ([]*model.Listing, int64, error) {
	where, args := buildListingWhere(filter)

	var total int64
	countQuery := `SELECT count(*) FROM listings` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count listings: %w", err)
	}

	sortCol, ok := listingSortColumns[filter.SortBy]
	if !ok {
		sortCol = "created_at"
		filter.SortDesc = true
	}
	dir := "ASC"
	if filter.SortDesc {
		dir = "DESC"
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf(`SELECT %s FROM listings%s ORDER BY %s %s NULLS LAST LIMIT $%d OFFSET $%d`,
		listingColumns, where, sortCol, dir, len(args)+1, len(args)+2)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query listings: %w", err)
	}
	defer rows.Close()

	var listings []*model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, 0, err
		}
		listings = append(listings, l)
	}
	return listings, total, rows.Err()
}

func buildListingWhere(filter ListingFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.SourcePartner != "" {
		add("source_partner = $%d", filter.SourcePartner)
	}
	if filter.ListingType != "" {
		add("listing_type = $%d", filter.ListingType)
	}
	if filter.PropertyType != "" {
		add("property_type = $%d", filter.PropertyType)
	}
	if filter.Typology != "" {
		add("typology = $%d", filter.Typology)
	}
	if filter.District != "" {
		add("district ILIKE $%d", filter.District)
	}
	if filter.County != "" {
		add("county ILIKE $%d", filter.County)
	}
	if filter.Parish != "" {
		add("parish ILIKE $%d", filter.Parish)
	}
	if filter.ScrapeJobID != nil {
		add("scrape_job_id = $%d", *filter.ScrapeJobID)
	}
	if filter.MinPrice != nil {
		add("price_amount >= $%d", *filter.MinPrice)
	}
	if filter.MaxPrice != nil {
		add("price_amount <= $%d", *filter.MaxPrice)
	}
	if filter.MinBedrooms != nil {
		add("bedrooms >= $%d", *filter.MinBedrooms)
	}
	if filter.MaxBedrooms != nil {
		add("bedrooms <= $%d", *filter.MaxBedrooms)
	}
	if filter.MinArea != nil {
		add("area_useful_m2 >= $%d", *filter.MinArea)
	}
	if filter.MaxArea != nil {
		add("area_useful_m2 <= $%d", *filter.MaxArea)
	}
	if filter.HasGarage != nil {
		add("has_garage = $%d", *filter.HasGarage)
	}
	if filter.HasElevator != nil {
		add("has_elevator = $%d", *filter.HasElevator)
	}
	if filter.HasBalcony != nil {
		add("has_balcony = $%d", *filter.HasBalcony)
	}
	if filter.HasAC != nil {
		add("has_ac = $%d", *filter.HasAC)
	}
	if filter.HasPool != nil {
		add("has_pool = $%d", *filter.HasPool)
	}
	if filter.CreatedAfter != nil {
		add("created_at >= $%d", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		add("created_at <= $%d", *filter.CreatedBefore)
	}
	if filter.Query != "" {
		// Full-text first; ILIKE catches partial tokens the
		// tsvector misses.
		args = append(args, filter.Query)
		n := len(args)
		args = append(args, "%"+filter.Query+"%")
		conds = append(conds, fmt.Sprintf(
			"(search_vector @@ websearch_to_tsquery('english', $%d) OR title ILIKE $%d OR full_address ILIKE $%d)",
			n, n+1, n+1))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// GetListing fetches a listing by id with its media assets.
func (s *Store) GetListing(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	listing, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "listing %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	media, err := s.listMedia(ctx, id)
	if err != nil {
		return nil, err
	}
	listing.Media = media
	return listing, nil
}

func (s *Store) listMedia(ctx context.Context, listingID uuid.UUID) ([]model.MediaAsset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, listing_id, url, alt_text, type, position, created_at
		FROM media_assets WHERE listing_id = $1 ORDER BY position ASC`, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query media assets: %w", err)
	}
	defer rows.Close()

	var media []model.MediaAsset
	for rows.Next() {
		var (
			asset model.MediaAsset
			alt   sql.NullString
		)
		if err := rows.Scan(&asset.ID, &asset.ListingID, &asset.URL, &alt, &asset.Type, &asset.Position, &asset.CreatedAt); err != nil {
			return nil, err
		}
		asset.AltText = strVal(alt)
		media = append(media, asset)
	}
	return media, rows.Err()
}

// PriceHistory returns the recorded previous prices of a listing,
// newest first.
func (s *Store) PriceHistory(ctx context.Context, listingID uuid.UUID) ([]model.PriceHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, listing_id, price_amount, price_currency, recorded_at
		FROM price_history WHERE listing_id = $1 ORDER BY recorded_at DESC`, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var history []model.PriceHistory
	for rows.Next() {
		var h model.PriceHistory
		if err := rows.Scan(&h.ID, &h.ListingID, &h.PriceAmount, &h.PriceCurrency, &h.RecordedAt); err != nil {
			return nil, err
		}
		h.PriceCurrency = strings.TrimSpace(h.PriceCurrency)
		history = append(history, h)
	}
	return history, rows.Err()
}

// DeleteListing removes a listing; media and price history cascade.
func (s *Store) DeleteListing(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM listings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete listing: %w", err)
	}
	return requireAffected(res, apperr.Newf(apperr.KindNotFound, "listing %s not found", id))
}

// SetEnrichment stores the AI-generated description and quality score.
func (s *Store) SetEnrichment(ctx context.Context, id uuid.UUID, description string, score int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE listings
		SET enriched_description = $1, description_quality_score = $2, updated_at = now()
		WHERE id = $3`,
		description, score, id)
	if err != nil {
		return fmt.Errorf("failed to store enrichment: %w", err)
	}
	return requireAffected(res, apperr.Newf(apperr.KindNotFound, "listing %s not found", id))
}

// Stats aggregates counts and price figures across all listings.
func (s *Store) Stats(ctx context.Context) (*ListingStats, error) {
	stats := &ListingStats{
		ByListingType: make(map[string]int64),
		ByDistrict:    make(map[string]int64),
	}

	var avgPrice, minPrice, maxPrice, avgPPM2 sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*), avg(price_amount), min(price_amount), max(price_amount), avg(price_per_m2)
		FROM listings`).Scan(&stats.Total, &avgPrice, &minPrice, &maxPrice, &avgPPM2)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate listings: %w", err)
	}
	stats.AvgPrice = floatVal(avgPrice)
	stats.MinPrice = floatVal(minPrice)
	stats.MaxPrice = floatVal(maxPrice)
	stats.AvgPricePerM2 = floatVal(avgPPM2)

	if err := s.countsInto(ctx, `SELECT listing_type, count(*) FROM listings WHERE listing_type IS NOT NULL GROUP BY listing_type`, stats.ByListingType); err != nil {
		return nil, err
	}
	if err := s.countsInto(ctx, `SELECT district, count(*) FROM listings WHERE district IS NOT NULL GROUP BY district ORDER BY count(*) DESC LIMIT 25`, stats.ByDistrict); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) countsInto(ctx context.Context, query string, dest map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			count int64
		)
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		dest[key] = count
	}
	return rows.Err()
}

// Duplicates finds listings sharing a partner id within the same
// source partner, which usually means the same property scraped from
// different URLs.
func (s *Store) Duplicates(ctx context.Context) ([]DuplicateGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_partner, partner_id, count(*), string_agg(id::text, ',')
		FROM listings
		WHERE partner_id IS NOT NULL
		GROUP BY source_partner, partner_id
		HAVING count(*) > 1
		ORDER BY count(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicates: %w", err)
	}
	defer rows.Close()

	var groups []DuplicateGroup
	for rows.Next() {
		var (
			g   DuplicateGroup
			ids string
		)
		if err := rows.Scan(&g.SourcePartner, &g.PartnerID, &g.Count, &ids); err != nil {
			return nil, err
		}
		for _, raw := range strings.Split(ids, ",") {
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("bad listing id in duplicate group: %w", err)
			}
			g.ListingIDs = append(g.ListingIDs, id)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func scanListing(row rowScanner) (*model.Listing, error) {
	var (
		l model.Listing

		sourceURL, partnerID, title, listingType       sql.NullString
		propertyType, typology, floor                  sql.NullString
		bedrooms, bathrooms, constructionYear, quality sql.NullInt64
		priceAmount, pricePerM2                        sql.NullFloat64
		priceCurrency                                  sql.NullString
		areaM2, areaUseful, areaGross, areaLand        sql.NullFloat64
		district, county, parish, fullAddress          sql.NullString
		latitude, longitude                            sql.NullFloat64
		hasGarage, hasElevator, hasBalcony             sql.NullBool
		hasAC, hasPool                                 sql.NullBool
		energyCert                                     sql.NullString
		advName, advPhone, advEmail                    sql.NullString
		rawDesc, desc, enrichedDesc                    sql.NullString
		pageTitle, metaDesc                            sql.NullString
		headers, rawPayload                            []byte
		scrapeJobID                                    uuid.NullUUID
	)

	err := row.Scan(
		&l.ID, &l.SourcePartner, &sourceURL, &partnerID, &title, &listingType,
		&propertyType, &typology, &bedrooms, &bathrooms, &floor,
		&priceAmount, &priceCurrency, &pricePerM2,
		&areaM2, &areaUseful, &areaGross, &areaLand,
		&district, &county, &parish, &fullAddress, &latitude, &longitude,
		&hasGarage, &hasElevator, &hasBalcony, &hasAC, &hasPool,
		&energyCert, &constructionYear,
		&advName, &advPhone, &advEmail,
		&rawDesc, &desc, &enrichedDesc, &quality,
		&pageTitle, &metaDesc, &headers, &rawPayload, &scrapeJobID,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.SourceURL = strVal(sourceURL)
	l.PartnerID = strVal(partnerID)
	l.Title = strVal(title)
	l.ListingType = strVal(listingType)
	l.PropertyType = strVal(propertyType)
	l.Typology = strVal(typology)
	l.Bedrooms = intVal(bedrooms)
	l.Bathrooms = intVal(bathrooms)
	l.Floor = strVal(floor)
	l.PriceAmount = floatVal(priceAmount)
	if priceCurrency.Valid {
		c := strings.TrimSpace(priceCurrency.String)
		l.PriceCurrency = &c
	}
	l.PricePerM2 = floatVal(pricePerM2)
	l.AreaM2 = floatVal(areaM2)
	l.AreaUsefulM2 = floatVal(areaUseful)
	l.AreaGrossM2 = floatVal(areaGross)
	l.AreaLandM2 = floatVal(areaLand)
	l.District = strVal(district)
	l.County = strVal(county)
	l.Parish = strVal(parish)
	l.FullAddress = strVal(fullAddress)
	l.Latitude = floatVal(latitude)
	l.Longitude = floatVal(longitude)
	l.HasGarage = boolVal(hasGarage)
	l.HasElevator = boolVal(hasElevator)
	l.HasBalcony = boolVal(hasBalcony)
	l.HasAC = boolVal(hasAC)
	l.HasPool = boolVal(hasPool)
	l.EnergyCertificate = strVal(energyCert)
	l.ConstructionYear = intVal(constructionYear)
	l.AdvertiserName = strVal(advName)
	l.AdvertiserPhone = strVal(advPhone)
	l.AdvertiserEmail = strVal(advEmail)
	l.RawDescription = strVal(rawDesc)
	l.Description = strVal(desc)
	l.EnrichedDescription = strVal(enrichedDesc)
	l.QualityScore = intVal(quality)
	l.PageTitle = strVal(pageTitle)
	l.MetaDescription = strVal(metaDesc)
	if len(headers) > 0 {
		if err := jsonUnmarshal(headers, &l.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if len(rawPayload) > 0 {
		l.RawPayload = append([]byte(nil), rawPayload...)
	}
	if scrapeJobID.Valid {
		id := scrapeJobID.UUID
		l.ScrapeJobID = &id
	}
	return &l, nil
}
