package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SiteConfig is the immutable template a scrape job binds to. Selectors
// is a free-form map of selector-name -> CSS selector (or sub-map for
// section configurations).
type SiteConfig struct {
	ID              uuid.UUID      `json:"id"`
	Key             string         `json:"key"`
	Name            string         `json:"name"`
	BaseURL         string         `json:"baseUrl"`
	Selectors       map[string]any `json:"selectors"`
	ExtractionMode  string         `json:"extractionMode"`
	LinkPattern     *string        `json:"linkPattern,omitempty"`
	ImageFilter     *string        `json:"imageFilter,omitempty"`
	PaginationType  string         `json:"paginationType"`
	PaginationParam *string        `json:"paginationParam,omitempty"`
	IsActive        bool           `json:"isActive"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Extraction modes for SiteConfig.
const (
	ExtractionModeSection = "section"
	ExtractionModeDirect  = "direct"
)

// Pagination strategies for SiteConfig.
const (
	PaginationHTMLNext        = "html_next"
	PaginationIncrementalPath = "incremental_path"
	PaginationQueryParam      = "query_param"
)

// Progress holds the per-job counters. All counters are monotonic
// non-decreasing while the job is running.
type Progress struct {
	PagesVisited    int `json:"pages_visited"`
	ListingsFound   int `json:"listings_found"`
	ListingsScraped int `json:"listings_scraped"`
	Errors          int `json:"errors"`
}

// LogEntry is one append-only job log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	URL       string    `json:"url,omitempty"`
}

// JobLogs groups job log lines by severity.
type JobLogs struct {
	Errors   []LogEntry `json:"errors"`
	Warnings []LogEntry `json:"warnings"`
	Info     []LogEntry `json:"info"`
}

// JobURLs tracks the URL sets of a crawl, materialized as deduplicated
// lists preserving first-seen order.
type JobURLs struct {
	Found   []string `json:"found"`
	Scraped []string `json:"scraped"`
	Failed  []string `json:"failed"`
}

// Add appends u to the named set if not already present.
func addUnique(list []string, u string) []string {
	for _, have := range list {
		if have == u {
			return list
		}
	}
	return append(list, u)
}

func (j *JobURLs) AddFound(u string)   { j.Found = addUnique(j.Found, u) }
func (j *JobURLs) AddScraped(u string) { j.Scraped = addUnique(j.Scraped, u) }
func (j *JobURLs) AddFailed(u string)  { j.Failed = addUnique(j.Failed, u) }

// JobConfig carries per-job overrides for the fetcher.
type JobConfig struct {
	MinDelayMs *int    `json:"min_delay_ms,omitempty"`
	MaxDelayMs *int    `json:"max_delay_ms,omitempty"`
	UserAgent  *string `json:"user_agent,omitempty"`
}

// ScrapeJob is a single crawl attempt against a configured site.
type ScrapeJob struct {
	ID           uuid.UUID  `json:"id"`
	SiteKey      string     `json:"siteKey"`
	StartURL     string     `json:"startUrl"`
	MaxPages     int        `json:"maxPages"`
	Status       string     `json:"status"`
	Progress     Progress   `json:"progress"`
	Logs         JobLogs    `json:"logs"`
	URLs         JobURLs    `json:"urls"`
	Config       JobConfig  `json:"config"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Listing is the canonical listing record, deduplicated by SourceURL.
// Pointer fields are nullable columns; the upsert only overwrites
// scalars when the incoming value is non-nil.
type Listing struct {
	ID            uuid.UUID `json:"id"`
	SourcePartner string    `json:"sourcePartner"`
	SourceURL     *string   `json:"sourceUrl,omitempty"`
	PartnerID     *string   `json:"partnerId,omitempty"`

	Title        *string `json:"title,omitempty"`
	ListingType  *string `json:"listingType,omitempty"`
	PropertyType *string `json:"propertyType,omitempty"`
	Typology     *string `json:"typology,omitempty"`
	Bedrooms     *int    `json:"bedrooms,omitempty"`
	Bathrooms    *int    `json:"bathrooms,omitempty"`
	Floor        *string `json:"floor,omitempty"`

	PriceAmount   *float64 `json:"priceAmount,omitempty"`
	PriceCurrency *string  `json:"priceCurrency,omitempty"`
	PricePerM2    *float64 `json:"pricePerM2,omitempty"`

	AreaM2       *float64 `json:"areaM2,omitempty"`
	AreaUsefulM2 *float64 `json:"areaUsefulM2,omitempty"`
	AreaGrossM2  *float64 `json:"areaGrossM2,omitempty"`
	AreaLandM2   *float64 `json:"areaLandM2,omitempty"`

	District    *string  `json:"district,omitempty"`
	County      *string  `json:"county,omitempty"`
	Parish      *string  `json:"parish,omitempty"`
	FullAddress *string  `json:"fullAddress,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`

	HasGarage   *bool `json:"hasGarage,omitempty"`
	HasElevator *bool `json:"hasElevator,omitempty"`
	HasBalcony  *bool `json:"hasBalcony,omitempty"`
	HasAC       *bool `json:"hasAc,omitempty"`
	HasPool     *bool `json:"hasPool,omitempty"`

	EnergyCertificate *string `json:"energyCertificate,omitempty"`
	ConstructionYear  *int    `json:"constructionYear,omitempty"`

	AdvertiserName  *string `json:"advertiserName,omitempty"`
	AdvertiserPhone *string `json:"advertiserPhone,omitempty"`
	AdvertiserEmail *string `json:"advertiserEmail,omitempty"`

	RawDescription      *string `json:"rawDescription,omitempty"`
	Description         *string `json:"description,omitempty"`
	EnrichedDescription *string `json:"enrichedDescription,omitempty"`
	QualityScore        *int    `json:"descriptionQualityScore,omitempty"`

	PageTitle       *string      `json:"pageTitle,omitempty"`
	MetaDescription *string      `json:"metaDescription,omitempty"`
	Headers         []PageHeader `json:"headers,omitempty"`

	RawPayload  json.RawMessage `json:"rawPayload,omitempty"`
	ScrapeJobID *uuid.UUID      `json:"scrapeJobId,omitempty"`

	Media []MediaAsset `json:"media,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PageHeader is one H1-H6 heading captured for SEO context.
type PageHeader struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// MediaAsset is a per-listing image, floorplan, or video. Within a
// listing the URL is unique; rescrapes insert only missing URLs.
type MediaAsset struct {
	ID        uuid.UUID `json:"id"`
	ListingID uuid.UUID `json:"listingId"`
	URL       string    `json:"url"`
	AltText   *string   `json:"altText,omitempty"`
	Type      string    `json:"type"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
}

// Media asset types.
const (
	MediaPhoto     = "photo"
	MediaFloorplan = "floorplan"
	MediaVideo     = "video"
)

// PriceHistory is an append-only record of a listing's previous price,
// written when a rescrape observes a changed price_amount.
type PriceHistory struct {
	ID            uuid.UUID `json:"id"`
	ListingID     uuid.UUID `json:"listingId"`
	PriceAmount   float64   `json:"priceAmount"`
	PriceCurrency string    `json:"priceCurrency"`
	RecordedAt    time.Time `json:"recordedAt"`
}

// FieldMapping maps a raw HTML label to a canonical field key,
// optionally scoped to a site and language.
type FieldMapping struct {
	ID          uuid.UUID `json:"id"`
	SourceName  string    `json:"sourceName"`
	TargetField string    `json:"targetField"`
	MappingType string    `json:"mappingType"`
	Language    string    `json:"language"`
	SiteKey     *string   `json:"siteKey,omitempty"`
	Priority    int       `json:"priority"`
	IsActive    bool      `json:"isActive"`
}

// Mapping types for FieldMapping.
const (
	MappingField   = "field"
	MappingFeature = "feature"
)

// CharacterMapping patches character sequences (mojibake, currency
// symbols) in extracted text.
type CharacterMapping struct {
	ID          uuid.UUID `json:"id"`
	SourceChars string    `json:"sourceChars"`
	TargetChars string    `json:"targetChars"`
	Category    string    `json:"category"`
	IsActive    bool      `json:"isActive"`
}
