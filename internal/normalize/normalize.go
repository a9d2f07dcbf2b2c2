// Package normalize converts raw extracted records into canonical
// listing rows. Parsing helpers handle the European/US separator
// ambiguity in prices and areas; per-partner normalizers assemble the
// final model.Listing.
package normalize

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"

	"morada/internal/apperr"
	"morada/internal/extract"
	"morada/internal/mappings"
	"morada/internal/model"
)

var (
	numericRe  = regexp.MustCompile(`\d[\d\s.,]*`)
	areaRe     = regexp.MustCompile(`(\d[\d\s.,]*)\s*m[²2]?`)
	intRe      = regexp.MustCompile(`\d+`)
	typologyRe = regexp.MustCompile(`[Tt](\d+)`)
)

// ParseNumber interprets thousand/decimal separators in a numeric
// string:
//
//   - both "." and "," present: "," is the decimal separator (European)
//   - only ",": decimal iff the trailing group has exactly 2 digits
//   - only ".": thousands iff every non-leading group has 3 digits
//   - spaces are always thousand separators
func ParseNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, false
	}

	hasDot := strings.Contains(s, ".")
	hasComma := strings.Contains(s, ",")

	switch {
	case hasDot && hasComma:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	case hasComma:
		groups := strings.Split(s, ",")
		if len(groups[len(groups)-1]) == 2 {
			s = strings.Join(groups[:len(groups)-1], "") + "." + groups[len(groups)-1]
		} else {
			s = strings.Join(groups, "")
		}
	case hasDot:
		groups := strings.Split(s, ".")
		thousands := len(groups) > 1
		for _, g := range groups[1:] {
			if len(g) != 3 {
				thousands = false
				break
			}
		}
		if thousands {
			s = strings.Join(groups, "")
		}
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// ParsePrice extracts the numeric amount from a raw price string.
// Currency resolution is separate (mappings.Cache.Currency) because it
// needs the original string with its symbols intact.
func ParsePrice(raw string) (float64, bool) {
	m := numericRe.FindString(raw)
	if m == "" {
		return 0, false
	}
	return ParseNumber(m)
}

// ParseArea extracts a square-meter measurement from strings like
// "120 m²" or "120,5m2". A bare number is accepted as a fallback.
// Unlike prices, a comma in an area is always the decimal separator.
func ParseArea(raw string) (float64, bool) {
	if m := areaRe.FindStringSubmatch(raw); m != nil {
		return areaNumber(m[1])
	}
	if m := numericRe.FindString(raw); m != "" {
		return areaNumber(m)
	}
	return 0, false
}

func areaNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	s = strings.ReplaceAll(s, " ", "")
	if !strings.Contains(s, ",") {
		return ParseNumber(s)
	}
	s = strings.ReplaceAll(s, ".", "")
	s = strings.Replace(s, ",", ".", 1)
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// ParseInt extracts the first integer in raw, tolerating prefixes.
func ParseInt(raw string) (int, bool) {
	m := intRe.FindString(raw)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseBool maps affirmative/negative tokens to a tri-state bool.
func ParseBool(raw string) *bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "sim", "true", "1", "✓", "✔":
		v := true
		return &v
	case "no", "não", "false", "0":
		v := false
		return &v
	}
	return nil
}

// TypologyBedrooms derives the bedroom count from a Portuguese
// typology designation ("T3" -> 3).
func TypologyBedrooms(raw string) (int, bool) {
	m := typologyRe.FindStringSubmatch(raw)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ListingType maps a raw business-type string to rent or sale,
// defaulting to sale.
func ListingType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "rent", "rental", "arrendar", "arrendamento":
		return "rent"
	case "buy", "sale", "venda", "comprar":
		return "sale"
	}
	return "sale"
}

// PricePerM2 computes round(price/area, 2), preferring the gross area
// and falling back to the useful area.
func PricePerM2(price, grossArea, usefulArea *float64) *float64 {
	if price == nil {
		return nil
	}
	area := grossArea
	if area == nil || *area <= 0 {
		area = usefulArea
	}
	if area == nil || *area <= 0 {
		return nil
	}
	v := math.Round(*price / *area * 100) / 100
	return &v
}

// Normalizer converts a raw extracted record into a canonical listing.
// Implementations are registered per source partner.
type Normalizer interface {
	Partner() string
	Normalize(ctx context.Context, rec *extract.Record) (*model.Listing, error)
}

// Registry dispatches normalization by source_partner.
type Registry struct {
	byPartner map[string]Normalizer
}

// NewRegistry builds a registry with the built-in partners registered.
func NewRegistry(cache *mappings.Cache) *Registry {
	r := &Registry{byPartner: make(map[string]Normalizer)}
	r.Register(&pearlsNormalizer{cache: cache, md: htmlmd.NewConverter("", true, nil)})
	return r
}

func (r *Registry) Register(n Normalizer) {
	r.byPartner[n.Partner()] = n
}

func (r *Registry) Get(partner string) (Normalizer, error) {
	n, ok := r.byPartner[partner]
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "no normalizer registered for partner %q", partner)
	}
	return n, nil
}

// pearlsNormalizer handles the Pearls of Portugal site family.
type pearlsNormalizer struct {
	cache *mappings.Cache
	md    *htmlmd.Converter
}

func (p *pearlsNormalizer) Partner() string { return "pearls" }

func (p *pearlsNormalizer) Normalize(ctx context.Context, rec *extract.Record) (*model.Listing, error) {
	if rec == nil {
		return nil, apperr.New(apperr.KindParsing, "nil record")
	}

	get := func(key string) string {
		return p.cache.FixCharacters(ctx, rec.Fields[key])
	}

	listing := &model.Listing{SourcePartner: p.Partner()}
	if rec.SourceURL != "" {
		listing.SourceURL = strptr(rec.SourceURL)
	}
	listing.PartnerID = optional(get("property_id"))
	listing.Title = optional(get("title"))
	listing.PropertyType = optional(get("property_type"))
	listing.Typology = optional(get("typology"))
	listing.Floor = optional(get("floor"))

	listingType := ListingType(get("business_type"))
	listing.ListingType = &listingType

	if rawPrice := get("price"); rawPrice != "" {
		if amount, ok := ParsePrice(rawPrice); ok {
			currency := p.cache.Currency(ctx, rawPrice)
			listing.PriceAmount = &amount
			listing.PriceCurrency = &currency
		}
	}

	if v, ok := parseAreaField(get("useful_area")); ok {
		listing.AreaUsefulM2 = &v
	}
	if v, ok := parseAreaField(get("gross_area")); ok {
		listing.AreaGrossM2 = &v
	}
	if v, ok := parseAreaField(get("land_area")); ok {
		listing.AreaLandM2 = &v
	}
	if listing.AreaGrossM2 != nil {
		listing.AreaM2 = listing.AreaGrossM2
	} else if listing.AreaUsefulM2 != nil {
		listing.AreaM2 = listing.AreaUsefulM2
	}

	listing.PricePerM2 = PricePerM2(listing.PriceAmount, listing.AreaGrossM2, listing.AreaUsefulM2)

	if n, ok := ParseInt(get("bedrooms")); ok {
		listing.Bedrooms = &n
	} else if n, ok := TypologyBedrooms(get("typology")); ok {
		listing.Bedrooms = &n
	}
	if n, ok := ParseInt(get("bathrooms")); ok {
		listing.Bathrooms = &n
	}
	if n, ok := ParseInt(get("construction_year")); ok {
		listing.ConstructionYear = &n
	}

	listing.District = optional(get("district"))
	listing.County = optional(get("county"))
	listing.Parish = optional(get("parish"))
	listing.FullAddress = optional(get("location"))

	listing.HasGarage = ParseBool(get("garage"))
	listing.HasElevator = ParseBool(get("elevator"))
	listing.HasBalcony = ParseBool(get("balcony"))
	listing.HasAC = ParseBool(get("air_conditioning"))
	listing.HasPool = ParseBool(get("swimming_pool"))

	listing.EnergyCertificate = optional(strings.ToUpper(get("energy_certificate")))
	listing.AdvertiserName = optional(get("advertiser"))
	listing.AdvertiserPhone = optional(get("advertiser_phone"))
	listing.AdvertiserEmail = optional(get("advertiser_email"))

	if raw := get("raw_description"); raw != "" {
		listing.RawDescription = &raw
		listing.Description = strptr(p.cleanDescription(rec.Fields["raw_description_html"], raw))
	}

	listing.PageTitle = optional(rec.PageTitle)
	listing.MetaDescription = optional(rec.MetaDescription)
	listing.Headers = rec.Headers

	listing.Media = zipMedia(rec.Images, rec.AltTexts)

	return listing, nil
}

// cleanDescription converts the raw description HTML fragment to
// markdown-ish plain text; when conversion fails or no HTML was
// captured, the stripped text is used as-is.
func (p *pearlsNormalizer) cleanDescription(rawHTML, fallback string) string {
	if rawHTML != "" {
		if md, err := p.md.ConvertString(rawHTML); err == nil {
			if cleaned := strings.TrimSpace(md); cleaned != "" {
				return cleaned
			}
		}
	}
	return fallback
}

// zipMedia pairs image URLs with alt texts; the shorter list truncates
// the pair.
func zipMedia(images, alts []string) []model.MediaAsset {
	n := len(images)
	if len(alts) < n {
		n = len(alts)
	}
	if n == 0 {
		return nil
	}
	media := make([]model.MediaAsset, 0, n)
	for i := 0; i < n; i++ {
		asset := model.MediaAsset{
			URL:      images[i],
			Type:     model.MediaPhoto,
			Position: i,
		}
		if alts[i] != "" {
			asset.AltText = strptr(alts[i])
		}
		media = append(media, asset)
	}
	return media
}

func parseAreaField(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	return ParseArea(raw)
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func strptr(s string) *string { return &s }
