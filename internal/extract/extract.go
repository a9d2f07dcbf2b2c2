// Package extract turns listing HTML into raw string-valued records
// driven by a per-site CSS selector configuration. Two extraction modes
// are supported: direct (one selector per field) and section (iterate
// name/value pairs inside configured sections).
package extract

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"morada/internal/mappings"
	"morada/internal/model"
)

// Record is the raw output of a listing detail page: canonical field
// keys to unparsed string values, plus images and SEO context. The
// normalizer converts a Record into a model.Listing.
type Record struct {
	SourceURL       string
	Fields          map[string]string
	Nearby          []string
	Images          []string
	AltTexts        []string
	PageTitle       string
	MetaDescription string
	Headers         []model.PageHeader
}

// Extractor drives selector-based extraction. The mappings cache
// resolves raw HTML labels to canonical field keys.
type Extractor struct {
	cache *mappings.Cache
}

func New(cache *mappings.Cache) *Extractor {
	return &Extractor{cache: cache}
}

var (
	pseudoRe    = regexp.MustCompile(`:[a-z-]+(\([^)]*\))?`)
	energyAltRe = regexp.MustCompile(`(?i)\b([A-G])\b`)
	energySrcRe = regexp.MustCompile(`(?i)energy[-_]([a-g])`)
)

// ListingLinks extracts listing detail URLs from a search results page,
// resolved against baseURL, filtered by listing_link_pattern when set,
// deduplicated preserving first-seen order.
func (e *Extractor) ListingLinks(html, baseURL string, selectors map[string]any) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	linkSelector := getString(selectors, "listing_link_selector")
	if linkSelector == "" {
		linkSelector = "a"
	}

	var pattern *regexp.Regexp
	if p := getString(selectors, "listing_link_pattern"); p != "" {
		pattern, err = regexp.Compile(p)
		if err != nil {
			return nil, err
		}
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	links := make([]string, 0)
	safeSelect(doc.Selection, linkSelector).Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" {
			return
		}
		absolute := resolveURL(base, href)
		if absolute == "" {
			return
		}
		if pattern != nil && !pattern.MatchString(absolute) {
			return
		}
		if _, ok := seen[absolute]; ok {
			return
		}
		seen[absolute] = struct{}{}
		links = append(links, absolute)
	})

	return links, nil
}

// NextPage extracts the next page URL from pagination markup via
// next_page_selector. Returns "" when there is no next page.
func (e *Extractor) NextPage(html, baseURL string, selectors map[string]any) string {
	nextSelector := getString(selectors, "next_page_selector")
	if nextSelector == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}

	sel := safeSelectOne(doc.Selection, nextSelector)
	if sel == nil {
		return ""
	}
	href := strings.TrimSpace(sel.AttrOr("href", ""))
	if href == "" {
		return ""
	}
	return resolveURL(base, href)
}

// ListingPage parses a listing detail page into a raw Record using the
// configured extraction mode, then layers images and SEO context on top.
func (e *Extractor) ListingPage(ctx context.Context, html, pageURL string, selectors map[string]any, mode string) (*Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	rec := &Record{
		SourceURL: pageURL,
		Fields:    make(map[string]string),
	}

	if mode == model.ExtractionModeSection {
		e.parseSections(ctx, doc, selectors, rec)
	} else {
		e.parseDirect(ctx, doc, selectors, rec)
	}

	e.parseImages(doc, selectors, pageURL, rec)
	parseSEO(doc, rec)

	return rec, nil
}

// setIfAbsent writes a field without overwriting an earlier, more
// specific extraction of the same key.
func (r *Record) setIfAbsent(field, value string) {
	if value == "" {
		return
	}
	if _, ok := r.Fields[field]; !ok {
		r.Fields[field] = value
	}
}

func (e *Extractor) parseDirect(ctx context.Context, doc *goquery.Document, selectors map[string]any, rec *Record) {
	simpleFields := map[string]string{
		"title_selector":              "title",
		"location_selector":           "location",
		"condition_selector":          "condition",
		"property_type_selector":      "property_type",
		"typology_selector":           "typology",
		"bedrooms_selector":           "bedrooms",
		"bathrooms_selector":          "bathrooms",
		"floor_selector":              "floor",
		"construction_year_selector":  "construction_year",
		"energy_certificate_selector": "energy_certificate",
		"district_selector":           "district",
		"county_selector":             "county",
		"parish_selector":             "parish",
		"price_selector":              "price",
		"business_type_selector":      "business_type",
		"price_per_m2_selector":       "price_per_m2",
		"publication_date_selector":   "publication_date",
		"advertiser_selector":         "advertiser",
		"advertiser_phone_selector":   "advertiser_phone",
		"advertiser_email_selector":   "advertiser_email",
	}

	for selectorKey, field := range simpleFields {
		selector := getString(selectors, selectorKey)
		if selector == "" {
			continue
		}
		if sel := safeSelectOne(doc.Selection, selector); sel != nil {
			if text := cleanText(sel.Text()); text != "" {
				rec.Fields[field] = text
			}
		}
	}

	e.parseDescription(doc, selectors, rec)

	// Property id may live in an attribute rather than the text node.
	if selector := getString(selectors, "property_id_selector"); selector != "" {
		if sel := safeSelectOne(doc.Selection, selector); sel != nil {
			if text := cleanText(sel.Text()); text != "" {
				rec.Fields["property_id"] = text
			} else {
				for _, attr := range []string{"reference", "data-reference", "data-id", "content"} {
					if val, ok := sel.Attr(attr); ok && val != "" {
						rec.Fields["property_id"] = val
						break
					}
				}
			}
		}
	}

	if selector := getString(selectors, "features_selector"); selector != "" {
		safeSelect(doc.Selection, selector).Each(func(_ int, sel *goquery.Selection) {
			text := strings.ToLower(cleanText(sel.Text()))
			if field, ok := e.cache.FeatureTarget(ctx, text); ok {
				rec.Fields[field] = "Yes"
			}
		})
	}

	individualFeatures := map[string]string{
		"garage_selector":           "garage",
		"elevator_selector":         "elevator",
		"balcony_selector":          "balcony",
		"air_conditioning_selector": "air_conditioning",
		"pool_selector":             "swimming_pool",
		"garden_selector":           "garden",
	}
	for selectorKey, field := range individualFeatures {
		selector := getString(selectors, selectorKey)
		if selector == "" {
			continue
		}
		if sel := safeSelectOne(doc.Selection, selector); sel != nil {
			rec.Fields[field] = "Yes"
		}
	}

	e.parseTextPatterns(doc, selectors, rec)
}

func (e *Extractor) parseSections(ctx context.Context, doc *goquery.Document, selectors map[string]any, rec *Record) {
	for selectorKey, field := range map[string]string{
		"title_selector":            "title",
		"location_selector":         "location",
		"condition_selector":        "condition",
		"advertiser_selector":       "advertiser",
		"advertiser_phone_selector": "advertiser_phone",
	} {
		selector := getString(selectors, selectorKey)
		if selector == "" {
			continue
		}
		if sel := safeSelectOne(doc.Selection, selector); sel != nil {
			if text := cleanText(sel.Text()); text != "" {
				rec.Fields[field] = text
			}
		}
	}

	e.parseDescription(doc, selectors, rec)
	e.parseTextPatterns(doc, selectors, rec)

	if section := sectionRoot(doc, selectors, "details_section"); section != nil {
		e.extractNameValuePairs(ctx, section, selectors, rec)
	}
	if section := sectionRoot(doc, selectors, "areas_section"); section != nil {
		extractAreaPairs(section, selectors, rec)
	}
	if section := sectionRoot(doc, selectors, "divisions_section"); section != nil {
		e.extractDivisions(ctx, section, selectors, rec)
	}
	if section := sectionRoot(doc, selectors, "characteristics_section"); section != nil {
		e.extractCharacteristics(ctx, section, selectors, rec)
	}
	if section := sectionRoot(doc, selectors, "nearby_section"); section != nil {
		itemSelector := getStringDefault(selectors, "nearby_item_selector", ".name")
		safeSelect(section, itemSelector).Each(func(_ int, item *goquery.Selection) {
			if text := cleanText(item.Text()); text != "" {
				rec.Nearby = append(rec.Nearby, text)
			}
		})
	}
}

// sectionRoot resolves a section container selector. "body" means the
// whole document, matching a common site configuration shortcut.
func sectionRoot(doc *goquery.Document, selectors map[string]any, key string) *goquery.Selection {
	selector := getString(selectors, key)
	if selector == "" {
		return nil
	}
	if selector == "body" {
		return doc.Selection
	}
	return safeSelectOne(doc.Selection, selector)
}

// extractNameValuePairs walks the detail items of a section, resolving
// each lowercased name against the field map. When the value element is
// absent or empty, an <img> inside the item is inspected for an energy
// certificate letter (alt text first, then the src filename).
func (e *Extractor) extractNameValuePairs(ctx context.Context, section *goquery.Selection, selectors map[string]any, rec *Record) {
	itemSelector := getStringDefault(selectors, "detail_item_selector", ".detail")
	nameSelector := getStringDefault(selectors, "detail_name_selector", ".name")
	valueSelector := getStringDefault(selectors, "detail_value_selector", ".value")

	safeSelect(section, itemSelector).Each(func(_ int, item *goquery.Selection) {
		nameEl := safeSelectOne(item, nameSelector)
		if nameEl == nil {
			return
		}
		name := strings.ToLower(cleanText(nameEl.Text()))

		value := ""
		if valueEl := safeSelectOne(item, valueSelector); valueEl != nil {
			value = cleanText(valueEl.Text())
		}

		if value == "" {
			if img := item.Find("img").First(); img.Length() > 0 {
				alt := strings.TrimSpace(img.AttrOr("alt", ""))
				if m := energyAltRe.FindStringSubmatch(alt); m != nil {
					value = strings.ToUpper(m[1])
				} else {
					src := img.AttrOr("src", "")
					if src == "" {
						src = img.AttrOr("data-src", "")
					}
					if m := energySrcRe.FindStringSubmatch(src); m != nil {
						value = strings.ToUpper(m[1])
					}
				}
			}
		}
		if value == "" {
			return
		}

		if field, ok := e.cache.FieldTarget(ctx, name); ok {
			rec.setIfAbsent(field, value)
		}
	})
}

// extractDivisions handles the room-count section (bedrooms, bathrooms,
// living rooms), which uses the same field map for multilingual names.
func (e *Extractor) extractDivisions(ctx context.Context, section *goquery.Selection, selectors map[string]any, rec *Record) {
	itemSelector := getStringDefault(selectors, "division_item_selector", "div.division")
	nameSelector := getStringDefault(selectors, "division_name_selector", "div.name")
	valueSelector := getStringDefault(selectors, "division_value_selector", "div.value")

	safeSelect(section, itemSelector).Each(func(_ int, item *goquery.Selection) {
		nameEl := safeSelectOne(item, nameSelector)
		valueEl := safeSelectOne(item, valueSelector)
		if nameEl == nil || valueEl == nil {
			return
		}
		name := strings.ToLower(cleanText(nameEl.Text()))
		value := cleanText(valueEl.Text())
		if value == "" {
			return
		}
		if field, ok := e.cache.FieldTarget(ctx, name); ok {
			rec.setIfAbsent(field, value)
		}
	})
}

// extractAreaPairs classifies area items by keyword rather than the
// field map: useful/útil, gross/bruta, land/terreno.
func extractAreaPairs(section *goquery.Selection, selectors map[string]any, rec *Record) {
	itemSelector := getStringDefault(selectors, "area_item_selector", ".area")
	nameSelector := getStringDefault(selectors, "area_name_selector", ".name")
	valueSelector := getStringDefault(selectors, "area_value_selector", ".value")

	safeSelect(section, itemSelector).Each(func(_ int, item *goquery.Selection) {
		nameEl := safeSelectOne(item, nameSelector)
		valueEl := safeSelectOne(item, valueSelector)
		if nameEl == nil || valueEl == nil {
			return
		}
		name := strings.ToLower(cleanText(nameEl.Text()))
		value := cleanText(valueEl.Text())
		if value == "" {
			return
		}

		switch {
		case strings.Contains(name, "useful") || strings.Contains(name, "útil"):
			rec.setIfAbsent("useful_area", value)
		case strings.Contains(name, "gross") || strings.Contains(name, "bruta"):
			rec.setIfAbsent("gross_area", value)
		case strings.Contains(name, "land") || strings.Contains(name, "terreno"):
			rec.setIfAbsent("land_area", value)
		}
	})
}

func (e *Extractor) extractCharacteristics(ctx context.Context, section *goquery.Selection, selectors map[string]any, rec *Record) {
	itemSelector := getStringDefault(selectors, "char_item_selector", ".name")

	safeSelect(section, itemSelector).Each(func(_ int, item *goquery.Selection) {
		text := strings.ToLower(cleanText(item.Text()))
		if field, ok := e.cache.FeatureTarget(ctx, text); ok {
			rec.Fields[field] = "Yes"
		}
	})
}

// parseDescription accepts comma-separated alternative selectors and
// takes the first whose text exceeds 50 characters.
func (e *Extractor) parseDescription(doc *goquery.Document, selectors map[string]any, rec *Record) {
	descSelector := getString(selectors, "description_selector")
	if descSelector == "" {
		return
	}
	for _, alternative := range strings.Split(descSelector, ",") {
		sel := safeSelectOne(doc.Selection, strings.TrimSpace(alternative))
		if sel == nil {
			continue
		}
		text := cleanText(sel.Text())
		if len(text) > 50 {
			rec.Fields["raw_description"] = text
			if html, err := sel.Html(); err == nil {
				rec.Fields["raw_description_html"] = html
			}
			return
		}
	}
}

// parseTextPatterns searches each configured regex against the page's
// plain text, capturing group 1. Searching the raw HTML serialization
// is opt-in via text_pattern_search_html because it is costly.
func (e *Extractor) parseTextPatterns(doc *goquery.Document, selectors map[string]any, rec *Record) {
	patterns, ok := selectors["text_patterns"].(map[string]any)
	if !ok || len(patterns) == 0 {
		return
	}
	searchHTML := getBool(selectors, "text_pattern_search_html")

	fullText := cleanText(doc.Text())
	fullHTML := ""
	if searchHTML {
		if html, err := doc.Html(); err == nil {
			fullHTML = html
		}
	}

	for field, raw := range patterns {
		pattern, ok := raw.(string)
		if !ok || pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?is)" + pattern)
		if err != nil {
			continue
		}
		if m := re.FindStringSubmatch(fullText); len(m) > 1 {
			rec.setIfAbsent(field, strings.TrimSpace(m[1]))
			continue
		}
		if fullHTML != "" {
			if m := re.FindStringSubmatch(fullHTML); len(m) > 1 {
				rec.setIfAbsent(field, strings.TrimSpace(m[1]))
			}
		}
	}
}

func (e *Extractor) parseImages(doc *goquery.Document, selectors map[string]any, pageURL string, rec *Record) {
	imageSelector := getStringDefault(selectors, "image_selector", "img")

	var filter *regexp.Regexp
	if p := getString(selectors, "image_filter"); p != "" {
		if re, err := regexp.Compile(p); err == nil {
			filter = re
		}
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return
	}

	safeSelect(doc.Selection, imageSelector).Each(func(_ int, img *goquery.Selection) {
		src := img.AttrOr("src", "")
		if src == "" {
			src = img.AttrOr("data-src", "")
		}
		if src == "" {
			src = img.AttrOr("data-lazy-src", "")
		}
		if src == "" {
			return
		}
		absolute := resolveURL(base, src)
		if absolute == "" {
			return
		}
		if filter != nil && !filter.MatchString(absolute) {
			return
		}
		rec.Images = append(rec.Images, absolute)
		rec.AltTexts = append(rec.AltTexts, img.AttrOr("alt", ""))
	})
}

func parseSEO(doc *goquery.Document, rec *Record) {
	rec.PageTitle = cleanText(doc.Find("title").First().Text())
	rec.MetaDescription = strings.TrimSpace(doc.Find("meta[name=description]").AttrOr("content", ""))

	for level := 1; level <= 6; level++ {
		doc.Find(fmt.Sprintf("h%d", level)).Each(func(_ int, h *goquery.Selection) {
			if text := cleanText(h.Text()); text != "" {
				rec.Headers = append(rec.Headers, model.PageHeader{Level: level, Text: text})
			}
		})
	}
}

// safeSelect compiles the selector and finds all matches under root.
// A selector the engine rejects, or one that compiles but never matches
// because of a dynamic pseudo-class like :hover, is retried with the
// :pseudo(...) suffixes stripped; a bad selector never aborts the page.
func safeSelect(root *goquery.Selection, selector string) *goquery.Selection {
	if m, err := cascadia.Compile(selector); err == nil {
		if sel := root.FindMatcher(m); sel.Length() > 0 {
			return sel
		}
	}

	base := strings.TrimSpace(pseudoRe.ReplaceAllString(selector, ""))
	if base != "" && base != selector {
		if m, err := cascadia.Compile(base); err == nil {
			return root.FindMatcher(m)
		}
	}
	return root.Slice(0, 0)
}

// safeSelectOne returns the first match. When the selector only works
// after stripping pseudo-classes it returns the last match instead,
// mirroring the :last-of-type fallback behavior. Returns nil when
// nothing matches.
func safeSelectOne(root *goquery.Selection, selector string) *goquery.Selection {
	if m, err := cascadia.Compile(selector); err == nil {
		if sel := root.FindMatcher(m); sel.Length() > 0 {
			return sel.First()
		}
	}

	base := strings.TrimSpace(pseudoRe.ReplaceAllString(selector, ""))
	if base != "" && base != selector {
		if m, err := cascadia.Compile(base); err == nil {
			sel := root.FindMatcher(m)
			if sel.Length() > 0 {
				return sel.Last()
			}
		}
	}
	return nil
}

func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func getString(selectors map[string]any, key string) string {
	if v, ok := selectors[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func getStringDefault(selectors map[string]any, key, fallback string) string {
	if v := getString(selectors, key); v != "" {
		return v
	}
	return fallback
}

func getBool(selectors map[string]any, key string) bool {
	if v, ok := selectors[key].(bool); ok {
		return v
	}
	return false
}
