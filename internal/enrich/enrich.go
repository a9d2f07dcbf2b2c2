// Package enrich rewrites listing descriptions with an LLM and scores
// their quality. Gemini is the only wired provider.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"morada/internal/apperr"
	"morada/internal/config"
	"morada/internal/metrics"
	"morada/internal/model"
)

// Result is the structured enrichment output.
type Result struct {
	Description  string `json:"description"`
	QualityScore int    `json:"quality_score"`
}

// Client produces an enriched description for a listing.
type Client interface {
	Enrich(ctx context.Context, listing *model.Listing) (Result, error)
}

// NewClientFromConfig builds the configured provider. Only "google"
// (Gemini) is supported; an empty provider disables enrichment.
func NewClientFromConfig(cfg *config.Config) (Client, error) {
	switch cfg.Enrich.Provider {
	case "google":
		if cfg.Enrich.APIKey == "" {
			return nil, apperr.New(apperr.KindEnrichment, "enrichment api key not configured")
		}
		model := cfg.Enrich.Model
		if model == "" {
			model = "gemini-2.0-flash"
		}
		return &googleClient{
			apiKey:      cfg.Enrich.APIKey,
			model:       model,
			temperature: cfg.Enrich.Temperature,
			http:        &http.Client{Timeout: 60 * time.Second},
		}, nil
	case "":
		return nil, apperr.New(apperr.KindEnrichment, "enrichment provider not configured")
	default:
		return nil, apperr.Newf(apperr.KindEnrichment, "unsupported enrichment provider %q", cfg.Enrich.Provider)
	}
}

// googleClient calls Gemini's generateContent API.
type googleClient struct {
	apiKey      string
	model       string
	temperature float64
	http        *http.Client
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Parts []googlePart `json:"parts"`
}

type googleGenerationConfig struct {
	Temperature float64 `json:"temperature"`
}

type googleGenerateContentRequest struct {
	Contents         []googleContent        `json:"contents"`
	GenerationConfig googleGenerationConfig `json:"generationConfig"`
}

type googleGenerateContentResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
}

func (c *googleClient) Enrich(ctx context.Context, listing *model.Listing) (Result, error) {
	res, err := c.enrich(ctx, listing)
	metrics.RecordEnrich("google", c.model, err == nil)
	return res, err
}

func (c *googleClient) enrich(ctx context.Context, listing *model.Listing) (Result, error) {
	prompt := buildPrompt(listing)

	body := googleGenerateContentRequest{
		Contents: []googleContent{
			{Parts: []googlePart{{Text: prompt}}},
		},
		GenerationConfig: googleGenerationConfig{Temperature: c.temperature},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}

	base := "https://generativelanguage.googleapis.com/v1beta"
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", base, c.model, url.QueryEscape(c.apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindEnrichment, "gemini request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, apperr.Newf(apperr.KindEnrichment, "gemini generateContent failed with status %d", resp.StatusCode)
	}

	var parsed googleGenerateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, apperr.Wrap(apperr.KindEnrichment, "gemini response decode failed", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return Result{}, apperr.New(apperr.KindEnrichment, "gemini returned no candidates")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}

	result, err := parseResult(sb.String())
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindEnrichment, "gemini output unusable", err)
	}
	return result, nil
}

func buildPrompt(listing *model.Listing) string {
	var facts strings.Builder
	addFact := func(label string, v *string) {
		if v != nil && *v != "" {
			fmt.Fprintf(&facts, "- %s: %s\n", label, *v)
		}
	}
	addFact("Title", listing.Title)
	addFact("Property type", listing.PropertyType)
	addFact("Typology", listing.Typology)
	addFact("District", listing.District)
	addFact("County", listing.County)
	if listing.Bedrooms != nil {
		fmt.Fprintf(&facts, "- Bedrooms: %d\n", *listing.Bedrooms)
	}
	if listing.Bathrooms != nil {
		fmt.Fprintf(&facts, "- Bathrooms: %d\n", *listing.Bathrooms)
	}
	if listing.AreaUsefulM2 != nil {
		fmt.Fprintf(&facts, "- Useful area: %.0f m2\n", *listing.AreaUsefulM2)
	}
	if listing.PriceAmount != nil {
		currency := "EUR"
		if listing.PriceCurrency != nil {
			currency = *listing.PriceCurrency
		}
		fmt.Fprintf(&facts, "- Price: %.0f %s\n", *listing.PriceAmount, currency)
	}

	description := ""
	if listing.Description != nil {
		description = *listing.Description
	} else if listing.RawDescription != nil {
		description = *listing.RawDescription
	}

	return "You are a real-estate copywriter. Rewrite the listing description below in clear, " +
		"factual English without inventing details. Also rate the ORIGINAL description's quality " +
		"from 1 (unusable) to 10 (excellent). Respond with a JSON object only, with exactly these " +
		"keys: {\"description\": string, \"quality_score\": number}.\n\n" +
		"Listing facts:\n" + facts.String() +
		"\nOriginal description:\n" + description
}

// parseResult extracts the JSON object from the model output,
// tolerating markdown code fences.
func parseResult(content string) (Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Result{}, errors.New("no JSON object in response")
	}

	var result Result
	if err := json.Unmarshal([]byte(content[start:end+1]), &result); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(result.Description) == "" {
		return Result{}, errors.New("empty description in response")
	}
	if result.QualityScore < 1 {
		result.QualityScore = 1
	}
	if result.QualityScore > 10 {
		result.QualityScore = 10
	}
	return result, nil
}
