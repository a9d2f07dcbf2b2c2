package enrich

import (
	"strings"
	"testing"

	"morada/internal/apperr"
	"morada/internal/config"
	"morada/internal/model"
)

func TestNewClientFromConfig(t *testing.T) {
	cfg := &config.Config{}
	if _, err := NewClientFromConfig(cfg); !apperr.IsKind(err, apperr.KindEnrichment) {
		t.Errorf("empty provider: %v", err)
	}

	cfg.Enrich.Provider = "google"
	if _, err := NewClientFromConfig(cfg); !apperr.IsKind(err, apperr.KindEnrichment) {
		t.Errorf("missing api key: %v", err)
	}

	cfg.Enrich.APIKey = "k"
	client, err := NewClientFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	gc, ok := client.(*googleClient)
	if !ok {
		t.Fatalf("client type %T", client)
	}
	if gc.model != "gemini-2.0-flash" {
		t.Errorf("default model = %q", gc.model)
	}

	cfg.Enrich.Provider = "openai"
	if _, err := NewClientFromConfig(cfg); !apperr.IsKind(err, apperr.KindEnrichment) {
		t.Errorf("unsupported provider: %v", err)
	}
}

func TestParseResult(t *testing.T) {
	res, err := parseResult(`{"description": "A bright flat.", "quality_score": 7}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.Description != "A bright flat." || res.QualityScore != 7 {
		t.Errorf("res = %+v", res)
	}
}

func TestParseResultStripsCodeFence(t *testing.T) {
	raw := "```json\n{\"description\": \"Nice house.\", \"quality_score\": 5}\n```"
	res, err := parseResult(raw)
	if err != nil {
		t.Fatal(err)
	}
	if res.Description != "Nice house." {
		t.Errorf("res = %+v", res)
	}
}

func TestParseResultTolerantOfSurroundingText(t *testing.T) {
	raw := "Here is the result:\n{\"description\": \"Renovated T2.\", \"quality_score\": 4}\nHope that helps."
	res, err := parseResult(raw)
	if err != nil {
		t.Fatal(err)
	}
	if res.Description != "Renovated T2." {
		t.Errorf("res = %+v", res)
	}
}

func TestParseResultClampsScore(t *testing.T) {
	res, err := parseResult(`{"description": "x", "quality_score": 42}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.QualityScore != 10 {
		t.Errorf("score = %d; want clamp to 10", res.QualityScore)
	}

	res, err = parseResult(`{"description": "x", "quality_score": -3}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.QualityScore != 1 {
		t.Errorf("score = %d; want clamp to 1", res.QualityScore)
	}
}

func TestParseResultRejectsGarbage(t *testing.T) {
	if _, err := parseResult("no json here"); err == nil {
		t.Error("expected error without JSON object")
	}
	if _, err := parseResult(`{"description": "   ", "quality_score": 5}`); err == nil {
		t.Error("expected error on blank description")
	}
}

func TestBuildPrompt(t *testing.T) {
	title := "Casa T3"
	district := "Lisboa"
	bedrooms := 3
	price := 250000.0
	desc := "old text"

	prompt := buildPrompt(&model.Listing{
		Title:       &title,
		District:    &district,
		Bedrooms:    &bedrooms,
		PriceAmount: &price,
		Description: &desc,
	})

	for _, want := range []string{
		"- Title: Casa T3",
		"- District: Lisboa",
		"- Bedrooms: 3",
		"- Price: 250000 EUR",
		"old text",
		"quality_score",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
