package extract

import (
	"context"
	"testing"
	"time"

	"morada/internal/mappings"
	"morada/internal/model"
)

func newExtractor() *Extractor {
	return New(mappings.NewCache(nil, time.Minute, nil))
}

func TestListingLinks(t *testing.T) {
	html := `<html><body>
		<a href="/imovel/123">Casa</a>
		<a href="/imovel/123">Casa again</a>
		<a href="https://other.example/imovel/999">External</a>
		<a href="/about">About</a>
		<a href="mailto:info@example.com">Mail</a>
		<a href="/imovel/456">Apartamento</a>
	</body></html>`

	e := newExtractor()
	links, err := e.ListingLinks(html, "https://site.example/comprar", map[string]any{
		"listing_link_pattern": `site\.example/imovel/`,
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"https://site.example/imovel/123",
		"https://site.example/imovel/456",
	}
	if len(links) != len(want) {
		t.Fatalf("links = %v; want %v", links, want)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Errorf("links[%d] = %q; want %q", i, links[i], want[i])
		}
	}
}

func TestListingLinksCustomSelector(t *testing.T) {
	html := `<html><body>
		<div class="card"><a href="/imovel/1">one</a></div>
		<a href="/imovel/2">outside card</a>
	</body></html>`

	e := newExtractor()
	links, err := e.ListingLinks(html, "https://site.example/", map[string]any{
		"listing_link_selector": ".card a",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 || links[0] != "https://site.example/imovel/1" {
		t.Fatalf("links = %v", links)
	}
}

func TestNextPage(t *testing.T) {
	html := `<html><body><a class="next" href="?page=2">Next</a></body></html>`

	e := newExtractor()
	sel := map[string]any{"next_page_selector": "a.next"}

	next := e.NextPage(html, "https://site.example/comprar", sel)
	if next != "https://site.example/comprar?page=2" {
		t.Errorf("next = %q", next)
	}

	if got := e.NextPage(`<html><body></body></html>`, "https://site.example/", sel); got != "" {
		t.Errorf("expected empty on missing anchor, got %q", got)
	}
	if got := e.NextPage(html, "https://site.example/", map[string]any{}); got != "" {
		t.Errorf("expected empty without selector, got %q", got)
	}
}

func TestListingPageDirectMode(t *testing.T) {
	html := `<html><head>
		<title>Casa T3 | Site</title>
		<meta name="description" content="A lovely house.">
	</head><body>
		<h1 class="t">Casa T3 em Cascais</h1>
		<span class="price">350.000 €</span>
		<span class="ref" data-reference="REF-77"></span>
		<ul class="features"><li>Garagem</li><li>Piscina</li><li>Vista mar</li></ul>
		<div class="desc"><p>Uma moradia espaçosa com jardim, perto da praia e de todos os serviços essenciais.</p></div>
		<div class="gallery">
			<img src="/photos/1.jpg" alt="frente">
			<img data-src="/photos/2.jpg" alt="">
			<img src="/logo.png" alt="logo">
		</div>
	</body></html>`

	e := newExtractor()
	selectors := map[string]any{
		"title_selector":       ".t",
		"price_selector":       ".price",
		"property_id_selector": ".ref",
		"features_selector":    ".features li",
		"description_selector": ".desc",
		"image_selector":       ".gallery img",
		"image_filter":         `/photos/`,
	}

	rec, err := e.ListingPage(context.Background(), html, "https://site.example/imovel/77", selectors, model.ExtractionModeDirect)
	if err != nil {
		t.Fatal(err)
	}

	if rec.Fields["title"] != "Casa T3 em Cascais" {
		t.Errorf("title = %q", rec.Fields["title"])
	}
	if rec.Fields["price"] != "350.000 €" {
		t.Errorf("price = %q", rec.Fields["price"])
	}
	// Empty text node falls through to the attribute.
	if rec.Fields["property_id"] != "REF-77" {
		t.Errorf("property_id = %q", rec.Fields["property_id"])
	}
	if rec.Fields["garage"] != "Yes" {
		t.Errorf("garage = %q", rec.Fields["garage"])
	}
	if rec.Fields["swimming_pool"] != "Yes" {
		t.Errorf("swimming_pool = %q", rec.Fields["swimming_pool"])
	}
	if _, ok := rec.Fields["vista mar"]; ok {
		t.Error("unmapped feature leaked into fields")
	}
	if rec.Fields["raw_description"] == "" {
		t.Error("description not captured")
	}
	if rec.Fields["raw_description_html"] == "" {
		t.Error("description html not captured")
	}

	if len(rec.Images) != 2 {
		t.Fatalf("images = %v", rec.Images)
	}
	if rec.Images[0] != "https://site.example/photos/1.jpg" {
		t.Errorf("images[0] = %q", rec.Images[0])
	}
	if rec.Images[1] != "https://site.example/photos/2.jpg" {
		t.Errorf("data-src image not picked up: %q", rec.Images[1])
	}
	if rec.AltTexts[0] != "frente" {
		t.Errorf("alt = %q", rec.AltTexts[0])
	}

	if rec.PageTitle != "Casa T3 | Site" {
		t.Errorf("page title = %q", rec.PageTitle)
	}
	if rec.MetaDescription != "A lovely house." {
		t.Errorf("meta description = %q", rec.MetaDescription)
	}
	if len(rec.Headers) == 0 || rec.Headers[0].Level != 1 {
		t.Errorf("headers = %v", rec.Headers)
	}
}

func TestListingPageSectionMode(t *testing.T) {
	html := `<html><body>
		<h1 class="t">Apartamento T2</h1>
		<div class="details">
			<div class="detail"><span class="name">Preço</span><span class="value">199.000 €</span></div>
			<div class="detail"><span class="name">Tipologia</span><span class="value">T2</span></div>
			<div class="detail"><span class="name">Certificado Energético</span><img src="/img/energy-b.png" alt=""></div>
		</div>
		<div class="areas">
			<div class="area"><span class="name">Área Útil</span><span class="value">85 m²</span></div>
			<div class="area"><span class="name">Área Bruta</span><span class="value">95 m²</span></div>
		</div>
		<div class="divisions">
			<div class="division"><div class="name">Quartos</div><div class="value">2</div></div>
			<div class="division"><div class="name">Casas de Banho</div><div class="value">1</div></div>
		</div>
		<div class="chars">
			<span class="name">Elevador</span>
			<span class="name">Varanda</span>
		</div>
		<div class="nearby">
			<span class="name">Escola</span>
			<span class="name">Metro</span>
		</div>
	</body></html>`

	e := newExtractor()
	selectors := map[string]any{
		"title_selector":          ".t",
		"details_section":         ".details",
		"areas_section":           ".areas",
		"divisions_section":       ".divisions",
		"characteristics_section": ".chars",
		"nearby_section":          ".nearby",
	}

	rec, err := e.ListingPage(context.Background(), html, "https://site.example/imovel/2", selectors, model.ExtractionModeSection)
	if err != nil {
		t.Fatal(err)
	}

	if rec.Fields["price"] != "199.000 €" {
		t.Errorf("price = %q", rec.Fields["price"])
	}
	if rec.Fields["typology"] != "T2" {
		t.Errorf("typology = %q", rec.Fields["typology"])
	}
	// Value element missing; the letter comes from the img src.
	if rec.Fields["energy_certificate"] != "B" {
		t.Errorf("energy_certificate = %q", rec.Fields["energy_certificate"])
	}
	if rec.Fields["useful_area"] != "85 m²" {
		t.Errorf("useful_area = %q", rec.Fields["useful_area"])
	}
	if rec.Fields["gross_area"] != "95 m²" {
		t.Errorf("gross_area = %q", rec.Fields["gross_area"])
	}
	if rec.Fields["bedrooms"] != "2" {
		t.Errorf("bedrooms = %q", rec.Fields["bedrooms"])
	}
	if rec.Fields["bathrooms"] != "1" {
		t.Errorf("bathrooms = %q", rec.Fields["bathrooms"])
	}
	if rec.Fields["elevator"] != "Yes" {
		t.Errorf("elevator = %q", rec.Fields["elevator"])
	}
	if rec.Fields["balcony"] != "Yes" {
		t.Errorf("balcony = %q", rec.Fields["balcony"])
	}
	if len(rec.Nearby) != 2 || rec.Nearby[0] != "Escola" {
		t.Errorf("nearby = %v", rec.Nearby)
	}
}

func TestEnergyCertificateFromImgAlt(t *testing.T) {
	html := `<html><body><div class="details">
		<div class="detail"><span class="name">Classe Energética</span><img src="/x.png" alt="Classe A"></div>
	</div></body></html>`

	e := newExtractor()
	rec, err := e.ListingPage(context.Background(), html, "https://site.example/i/1",
		map[string]any{"details_section": ".details"}, model.ExtractionModeSection)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Fields["energy_certificate"] != "A" {
		t.Errorf("energy_certificate = %q", rec.Fields["energy_certificate"])
	}
}

func TestTextPatterns(t *testing.T) {
	html := `<html><body>
		<p>Ano de construção: 1998. Referência: XP-42.</p>
	</body></html>`

	e := newExtractor()
	selectors := map[string]any{
		"text_patterns": map[string]any{
			"construction_year": `ano de construção:\s*(\d{4})`,
			"property_id":       `referência:\s*([A-Z]+-\d+)`,
		},
	}

	rec, err := e.ListingPage(context.Background(), html, "https://site.example/i/42", selectors, model.ExtractionModeDirect)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Fields["construction_year"] != "1998" {
		t.Errorf("construction_year = %q", rec.Fields["construction_year"])
	}
	if rec.Fields["property_id"] != "XP-42" {
		t.Errorf("property_id = %q", rec.Fields["property_id"])
	}
}

func TestBadSelectorDoesNotAbort(t *testing.T) {
	html := `<html><body><h1 class="t">Title here</h1></body></html>`

	e := newExtractor()
	rec, err := e.ListingPage(context.Background(), html, "https://site.example/i/1", map[string]any{
		"title_selector": ".t:hover",
		"price_selector": "[[[",
	}, model.ExtractionModeDirect)
	if err != nil {
		t.Fatal(err)
	}
	// Pseudo-class stripped, base selector still matches.
	if rec.Fields["title"] != "Title here" {
		t.Errorf("title = %q", rec.Fields["title"])
	}
	if _, ok := rec.Fields["price"]; ok {
		t.Error("unparseable selector should yield nothing")
	}
}

func TestCleanTextCollapsesWhitespace(t *testing.T) {
	if got := cleanText("  a \n\t b  \n c "); got != "a b c" {
		t.Errorf("got %q", got)
	}
}
