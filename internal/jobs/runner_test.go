package jobs

import (
	"fmt"
	"testing"
	"time"

	"morada/internal/extract"
	"morada/internal/mappings"
	"morada/internal/model"
)

func strp(s string) *string { return &s }

func TestNextPageURLIncrementalPath(t *testing.T) {
	r := &Runner{}
	site := &model.SiteConfig{PaginationType: model.PaginationIncrementalPath}

	got := r.nextPageURL(site, nil, "", "https://site.example/comprar/2", "https://site.example/comprar/", 2)
	if got != "https://site.example/comprar/3" {
		t.Errorf("got %q", got)
	}
}

func TestNextPageURLQueryParam(t *testing.T) {
	r := &Runner{}
	site := &model.SiteConfig{PaginationType: model.PaginationQueryParam}

	got := r.nextPageURL(site, nil, "", "", "https://site.example/comprar?sort=price", 1)
	if got != "https://site.example/comprar?page=2&sort=price" {
		t.Errorf("got %q", got)
	}

	site.PaginationParam = strp("pagina")
	got = r.nextPageURL(site, nil, "", "", "https://site.example/comprar", 3)
	if got != "https://site.example/comprar?pagina=4" {
		t.Errorf("custom param: %q", got)
	}
}

func TestNextPageURLHTMLNext(t *testing.T) {
	r := &Runner{extractor: extract.New(mappings.NewCache(nil, time.Minute, nil))}
	site := &model.SiteConfig{PaginationType: model.PaginationHTMLNext}
	selectors := map[string]any{"next_page_selector": "a.next"}

	html := `<html><body><a class="next" href="/comprar?page=2">»</a></body></html>`
	got := r.nextPageURL(site, selectors, html, "https://site.example/comprar", "https://site.example/comprar", 1)
	if got != "https://site.example/comprar?page=2" {
		t.Errorf("got %q", got)
	}

	// A next link pointing at the current page ends the crawl.
	self := `<html><body><a class="next" href="/comprar">»</a></body></html>`
	if got := r.nextPageURL(site, selectors, self, "https://site.example/comprar", "https://site.example/comprar", 1); got != "" {
		t.Errorf("self-referencing next should end pagination, got %q", got)
	}

	if got := r.nextPageURL(site, selectors, `<html></html>`, "https://site.example/comprar", "https://site.example/comprar", 1); got != "" {
		t.Errorf("missing next should end pagination, got %q", got)
	}
}

func TestNextPageURLUnknownType(t *testing.T) {
	r := &Runner{}
	site := &model.SiteConfig{PaginationType: "something_else"}
	if got := r.nextPageURL(site, nil, "", "", "https://site.example/", 1); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestOverlaySelectors(t *testing.T) {
	site := &model.SiteConfig{
		Selectors:   map[string]any{"title_selector": ".t"},
		LinkPattern: strp(`/imovel/`),
		ImageFilter: strp(`/photos/`),
	}

	selectors := overlaySelectors(site)
	if selectors["title_selector"] != ".t" {
		t.Error("site selectors not carried over")
	}
	if selectors["listing_link_pattern"] != "/imovel/" {
		t.Error("link pattern not overlaid")
	}
	if selectors["image_filter"] != "/photos/" {
		t.Error("image filter not overlaid")
	}

	// The site's own map must not be mutated.
	if _, ok := site.Selectors["listing_link_pattern"]; ok {
		t.Error("overlay mutated the site selector map")
	}
}

func TestSourcePartner(t *testing.T) {
	site := &model.SiteConfig{Key: "pearls-pt", Selectors: map[string]any{}}
	if got := sourcePartner(site); got != "pearls-pt" {
		t.Errorf("got %q; want site key", got)
	}

	site.Selectors["source_partner"] = "pearls"
	if got := sourcePartner(site); got != "pearls" {
		t.Errorf("got %q; want pinned partner", got)
	}
}

func TestAppendLogCap(t *testing.T) {
	var entries []model.LogEntry
	for i := 0; i < maxLogEntries+50; i++ {
		entries = appendLog(entries, fmt.Sprintf("entry %d", i), "https://site.example/")
	}
	if len(entries) != maxLogEntries {
		t.Errorf("len = %d; want %d", len(entries), maxLogEntries)
	}
	if entries[0].Message != "entry 0" {
		t.Errorf("oldest entry lost: %q", entries[0].Message)
	}
}
