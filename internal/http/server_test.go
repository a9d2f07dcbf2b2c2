package http

import (
	"bufio"
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"morada/internal/apperr"
	"morada/internal/config"
	"morada/internal/extract"
	"morada/internal/mappings"
	"morada/internal/normalize"
	"morada/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Auth:    config.AuthConfig{APIKey: "test-key"},
		Scraper: config.ScraperConfig{DefaultMaxPages: 10, UserAgent: "TestBot/1.0 (+contact: test@example.com)"},
		Stream:  config.StreamConfig{PollIntervalMs: 10, HeartbeatEvery: 15},
		Enrich:  config.EnrichConfig{RateLimitRequests: 2, RateLimitWindowSecs: 60},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, rdb *redis.Client) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cache := mappings.NewCache(nil, time.Minute, nil)
	srv := NewServer(Deps{
		Config:    cfg,
		Store:     store.New(db),
		Cache:     cache,
		Extractor: extract.New(cache),
		Registry:  normalize.NewRegistry(cache),
		Redis:     rdb,
	})
	return srv, mock
}

func doRequest(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) Response {
	t.Helper()
	var envelope Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return envelope
}

func TestHealthzShallow(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	resp := doRequest(t, srv.App(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("body = %s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	// A prior request guarantees at least one counter line.
	doRequest(t, srv.App(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	resp := doRequest(t, srv.App(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "morada_http_requests_total") {
		t.Errorf("metrics output missing request counter:\n%s", body)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	resp := doRequest(t, srv.App(), httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing key: status = %d", resp.StatusCode)
	}
	envelope := decodeEnvelope(t, resp)
	if envelope.Success {
		t.Error("success should be false")
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "wrong")
	resp = doRequest(t, srv.App(), req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIKeyAccepted(t *testing.T) {
	srv, mock := newTestServer(t, testConfig(), nil)

	mock.ExpectQuery(`SELECT count\(\*\) FROM scrape_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`FROM scrape_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "site_key", "start_url", "max_pages", "status", "progress", "logs", "urls", "config",
			"error_message", "created_at", "updated_at", "started_at", "completed_at",
		}))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "test-key")
	resp := doRequest(t, srv.App(), req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	envelope := decodeEnvelope(t, resp)
	if !envelope.Success {
		t.Error("success should be true")
	}
	if envelope.Meta == nil {
		t.Error("list response missing meta")
	}
}

func TestAuthDisabledWithEmptyKey(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.APIKey = ""
	srv, mock := newTestServer(t, cfg, nil)

	mock.ExpectQuery(`SELECT count\(\*\) FROM scrape_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`FROM scrape_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "site_key", "start_url", "max_pages", "status", "progress", "logs", "urls", "config",
			"error_message", "created_at", "updated_at", "started_at", "completed_at",
		}))

	resp := doRequest(t, srv.App(), httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTraceIDEchoed(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Trace-Id", "trace-123")
	resp := doRequest(t, srv.App(), req)
	resp.Body.Close()
	if got := resp.Header.Get("X-Trace-Id"); got != "trace-123" {
		t.Errorf("X-Trace-Id = %q", got)
	}

	// Without the header a trace id is generated.
	resp = doRequest(t, srv.App(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	resp.Body.Close()
	if resp.Header.Get("X-Trace-Id") == "" {
		t.Error("generated trace id missing")
	}
}

func TestCreateJobValidation(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	body := bytes.NewBufferString(`{"startUrl": "not a url"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "test-key")

	resp := doRequest(t, srv.App(), req)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	envelope := decodeEnvelope(t, resp)
	if envelope.Success {
		t.Error("success should be false")
	}
	if len(envelope.Errors) != 2 {
		t.Errorf("errors = %v; want siteKey and startUrl problems", envelope.Errors)
	}
}

func TestBadUUIDParam(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/not-a-uuid", nil)
	req.Header.Set("X-API-Key", "test-key")
	resp := doRequest(t, srv.App(), req)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	resp := doRequest(t, srv.App(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	envelope := decodeEnvelope(t, resp)
	if envelope.Success {
		t.Error("success should be false")
	}
}

func TestEnrichRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	srv, _ := newTestServer(t, testConfig(), rdb)

	do := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/listings/8e2b14f0-0f0b-4a6e-9a3e-000000000001/enrich", nil)
		req.Header.Set("X-API-Key", "test-key")
		resp := doRequest(t, srv.App(), req)
		resp.Body.Close()
		return resp.StatusCode
	}

	// Limit is 2 per window. The first two pass the limiter (and fail
	// later because no enrichment provider is configured); the third is
	// rejected by the limiter itself.
	first := do()
	if first == http.StatusTooManyRequests {
		t.Fatalf("first request rate limited")
	}
	if first != http.StatusInternalServerError {
		t.Errorf("unconfigured provider should map to 500, got %d", first)
	}
	do()
	if third := do(); third != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d; want 429", third)
	}
}

func TestKindStatusMapping(t *testing.T) {
	cases := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindDuplicate, http.StatusConflict},
		{apperr.KindJobRunning, http.StatusConflict},
		{apperr.KindValidation, http.StatusUnprocessableEntity},
		{apperr.KindRateLimit, http.StatusInternalServerError},
		{apperr.KindRobots, http.StatusInternalServerError},
		{apperr.KindScraping, http.StatusInternalServerError},
		{apperr.KindParsing, http.StatusInternalServerError},
		{apperr.KindEnrichment, http.StatusInternalServerError},
		{apperr.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := kindStatus(tc.kind); got != tc.want {
			t.Errorf("kindStatus(%v) = %d; want %d", tc.kind, got, tc.want)
		}
	}
}

func TestWriteEventFraming(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	if err := writeEvent(w, "status", map[string]string{"status": "running"}); err != nil {
		t.Fatal(err)
	}
	want := "event: status\ndata: {\"status\":\"running\"}\n\n"
	if buf.String() != want {
		t.Errorf("framing = %q; want %q", buf.String(), want)
	}
}

func streamJobRows(id uuid.UUID, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "site_key", "start_url", "max_pages", "status", "progress", "logs", "urls", "config",
		"error_message", "created_at", "updated_at", "started_at", "completed_at",
	}).AddRow(id, "pearls", "https://site.example/comprar", 5, status,
		[]byte(`{"pages_visited":3,"listings_scraped":12}`), []byte(`{}`), []byte(`{}`), []byte(`{}`),
		nil, now, now, now, now)
}

func TestStreamTerminalJobEventOrder(t *testing.T) {
	srv, mock := newTestServer(t, testConfig(), nil)
	id := uuid.New()

	// One lookup rejects unknown jobs, one poll observes the terminal
	// status.
	mock.ExpectQuery(`FROM scrape_jobs WHERE id`).WillReturnRows(streamJobRows(id, "completed"))
	mock.ExpectQuery(`FROM scrape_jobs WHERE id`).WillReturnRows(streamJobRows(id, "completed"))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id.String()+"/stream", nil)
	req.Header.Set("X-API-Key", "test-key")
	resp := doRequest(t, srv.App(), req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	body := string(raw)

	statusAt := strings.Index(body, "event: status\n")
	progressAt := strings.Index(body, "event: progress\n")
	doneAt := strings.Index(body, "event: done\n")
	if statusAt < 0 || progressAt < 0 || doneAt < 0 {
		t.Fatalf("stream missing events:\n%s", body)
	}
	if !(statusAt < progressAt && progressAt < doneAt) {
		t.Errorf("event order wrong:\n%s", body)
	}
	if n := strings.Count(body, "event: done\n"); n != 1 {
		t.Errorf("done events = %d; want exactly 1", n)
	}
	// The stream closes right after done; nothing follows its frame.
	after := body[doneAt:]
	if frameEnd := strings.Index(after, "\n\n"); frameEnd < 0 || strings.TrimSpace(after[frameEnd:]) != "" {
		t.Errorf("stream continued past done:\n%s", body)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStreamRejectsUnknownJob(t *testing.T) {
	srv, mock := newTestServer(t, testConfig(), nil)

	mock.ExpectQuery(`FROM scrape_jobs WHERE id`).
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/8e2b14f0-0f0b-4a6e-9a3e-000000000002/stream", nil)
	req.Header.Set("X-API-Key", "test-key")
	resp := doRequest(t, srv.App(), req)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}
