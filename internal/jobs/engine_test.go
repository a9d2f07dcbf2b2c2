package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"morada/internal/config"
	"morada/internal/extract"
	"morada/internal/mappings"
	"morada/internal/model"
	"morada/internal/normalize"
	"morada/internal/store"
)

func newTestRunner(t *testing.T) (*Runner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cache := mappings.NewCache(nil, time.Minute, nil)
	scraper := config.ScraperConfig{
		MinDelayMs:      1,
		MaxDelayMs:      2,
		UserAgent:       "TestBot/1.0 (+contact: test@example.com)",
		TimeoutMs:       5000,
		MaxRetries:      1,
		DefaultMaxPages: 5,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := NewRunner(store.New(db), extract.New(cache), normalize.NewRegistry(cache), scraper, logger)
	return runner, mock
}

func crawlSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/comprar", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/imovel/1">Casa T2</a><a href="/sobre">About</a></body></html>`)
	})
	mux.HandleFunc("/imovel/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>Casa T2 em Braga</h1><span class="price">180.000 €</span></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func crawlFixtures(startURL string) (*model.ScrapeJob, *model.SiteConfig) {
	pattern := "/imovel/"
	job := &model.ScrapeJob{
		ID:       uuid.New(),
		SiteKey:  "pearls",
		StartURL: startURL,
		MaxPages: 1,
		Status:   "running",
	}
	site := &model.SiteConfig{
		Key:            "pearls",
		ExtractionMode: model.ExtractionModeDirect,
		PaginationType: model.PaginationHTMLNext,
		LinkPattern:    &pattern,
		Selectors: map[string]any{
			"title_selector": "h1",
			"price_selector": ".price",
		},
		IsActive: true,
	}
	return job, site
}

func TestRunHappyPath(t *testing.T) {
	runner, mock := newTestRunner(t)
	srv := crawlSite(t)
	job, site := crawlFixtures(srv.URL + "/comprar")

	running := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"status"}).AddRow("running")
	}

	// Page checkpoint, links found, listing checkpoint, listing scraped,
	// final save, completion.
	mock.ExpectQuery(`SELECT status FROM scrape_jobs`).WillReturnRows(running())
	mock.ExpectExec(`UPDATE scrape_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT status FROM scrape_jobs`).WillReturnRows(running())
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, price_amount, price_currency FROM listings`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO listings`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE scrape_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE scrape_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE scrape_jobs`).
		WithArgs("completed", sqlmock.AnyArg(), job.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	runner.Run(context.Background(), job, site)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRunStopsAtCancellationCheckpoint(t *testing.T) {
	runner, mock := newTestRunner(t)
	job, site := crawlFixtures("https://unreachable.invalid/comprar")

	mock.ExpectQuery(`SELECT status FROM scrape_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("cancelled"))
	// Only the final progress save; no fetch, no terminal transition.
	mock.ExpectExec(`UPDATE scrape_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))

	runner.Run(context.Background(), job, site)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRunCompletesWhenStartPageUnreachable(t *testing.T) {
	runner, mock := newTestRunner(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	job, site := crawlFixtures(srv.URL + "/comprar")

	// The failed fetch is logged on the job; the crawl still ends in
	// completed, never failed.
	mock.ExpectQuery(`SELECT status FROM scrape_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectExec(`UPDATE scrape_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE scrape_jobs`).
		WithArgs("completed", sqlmock.AnyArg(), job.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	runner.Run(context.Background(), job, site)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRunCompletesWithUnknownPartner(t *testing.T) {
	runner, mock := newTestRunner(t)
	srv := crawlSite(t)
	job, site := crawlFixtures(srv.URL + "/comprar")
	site.Selectors["source_partner"] = "nobody"

	running := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"status"}).AddRow("running")
	}

	// The listing is marked failed without a detail fetch; the crawl
	// still completes.
	mock.ExpectQuery(`SELECT status FROM scrape_jobs`).WillReturnRows(running())
	mock.ExpectExec(`UPDATE scrape_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT status FROM scrape_jobs`).WillReturnRows(running())
	mock.ExpectExec(`UPDATE scrape_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE scrape_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE scrape_jobs`).
		WithArgs("completed", sqlmock.AnyArg(), job.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	runner.Run(context.Background(), job, site)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRunCompletesWhenRobotsUnavailable(t *testing.T) {
	runner, mock := newTestRunner(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/comprar", func(w http.ResponseWriter, r *http.Request) {
		t.Error("page fetched despite unavailable robots.txt")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	job, site := crawlFixtures(srv.URL + "/comprar")

	mock.ExpectQuery(`SELECT status FROM scrape_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectExec(`UPDATE scrape_jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE scrape_jobs`).
		WithArgs("completed", sqlmock.AnyArg(), job.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	runner.Run(context.Background(), job, site)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
