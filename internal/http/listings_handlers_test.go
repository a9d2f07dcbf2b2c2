package http

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestSearchListingsEndpoint(t *testing.T) {
	srv, mock := newTestServer(t, testConfig(), nil)

	mock.ExpectQuery(`SELECT count\(\*\) FROM listings`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`FROM listings`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "title", "district", "county", "source_partner", "typology",
			"price_amount", "price_currency", "is_enriched", "thumbnail", "created_at",
		}))

	req := httptest.NewRequest("GET", "/v1/listings/search?q=braga", nil)
	req.Header.Set("X-API-Key", "test-key")
	resp := doRequest(t, srv.App(), req)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	envelope := decodeEnvelope(t, resp)
	if !envelope.Success || envelope.Meta == nil || envelope.Meta.Total != 0 {
		t.Errorf("envelope = %+v", envelope)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateListingValidation(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	req := httptest.NewRequest("POST", "/v1/listings", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "test-key")
	resp := doRequest(t, srv.App(), req)
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	envelope := decodeEnvelope(t, resp)
	if len(envelope.Errors) != 2 {
		t.Errorf("errors = %v", envelope.Errors)
	}
}

func TestCreateListingDuplicateConflict(t *testing.T) {
	srv, mock := newTestServer(t, testConfig(), nil)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO listings`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "listings_source_url_key"})
	mock.ExpectRollback()

	body := `{"sourcePartner": "pearls", "sourceUrl": "https://site.example/imovel/1"}`
	req := httptest.NewRequest("POST", "/v1/listings", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "test-key")
	resp := doRequest(t, srv.App(), req)
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPatchListingBadID(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), nil)

	req := httptest.NewRequest("PATCH", "/v1/listings/not-a-uuid", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "test-key")
	resp := doRequest(t, srv.App(), req)
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
