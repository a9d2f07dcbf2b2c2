package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"morada/internal/apperr"
	"morada/internal/model"
)

const siteColumns = `id, key, name, base_url, selectors, extraction_mode, link_pattern,
		image_filter, pagination_type, pagination_param, is_active, created_at, updated_at`

// CreateSite inserts a new site configuration. A second active site
// with the same key is rejected as a duplicate.
func (s *Store) CreateSite(ctx context.Context, site *model.SiteConfig) error {
	if site.ID == uuid.Nil {
		site.ID = uuid.New()
	}
	now := time.Now().UTC()
	site.CreatedAt = now
	site.UpdatedAt = now
	if site.ExtractionMode == "" {
		site.ExtractionMode = model.ExtractionModeSection
	}
	if site.PaginationType == "" {
		site.PaginationType = model.PaginationHTMLNext
	}

	selectors, err := jsonbOf(site.Selectors)
	if err != nil {
		return fmt.Errorf("marshal selectors: %w", err)
	}

	query := `
		INSERT INTO site_configs (id, key, name, base_url, selectors, extraction_mode,
			link_pattern, image_filter, pagination_type, pagination_param, is_active,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		site.ID,
		site.Key,
		site.Name,
		site.BaseURL,
		selectors,
		site.ExtractionMode,
		nullString(site.LinkPattern),
		nullString(site.ImageFilter),
		site.PaginationType,
		nullString(site.PaginationParam),
		site.IsActive,
		site.CreatedAt,
		site.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.KindDuplicate, "site config with key %q already exists", site.Key)
	}
	if err != nil {
		return fmt.Errorf("failed to create site config: %w", err)
	}
	return nil
}

// ListSites returns site configurations, optionally including
// deactivated ones, newest first.
func (s *Store) ListSites(ctx context.Context, includeInactive bool) ([]*model.SiteConfig, error) {
	query := `SELECT ` + siteColumns + ` FROM site_configs`
	if !includeInactive {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query site configs: %w", err)
	}
	defer rows.Close()

	var sites []*model.SiteConfig
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// GetSite fetches a site configuration by id.
func (s *Store) GetSite(ctx context.Context, id uuid.UUID) (*model.SiteConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+siteColumns+` FROM site_configs WHERE id = $1`, id)
	site, err := scanSite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "site config %s not found", id)
	}
	return site, err
}

// GetActiveSiteByKey fetches the active site configuration for key.
// Jobs bind to sites by key, so a deactivated site is as good as
// absent here.
func (s *Store) GetActiveSiteByKey(ctx context.Context, key string) (*model.SiteConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+siteColumns+` FROM site_configs WHERE key = $1 AND is_active`, key)
	site, err := scanSite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "no active site config with key %q", key)
	}
	return site, err
}

// GetSiteByKey fetches a site configuration by key regardless of its
// active flag. Creation uses this to find a soft-deleted site to
// revive.
func (s *Store) GetSiteByKey(ctx context.Context, key string) (*model.SiteConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+siteColumns+` FROM site_configs WHERE key = $1`, key)
	site, err := scanSite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "no site config with key %q", key)
	}
	return site, err
}

// UpdateSite overwrites the mutable fields of a site configuration.
func (s *Store) UpdateSite(ctx context.Context, site *model.SiteConfig) error {
	selectors, err := jsonbOf(site.Selectors)
	if err != nil {
		return fmt.Errorf("marshal selectors: %w", err)
	}

	query := `
		UPDATE site_configs
		SET name = $1, base_url = $2, selectors = $3, extraction_mode = $4,
			link_pattern = $5, image_filter = $6, pagination_type = $7,
			pagination_param = $8, updated_at = now()
		WHERE id = $9
	`
	res, err := s.db.ExecContext(ctx, query,
		site.Name,
		site.BaseURL,
		selectors,
		site.ExtractionMode,
		nullString(site.LinkPattern),
		nullString(site.ImageFilter),
		site.PaginationType,
		nullString(site.PaginationParam),
		site.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update site config: %w", err)
	}
	return requireAffected(res, apperr.Newf(apperr.KindNotFound, "site config %s not found", site.ID))
}

// SetSiteActive toggles the soft-delete flag.
func (s *Store) SetSiteActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE site_configs SET is_active = $1, updated_at = now() WHERE id = $2`,
		active, id)
	if err != nil {
		return fmt.Errorf("failed to toggle site config: %w", err)
	}
	return requireAffected(res, apperr.Newf(apperr.KindNotFound, "site config %s not found", id))
}

// DeleteSite removes a site configuration outright. Jobs referencing
// its key block the delete at the FK level.
func (s *Store) DeleteSite(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM site_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete site config: %w", err)
	}
	return requireAffected(res, apperr.Newf(apperr.KindNotFound, "site config %s not found", id))
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSite(row rowScanner) (*model.SiteConfig, error) {
	var (
		site      model.SiteConfig
		selectors []byte
		linkPat   sql.NullString
		imgFilter sql.NullString
		pageParam sql.NullString
	)
	err := row.Scan(
		&site.ID,
		&site.Key,
		&site.Name,
		&site.BaseURL,
		&selectors,
		&site.ExtractionMode,
		&linkPat,
		&imgFilter,
		&site.PaginationType,
		&pageParam,
		&site.IsActive,
		&site.CreatedAt,
		&site.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(selectors) > 0 {
		if err := jsonUnmarshal(selectors, &site.Selectors); err != nil {
			return nil, fmt.Errorf("unmarshal selectors: %w", err)
		}
	}
	site.LinkPattern = strVal(linkPat)
	site.ImageFilter = strVal(imgFilter)
	site.PaginationParam = strVal(pageParam)
	return &site, nil
}
