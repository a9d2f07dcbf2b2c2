package store

import (
	"context"
	"database/sql"
	"fmt"

	"morada/internal/model"
)

// ActiveFieldMappings returns the enabled field and feature mappings,
// highest priority first so later cache entries win ties.
func (s *Store) ActiveFieldMappings(ctx context.Context) ([]model.FieldMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_name, target_field, mapping_type, language, site_key, priority, is_active
		FROM field_mappings
		WHERE is_active
		ORDER BY priority ASC, source_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query field mappings: %w", err)
	}
	defer rows.Close()

	var out []model.FieldMapping
	for rows.Next() {
		var (
			m       model.FieldMapping
			siteKey sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SourceName, &m.TargetField, &m.MappingType, &m.Language, &siteKey, &m.Priority, &m.IsActive); err != nil {
			return nil, err
		}
		m.SiteKey = strVal(siteKey)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ActiveCharacterMappings returns the enabled character replacements.
func (s *Store) ActiveCharacterMappings(ctx context.Context) ([]model.CharacterMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_chars, target_chars, category, is_active
		FROM character_mappings
		WHERE is_active
		ORDER BY length(source_chars) DESC, source_chars ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query character mappings: %w", err)
	}
	defer rows.Close()

	var out []model.CharacterMapping
	for rows.Next() {
		var m model.CharacterMapping
		if err := rows.Scan(&m.ID, &m.SourceChars, &m.TargetChars, &m.Category, &m.IsActive); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
