package repository

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/assetimport/internal/domain"
)

type classificationRepository struct {
	pool *pgxpool.Pool
}

func (r *classificationRepository) Upsert(ctx context.Context, classification domain.Classification) (domain.Classification, error) {
	if classification.ID == uuid.Nil {
		classification.ID = uuid.New()
	}
	code := strings.TrimSpace(classification.Code)
	if code == "" {
		return domain.Classification{}, errors.New("classification code is required")
	}
	schema, err := json.Marshal(classification.Schema)
	if err != nil {
		return domain.Classification{}, errors.Wrap(err, "marshal classification schema")
	}

	var (
		stored    domain.Classification
		rawSchema []byte
	)
	err = r.pool.QueryRow(ctx,
		`INSERT INTO classification_codes (id, tenant_id, code, parent_code, name, schema)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, code) DO UPDATE
		 SET parent_code = EXCLUDED.parent_code, name = EXCLUDED.name, schema = EXCLUDED.schema,
		     updated_at = now()
		 RETURNING id, tenant_id, code, parent_code, name, schema, created_at, updated_at`,
		classification.ID, classification.TenantID, code, classification.ParentCode, classification.Name, schema,
	).Scan(&stored.ID, &stored.TenantID, &stored.Code, &stored.ParentCode, &stored.Name, &rawSchema,
		&stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return domain.Classification{}, mapPgError(err, "upsert classification")
	}
	if err := json.Unmarshal(rawSchema, &stored.Schema); err != nil {
		return domain.Classification{}, errors.Wrap(err, "decode classification schema")
	}
	return stored, nil
}

func (r *classificationRepository) List(ctx context.Context, tenantID *uuid.UUID) ([]domain.Classification, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, code, parent_code, name, schema, created_at, updated_at
		 FROM classification_codes
		 WHERE ($1::uuid IS NULL OR tenant_id = $1)
		 ORDER BY tenant_id, code`,
		tenantID,
	)
	if err != nil {
		return nil, mapPgError(err, "list classifications")
	}
	defer rows.Close()

	classifications := []domain.Classification{}
	for rows.Next() {
		var (
			c         domain.Classification
			rawSchema []byte
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Code, &c.ParentCode, &c.Name, &rawSchema,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan classification")
		}
		if err := json.Unmarshal(rawSchema, &c.Schema); err != nil {
			return nil, errors.Wrapf(err, "decode schema of classification %s", c.Code)
		}
		classifications = append(classifications, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "iterate classifications")
	}
	return classifications, nil
}
