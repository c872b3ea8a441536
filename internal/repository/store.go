package repository

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpattn/assetimport/internal/db"
	"github.com/rpattn/assetimport/internal/domain"
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresStore struct {
	conn            *db.Connection
	jobs            *importJobRepository
	classifications *classificationRepository
}

// NewPostgresStore wires the Store backed by a pgx pool.
func NewPostgresStore(conn *db.Connection) Store {
	return &postgresStore{
		conn:            conn,
		jobs:            &importJobRepository{pool: conn.Pool},
		classifications: &classificationRepository{pool: conn.Pool},
	}
}

func (s *postgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (s *postgresStore) Jobs() JobRepository {
	return s.jobs
}

func (s *postgresStore) Classifications() ClassificationRepository {
	return s.classifications
}

type pgTx struct {
	tx pgx.Tx
}

// savepoint runs fn inside a nested transaction so a failed statement (for
// example a unique violation) does not abort the surrounding row transaction.
func (t *pgTx) savepoint(ctx context.Context, fn func(pgx.Tx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin savepoint")
	}
	if err := fn(sp); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return errors.Wrap(err, "release savepoint")
	}
	return nil
}

func (t *pgTx) FindProperty(ctx context.Context, tenantID uuid.UUID, name string) (domain.Property, error) {
	var p domain.Property
	err := t.tx.QueryRow(ctx,
		`SELECT id, tenant_id, name, active, created_at, updated_at
		 FROM properties
		 WHERE tenant_id = $1 AND name = $2`,
		tenantID, name,
	).Scan(&p.ID, &p.TenantID, &p.Name, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Property{}, mapPgError(err, "find property")
	}
	return p, nil
}

func (t *pgTx) CreateProperty(ctx context.Context, property domain.Property) (domain.Property, error) {
	if property.ID == uuid.Nil {
		property.ID = uuid.New()
	}
	err := t.savepoint(ctx, func(sp pgx.Tx) error {
		return sp.QueryRow(ctx,
			`INSERT INTO properties (id, tenant_id, name, active)
			 VALUES ($1, $2, $3, TRUE)
			 RETURNING active, created_at, updated_at`,
			property.ID, property.TenantID, property.Name,
		).Scan(&property.Active, &property.CreatedAt, &property.UpdatedAt)
	})
	if err != nil {
		return domain.Property{}, mapPgError(err, "create property")
	}
	return property, nil
}

func (t *pgTx) SetPropertyActive(ctx context.Context, id uuid.UUID, active bool) error {
	return execOne(ctx, t.tx, "set property active",
		`UPDATE properties SET active = $2, updated_at = now() WHERE id = $1`, id, active)
}

func (t *pgTx) CountActiveBuildings(ctx context.Context, propertyID uuid.UUID) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx,
		`SELECT count(*) FROM buildings WHERE property_id = $1 AND active`, propertyID,
	).Scan(&count)
	return count, mapPgError(err, "count active buildings")
}

func (t *pgTx) FindBuilding(ctx context.Context, propertyID uuid.UUID, name string) (domain.Building, error) {
	var b domain.Building
	err := t.tx.QueryRow(ctx,
		`SELECT id, tenant_id, property_id, name, active, created_at, updated_at
		 FROM buildings
		 WHERE property_id = $1 AND name = $2`,
		propertyID, name,
	).Scan(&b.ID, &b.TenantID, &b.PropertyID, &b.Name, &b.Active, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return domain.Building{}, mapPgError(err, "find building")
	}
	return b, nil
}

func (t *pgTx) CreateBuilding(ctx context.Context, building domain.Building) (domain.Building, error) {
	if building.ID == uuid.Nil {
		building.ID = uuid.New()
	}
	err := t.savepoint(ctx, func(sp pgx.Tx) error {
		return sp.QueryRow(ctx,
			`INSERT INTO buildings (id, tenant_id, property_id, name, active)
			 VALUES ($1, $2, $3, $4, TRUE)
			 RETURNING active, created_at, updated_at`,
			building.ID, building.TenantID, building.PropertyID, building.Name,
		).Scan(&building.Active, &building.CreatedAt, &building.UpdatedAt)
	})
	if err != nil {
		return domain.Building{}, mapPgError(err, "create building")
	}
	return building, nil
}

func (t *pgTx) SetBuildingActive(ctx context.Context, id uuid.UUID, active bool) error {
	return execOne(ctx, t.tx, "set building active",
		`UPDATE buildings SET active = $2, updated_at = now() WHERE id = $1`, id, active)
}

func (t *pgTx) CountActiveAssets(ctx context.Context, buildingID uuid.UUID) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx,
		`SELECT count(*) FROM assets WHERE building_id = $1 AND active`, buildingID,
	).Scan(&count)
	return count, mapPgError(err, "count active assets")
}

const assetColumns = `id, tenant_id, building_id, name, classification_code, scan_code, business_key,
	status, condition, description, attributes, metadata, active, last_job_id, created_at, updated_at`

func scanAsset(row pgx.Row) (domain.Asset, error) {
	var (
		a          domain.Asset
		attributes []byte
		metadata   []byte
	)
	if err := row.Scan(
		&a.ID, &a.TenantID, &a.BuildingID, &a.Name, &a.ClassificationCode, &a.ScanCode, &a.BusinessKey,
		&a.Status, &a.Condition, &a.Description, &attributes, &metadata, &a.Active, &a.LastJobID,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return domain.Asset{}, err
	}
	a.Attributes = map[string]any{}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &a.Attributes); err != nil {
			return domain.Asset{}, errors.Wrap(err, "decode asset attributes")
		}
	}
	a.Metadata = map[string]string{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return domain.Asset{}, errors.Wrap(err, "decode asset metadata")
		}
	}
	return a, nil
}

func (t *pgTx) FindActiveAssetByBusinessKey(ctx context.Context, tenantID uuid.UUID, businessKey string) (domain.Asset, error) {
	asset, err := scanAsset(t.tx.QueryRow(ctx,
		`SELECT `+assetColumns+`
		 FROM assets
		 WHERE tenant_id = $1 AND business_key = $2 AND active
		 FOR UPDATE`,
		tenantID, businessKey,
	))
	if err != nil {
		return domain.Asset{}, mapPgError(err, "find asset by business key")
	}
	return asset, nil
}

func (t *pgTx) GetAssetsForUpdate(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]domain.Asset, error) {
	if len(ids) == 0 {
		return []domain.Asset{}, nil
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+assetColumns+`
		 FROM assets
		 WHERE tenant_id = $1 AND id = ANY($2)
		 ORDER BY id
		 FOR UPDATE`,
		tenantID, ids,
	)
	if err != nil {
		return nil, mapPgError(err, "lock assets")
	}
	defer rows.Close()

	assets := make([]domain.Asset, 0, len(ids))
	for rows.Next() {
		asset, scanErr := scanAsset(rows)
		if scanErr != nil {
			return nil, errors.Wrap(scanErr, "scan asset")
		}
		assets = append(assets, asset)
	}
	return assets, mapPgError(rows.Err(), "iterate assets")
}

func (t *pgTx) CreateAsset(ctx context.Context, asset domain.Asset) (domain.Asset, error) {
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	attributes, metadata, err := encodeAssetBags(asset)
	if err != nil {
		return domain.Asset{}, err
	}
	err = t.savepoint(ctx, func(sp pgx.Tx) error {
		created, scanErr := scanAsset(sp.QueryRow(ctx,
			`INSERT INTO assets (id, tenant_id, building_id, name, classification_code, scan_code, business_key,
			                     status, condition, description, attributes, metadata, active, last_job_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE, $13)
			 RETURNING `+assetColumns,
			asset.ID, asset.TenantID, asset.BuildingID, asset.Name, asset.ClassificationCode, asset.ScanCode,
			asset.BusinessKey, asset.Status, asset.Condition, asset.Description, attributes, metadata, asset.LastJobID,
		))
		if scanErr != nil {
			return scanErr
		}
		asset = created
		return nil
	})
	if err != nil {
		return domain.Asset{}, mapPgError(err, "create asset")
	}
	return asset, nil
}

func (t *pgTx) UpdateAsset(ctx context.Context, asset domain.Asset) (domain.Asset, error) {
	attributes, metadata, err := encodeAssetBags(asset)
	if err != nil {
		return domain.Asset{}, err
	}
	var updated domain.Asset
	err = t.savepoint(ctx, func(sp pgx.Tx) error {
		var scanErr error
		updated, scanErr = scanAsset(sp.QueryRow(ctx,
			`UPDATE assets
			 SET building_id = $2, name = $3, classification_code = $4, status = $5, condition = $6,
			     description = $7, attributes = $8, metadata = $9, active = $10, last_job_id = $11,
			     updated_at = now()
			 WHERE id = $1
			 RETURNING `+assetColumns,
			asset.ID, asset.BuildingID, asset.Name, asset.ClassificationCode, asset.Status, asset.Condition,
			asset.Description, attributes, metadata, asset.Active, asset.LastJobID,
		))
		return scanErr
	})
	if err != nil {
		return domain.Asset{}, mapPgError(err, "update asset")
	}
	return updated, nil
}

func (t *pgTx) DeactivateAssets(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE assets SET active = FALSE, updated_at = now() WHERE id = ANY($1)`, ids)
	return mapPgError(err, "deactivate assets")
}

func (t *pgTx) LockJob(ctx context.Context, tenantID, jobID uuid.UUID) (domain.ImportJob, error) {
	job, err := scanJob(t.tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM import_jobs WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		jobID, tenantID,
	))
	if err != nil {
		return domain.ImportJob{}, mapPgError(err, "lock import job")
	}
	return job, nil
}

func (t *pgTx) MarkJobRolledBack(ctx context.Context, jobID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE import_jobs SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = ANY($3)`,
		jobID, string(domain.JobStatusRolledBack), sourceStatuses(domain.JobStatusRolledBack),
	)
	if err != nil {
		return mapPgError(err, "mark job rolled back")
	}
	if tag.RowsAffected() == 0 {
		return ErrJobStatusConflict
	}
	return nil
}

func encodeAssetBags(asset domain.Asset) ([]byte, []byte, error) {
	attributes := asset.Attributes
	if attributes == nil {
		attributes = map[string]any{}
	}
	metadata := asset.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	attributesJSON, err := json.Marshal(attributes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode asset attributes")
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode asset metadata")
	}
	return attributesJSON, metadataJSON, nil
}

func execOne(ctx context.Context, q querier, op, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return mapPgError(err, op)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func sourceStatuses(next domain.JobStatus) []string {
	sources := domain.SourceStatuses(next)
	values := make([]string, len(sources))
	for i, status := range sources {
		values[i] = string(status)
	}
	return values
}
