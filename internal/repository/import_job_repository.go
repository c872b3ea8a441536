package repository

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/assetimport/internal/domain"
)

type importJobRepository struct {
	pool *pgxpool.Pool
}

const jobColumns = `id, tenant_id, user_id, file_name, mapping, options, status, total_rows, processed_rows,
	successful_rows, failed_rows, updated_rows, progress, errors, rollback_manifest, error_message,
	created_at, started_at, completed_at, updated_at`

func scanJob(row pgx.Row) (domain.ImportJob, error) {
	var (
		job       domain.ImportJob
		status    string
		mapping   []byte
		options   []byte
		rowErrors []byte
		manifest  []byte
	)
	if err := row.Scan(
		&job.ID, &job.TenantID, &job.UserID, &job.FileName, &mapping, &options, &status, &job.TotalRows,
		&job.ProcessedRows, &job.SuccessfulRows, &job.FailedRows, &job.UpdatedRows, &job.Progress,
		&rowErrors, &manifest, &job.ErrorMessage, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.ImportJob{}, err
	}
	job.Status = domain.JobStatus(status)

	job.Mapping = domain.ColumnMapping{}
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &job.Mapping); err != nil {
			return domain.ImportJob{}, errors.Wrap(err, "decode job mapping")
		}
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &job.Options); err != nil {
			return domain.ImportJob{}, errors.Wrap(err, "decode job options")
		}
	}
	decoded, err := domain.ErrorsFromJSON(rowErrors)
	if err != nil {
		return domain.ImportJob{}, errors.Wrap(err, "decode job errors")
	}
	job.Errors = decoded
	if job.Manifest, err = domain.RollbackManifestFromJSON(manifest); err != nil {
		return domain.ImportJob{}, errors.Wrap(err, "decode rollback manifest")
	}
	return job, nil
}

func (r *importJobRepository) Create(ctx context.Context, job domain.ImportJob, payload []byte) (domain.ImportJob, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	mapping, err := json.Marshal(job.Mapping)
	if err != nil {
		return domain.ImportJob{}, errors.Wrap(err, "marshal job mapping")
	}
	options, err := json.Marshal(job.Options)
	if err != nil {
		return domain.ImportJob{}, errors.Wrap(err, "marshal job options")
	}

	created, err := scanJob(r.pool.QueryRow(ctx,
		`INSERT INTO import_jobs (id, tenant_id, user_id, file_name, mapping, options, status, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+jobColumns,
		job.ID, job.TenantID, job.UserID, job.FileName, mapping, options, string(domain.JobStatusPending), payload,
	))
	if err != nil {
		return domain.ImportJob{}, mapPgError(err, "insert import job")
	}
	return created, nil
}

func (r *importJobRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ImportJob, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = $1`, id))
	if err != nil {
		return domain.ImportJob{}, mapPgError(err, "get import job")
	}
	return job, nil
}

func (r *importJobRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.ImportJob, error) {
	if len(ids) == 0 {
		return []domain.ImportJob{}, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, mapPgError(err, "get import jobs")
	}
	return collectJobs(rows)
}

func (r *importJobRepository) LoadPayload(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var payload []byte
	if err := r.pool.QueryRow(ctx, `SELECT payload FROM import_jobs WHERE id = $1`, id).Scan(&payload); err != nil {
		return nil, mapPgError(err, "load import payload")
	}
	return payload, nil
}

func (r *importJobRepository) List(ctx context.Context, tenantID *uuid.UUID, statuses []domain.JobStatus, limit, offset int) ([]domain.ImportJob, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	statusValues := make([]string, len(statuses))
	for i, status := range statuses {
		statusValues[i] = string(status)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM import_jobs
		 WHERE ($1::uuid IS NULL OR tenant_id = $1)
		   AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		tenantID, statusValues, limit, offset,
	)
	if err != nil {
		return nil, mapPgError(err, "list import jobs")
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]domain.ImportJob, error) {
	defer rows.Close()
	jobs := []domain.ImportJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan import job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "iterate import jobs")
	}
	return jobs, nil
}

// transition runs a guarded status update and reports ErrJobStatusConflict when no row matched.
func (r *importJobRepository) transition(ctx context.Context, op string, next domain.JobStatus, sql string, args ...any) error {
	args = append(args, sourceStatuses(next))
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return mapPgError(err, op)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobStatusConflict
	}
	return nil
}

func (r *importJobRepository) MarkProcessing(ctx context.Context, id uuid.UUID, totalRows int) error {
	return r.transition(ctx, "mark import job processing", domain.JobStatusProcessing,
		`UPDATE import_jobs
		 SET status = $2, total_rows = $3, processed_rows = 0, progress = 0,
		     started_at = now(), updated_at = now()
		 WHERE id = $1 AND status = ANY($4)`,
		id, string(domain.JobStatusProcessing), max(totalRows, 0),
	)
}

func (r *importJobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress domain.JobProgress) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE import_jobs
		 SET processed_rows = LEAST($2, total_rows), successful_rows = $3, failed_rows = $4,
		     progress = $5, updated_at = now()
		 WHERE id = $1 AND status = $6`,
		id, progress.ProcessedRows, progress.SuccessfulRows, progress.FailedRows, progress.Percent(),
		string(domain.JobStatusProcessing),
	)
	if err != nil {
		return mapPgError(err, "update import progress")
	}
	if tag.RowsAffected() == 0 {
		return ErrJobStatusConflict
	}
	return nil
}

func (r *importJobRepository) Complete(ctx context.Context, id uuid.UUID, result domain.JobResult) error {
	if result.Status != domain.JobStatusCompleted && result.Status != domain.JobStatusFailed {
		return errors.Errorf("complete import job: unexpected status %s", result.Status)
	}
	rowErrors, err := domain.ErrorsToJSON(result.Errors)
	if err != nil {
		return errors.Wrap(err, "marshal job errors")
	}
	manifest, err := result.Manifest.ToJSON()
	if err != nil {
		return errors.Wrap(err, "marshal rollback manifest")
	}
	return r.transition(ctx, "complete import job", result.Status,
		`UPDATE import_jobs
		 SET status = $2, total_rows = $3, processed_rows = $4, successful_rows = $5, failed_rows = $6,
		     updated_rows = $7, progress = 100, errors = $8, rollback_manifest = $9,
		     error_message = $10, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = ANY($11)`,
		id, string(result.Status), result.TotalRows, result.ProcessedRows(), result.SuccessfulRows,
		result.FailedRows, result.UpdatedRows, rowErrors, manifest, nullableText(result.ErrorMessage),
	)
}

func (r *importJobRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string, rowErrors []domain.RowError) error {
	encoded, err := domain.ErrorsToJSON(rowErrors)
	if err != nil {
		return errors.Wrap(err, "marshal job errors")
	}
	return r.transition(ctx, "mark import job failed", domain.JobStatusFailed,
		`UPDATE import_jobs
		 SET status = $2, error_message = $3, errors = $4, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = ANY($5)`,
		id, string(domain.JobStatusFailed), nullableText(message), encoded,
	)
}

func (r *importJobRepository) MarkCancelled(ctx context.Context, id uuid.UUID, reason string) error {
	return r.transition(ctx, "mark import job cancelled", domain.JobStatusCancelled,
		`UPDATE import_jobs
		 SET status = $2, error_message = $3, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = ANY($4)`,
		id, string(domain.JobStatusCancelled), nullableText(reason),
	)
}

func (r *importJobRepository) AttachManifest(ctx context.Context, id uuid.UUID, manifest *domain.RollbackManifest) error {
	encoded, err := manifest.ToJSON()
	if err != nil {
		return errors.Wrap(err, "marshal rollback manifest")
	}
	return execOne(ctx, r.pool, "attach rollback manifest",
		`UPDATE import_jobs SET rollback_manifest = $2, updated_at = now()
		 WHERE id = $1 AND status = $3`,
		id, encoded, string(domain.JobStatusCancelled),
	)
}

func nullableText(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
