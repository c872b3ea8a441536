package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/rpattn/assetimport/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write violates a unique constraint.
	ErrConflict = errors.New("unique constraint conflict")
	// ErrJobStatusConflict indicates that a job cannot transition to the requested state.
	ErrJobStatusConflict = errors.New("import job status conflict")
)

// Store is the relational persistence layer used by the import pipeline.
type Store interface {
	// WithTx runs fn in one transaction; a returned error or panic rolls everything back.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Jobs() JobRepository
	Classifications() ClassificationRepository
}

// Tx exposes the writes a single row (or a rollback) performs atomically.
type Tx interface {
	// FindProperty matches by tenant and name, including inactive properties.
	FindProperty(ctx context.Context, tenantID uuid.UUID, name string) (domain.Property, error)
	CreateProperty(ctx context.Context, property domain.Property) (domain.Property, error)
	SetPropertyActive(ctx context.Context, id uuid.UUID, active bool) error
	CountActiveBuildings(ctx context.Context, propertyID uuid.UUID) (int, error)

	// FindBuilding matches by property and name, including inactive buildings.
	FindBuilding(ctx context.Context, propertyID uuid.UUID, name string) (domain.Building, error)
	CreateBuilding(ctx context.Context, building domain.Building) (domain.Building, error)
	SetBuildingActive(ctx context.Context, id uuid.UUID, active bool) error
	CountActiveAssets(ctx context.Context, buildingID uuid.UUID) (int, error)

	FindActiveAssetByBusinessKey(ctx context.Context, tenantID uuid.UUID, businessKey string) (domain.Asset, error)
	// GetAssetsForUpdate locks and returns the tenant's assets with the given ids.
	GetAssetsForUpdate(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]domain.Asset, error)
	CreateAsset(ctx context.Context, asset domain.Asset) (domain.Asset, error)
	UpdateAsset(ctx context.Context, asset domain.Asset) (domain.Asset, error)
	DeactivateAssets(ctx context.Context, ids []uuid.UUID) error

	// LockJob loads the job with a row lock held until the transaction ends.
	LockJob(ctx context.Context, tenantID, jobID uuid.UUID) (domain.ImportJob, error)
	MarkJobRolledBack(ctx context.Context, jobID uuid.UUID) error
}

// JobRepository persists import jobs. Every status write is guarded by
// domain.JobStatus.CanTransitionTo and returns ErrJobStatusConflict otherwise.
type JobRepository interface {
	Create(ctx context.Context, job domain.ImportJob, payload []byte) (domain.ImportJob, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.ImportJob, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.ImportJob, error)
	LoadPayload(ctx context.Context, id uuid.UUID) ([]byte, error)
	List(ctx context.Context, tenantID *uuid.UUID, statuses []domain.JobStatus, limit, offset int) ([]domain.ImportJob, error)

	MarkProcessing(ctx context.Context, id uuid.UUID, totalRows int) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress domain.JobProgress) error
	// Complete persists the final counts; result.Status must be completed or failed.
	Complete(ctx context.Context, id uuid.UUID, result domain.JobResult) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string, rowErrors []domain.RowError) error
	MarkCancelled(ctx context.Context, id uuid.UUID, reason string) error
	// AttachManifest stores the manifest of rows committed after a job was cancelled.
	AttachManifest(ctx context.Context, id uuid.UUID, manifest *domain.RollbackManifest) error
}

// ClassificationRepository stores tenant classification codes.
type ClassificationRepository interface {
	Upsert(ctx context.Context, classification domain.Classification) (domain.Classification, error)
	List(ctx context.Context, tenantID *uuid.UUID) ([]domain.Classification, error)
}
