package memory

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"
)

type jobRepository struct {
	store *Store
}

func (r *jobRepository) Create(ctx context.Context, job domain.ImportJob, payload []byte) (domain.ImportJob, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return domain.ImportJob{}, repository.ErrConflict
	}
	now := s.now()
	job.Status = domain.JobStatusPending
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Errors == nil {
		job.Errors = []domain.RowError{}
	}
	s.jobs[job.ID] = &jobRecord{job: job.Clone(), payload: append([]byte(nil), payload...)}
	return job.Clone(), nil
}

func (r *jobRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ImportJob, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.jobs[id]
	if !ok {
		return domain.ImportJob{}, repository.ErrNotFound
	}
	return record.job.Clone(), nil
}

func (r *jobRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.ImportJob, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]domain.ImportJob, 0, len(ids))
	for _, id := range ids {
		if record, ok := s.jobs[id]; ok {
			jobs = append(jobs, record.job.Clone())
		}
	}
	return jobs, nil
}

func (r *jobRepository) LoadPayload(ctx context.Context, id uuid.UUID) ([]byte, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return append([]byte(nil), record.payload...), nil
}

func (r *jobRepository) List(ctx context.Context, tenantID *uuid.UUID, statuses []domain.JobStatus, limit, offset int) ([]domain.ImportJob, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	allowed := make(map[domain.JobStatus]bool, len(statuses))
	for _, status := range statuses {
		allowed[status] = true
	}

	s := r.store
	s.mu.RLock()
	var jobs []domain.ImportJob
	for _, record := range s.jobs {
		if tenantID != nil && record.job.TenantID != *tenantID {
			continue
		}
		if len(allowed) > 0 && !allowed[record.job.Status] {
			continue
		}
		jobs = append(jobs, record.job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID.String() < jobs[j].ID.String()
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if offset >= len(jobs) {
		return []domain.ImportJob{}, nil
	}
	end := min(offset+limit, len(jobs))
	return jobs[offset:end], nil
}

// transition applies mutate when the job may move to next.
func (r *jobRepository) transition(id uuid.UUID, next domain.JobStatus, mutate func(job *domain.ImportJob, now time.Time)) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.jobs[id]
	if !ok {
		return repository.ErrJobStatusConflict
	}
	if !record.job.Status.CanTransitionTo(next) {
		return repository.ErrJobStatusConflict
	}
	now := s.now()
	record.job.Status = next
	record.job.UpdatedAt = now
	mutate(&record.job, now)
	return nil
}

func (r *jobRepository) MarkProcessing(ctx context.Context, id uuid.UUID, totalRows int) error {
	return r.transition(id, domain.JobStatusProcessing, func(job *domain.ImportJob, now time.Time) {
		job.TotalRows = max(totalRows, 0)
		job.ProcessedRows = 0
		job.Progress = 0
		job.StartedAt = &now
	})
}

func (r *jobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress domain.JobProgress) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.jobs[id]
	if !ok || record.job.Status != domain.JobStatusProcessing {
		return repository.ErrJobStatusConflict
	}
	job := &record.job
	job.ProcessedRows = min(progress.ProcessedRows, job.TotalRows)
	job.SuccessfulRows = progress.SuccessfulRows
	job.FailedRows = progress.FailedRows
	job.Progress = progress.Percent()
	job.UpdatedAt = s.now()
	return nil
}

func (r *jobRepository) Complete(ctx context.Context, id uuid.UUID, result domain.JobResult) error {
	if result.Status != domain.JobStatusCompleted && result.Status != domain.JobStatusFailed {
		return errors.Errorf("complete import job: unexpected status %s", result.Status)
	}
	return r.transition(id, result.Status, func(job *domain.ImportJob, now time.Time) {
		job.TotalRows = result.TotalRows
		job.ProcessedRows = result.ProcessedRows()
		job.SuccessfulRows = result.SuccessfulRows
		job.FailedRows = result.FailedRows
		job.UpdatedRows = result.UpdatedRows
		job.Progress = 100
		job.Errors = append([]domain.RowError{}, result.Errors...)
		job.Manifest = nil
		if result.Manifest != nil {
			job.Manifest = cloneManifest(result.Manifest)
		}
		job.ErrorMessage = nil
		if result.ErrorMessage != "" {
			message := result.ErrorMessage
			job.ErrorMessage = &message
		}
		job.CompletedAt = &now
	})
}

func (r *jobRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string, rowErrors []domain.RowError) error {
	return r.transition(id, domain.JobStatusFailed, func(job *domain.ImportJob, now time.Time) {
		job.ErrorMessage = &message
		job.Errors = append([]domain.RowError{}, rowErrors...)
		job.CompletedAt = &now
	})
}

func (r *jobRepository) MarkCancelled(ctx context.Context, id uuid.UUID, reason string) error {
	return r.transition(id, domain.JobStatusCancelled, func(job *domain.ImportJob, now time.Time) {
		job.ErrorMessage = &reason
		job.CompletedAt = &now
	})
}

func (r *jobRepository) AttachManifest(ctx context.Context, id uuid.UUID, manifest *domain.RollbackManifest) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.jobs[id]
	if !ok || record.job.Status != domain.JobStatusCancelled {
		return repository.ErrNotFound
	}
	record.job.Manifest = cloneManifest(manifest)
	record.job.UpdatedAt = s.now()
	return nil
}

func cloneManifest(manifest *domain.RollbackManifest) *domain.RollbackManifest {
	if manifest == nil {
		return nil
	}
	return domain.ImportJob{Manifest: manifest}.Clone().Manifest
}
