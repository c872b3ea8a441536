package jobloader

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"
)

// JobLoader batches job lookups made while serving one request.
type JobLoader struct {
	Loader *dataloader.Loader
}

func NewJobLoader(repo repository.JobRepository) *JobLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))
		ids := make([]uuid.UUID, 0, len(keys))
		for i, k := range keys {
			id, err := uuid.Parse(k.String())
			if err != nil {
				results[i] = &dataloader.Result{Error: errors.Wrapf(err, "invalid job id %q", k.String())}
				continue
			}
			ids = append(ids, id)
		}

		jobs, err := repo.GetByIDs(ctx, ids)
		if err != nil {
			for i := range results {
				if results[i] == nil {
					results[i] = &dataloader.Result{Error: err}
				}
			}
			return results
		}

		byID := make(map[uuid.UUID]domain.ImportJob, len(jobs))
		for _, job := range jobs {
			byID[job.ID] = job
		}
		for i, k := range keys {
			if results[i] != nil {
				continue
			}
			id := uuid.MustParse(k.String())
			if job, ok := byID[id]; ok {
				results[i] = &dataloader.Result{Data: job}
			} else {
				results[i] = &dataloader.Result{Error: repository.ErrNotFound}
			}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(2*time.Millisecond))
	return &JobLoader{Loader: loader}
}

// LoadMany resolves ids in one batch. Jobs that do not exist are left out.
func (l *JobLoader) LoadMany(ctx context.Context, ids []uuid.UUID) ([]domain.ImportJob, error) {
	keys := make(dataloader.Keys, len(ids))
	for i, id := range ids {
		keys[i] = dataloader.StringKey(id.String())
	}
	values, errs := l.Loader.LoadMany(ctx, keys)()
	jobs := make([]domain.ImportJob, 0, len(values))
	for i, value := range values {
		if i < len(errs) && errs[i] != nil {
			if errors.Is(errs[i], repository.ErrNotFound) {
				continue
			}
			return nil, errs[i]
		}
		if job, ok := value.(domain.ImportJob); ok {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}
