package ingestion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"
)

// progressSink turns pool progress into throttled job updates. Rows rejected
// before the pool ran are counted as failed up front; the sequential pass adds
// on top of the parallel pass.
type progressSink struct {
	ctx      context.Context
	service  *Service
	jobID    uuid.UUID
	total    int
	rejected int

	parallel  domain.JobProgress
	lastWrite time.Time
}

func newProgressSink(ctx context.Context, service *Service, jobID uuid.UUID, total, rejected int) *progressSink {
	return &progressSink{ctx: ctx, service: service, jobID: jobID, total: total, rejected: rejected}
}

func (p *progressSink) fromPool(progress domain.JobProgress) {
	p.parallel = progress
	p.publish(progress)
}

func (p *progressSink) fromSequential(progress domain.JobProgress) {
	p.publish(domain.JobProgress{
		ProcessedRows:  p.parallel.ProcessedRows + progress.ProcessedRows,
		SuccessfulRows: p.parallel.SuccessfulRows + progress.SuccessfulRows,
		FailedRows:     p.parallel.FailedRows + progress.FailedRows,
	})
}

func (p *progressSink) publish(progress domain.JobProgress) {
	progress.TotalRows = p.total
	progress.ProcessedRows += p.rejected
	progress.FailedRows += p.rejected

	now := p.service.now()
	if progress.ProcessedRows < p.total && now.Sub(p.lastWrite) < p.service.progressInterval {
		return
	}
	p.lastWrite = now

	err := p.service.jobs.UpdateProgress(context.WithoutCancel(p.ctx), p.jobID, progress)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrJobStatusConflict):
		// Cancelled from another process.
		if cancel, ok := p.service.runs.Load(p.jobID); ok {
			cancel.(context.CancelCauseFunc)(errJobCancelled)
		}
	default:
		logrus.WithError(err).WithField("job_id", p.jobID).Warn("update import progress")
	}
}
