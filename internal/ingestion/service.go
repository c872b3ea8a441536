// Package ingestion runs spreadsheet asset imports: submission, queued
// processing across worker units, cancellation, error reports and rollback.
package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/logging"
	"github.com/rpattn/assetimport/internal/queue"
	"github.com/rpattn/assetimport/internal/repository"
	"github.com/rpattn/assetimport/internal/spreadsheet"
)

var (
	// ErrJobNotCancellable is returned when cancelling a job that already left pending/processing.
	ErrJobNotCancellable = errors.New("import job cannot be cancelled")
	// ErrNoErrorReport is returned when a job has no row errors to report.
	ErrNoErrorReport = errors.New("import job has no row errors")
	// ErrUploadTooLarge is returned when the payload exceeds the upload limit.
	ErrUploadTooLarge = errors.New("upload exceeds size limit")

	errJobNotRunnable = errors.New("import job is no longer runnable")
	errJobCancelled   = errors.New("import job cancelled")
)

const (
	DefaultMaxUploadBytes       = 20 << 20
	DefaultProgressInterval     = time.Second
	DefaultSubmitMaxAttempts    = 5
	DefaultSubmitInitialBackoff = 200 * time.Millisecond
	DefaultJobTimeout           = 2 * time.Hour
)

// Service owns the import job lifecycle.
type Service struct {
	store    repository.Store
	jobs     repository.JobRepository
	queue    queue.Queue
	parser   *spreadsheet.Parser
	fields   FieldValidator
	ids      IdentifierGenerator
	validate *validator.Validate

	maxUploadBytes       int64
	concurrency          int
	progressEvery        int
	progressInterval     time.Duration
	submitMaxAttempts    int
	submitInitialBackoff time.Duration
	jobTimeout           time.Duration
	now                  func() time.Time

	runs sync.Map // map[uuid.UUID]context.CancelCauseFunc
}

type Option func(*Service)

func WithMaxUploadBytes(limit int64) Option {
	return func(s *Service) {
		if limit > 0 {
			s.maxUploadBytes = limit
		}
	}
}

func WithConcurrency(units int) Option {
	return func(s *Service) {
		if units > 0 {
			s.concurrency = units
		}
	}
}

func WithProgressEvery(rows int) Option {
	return func(s *Service) {
		if rows > 0 {
			s.progressEvery = rows
		}
	}
}

func WithProgressInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval >= 0 {
			s.progressInterval = interval
		}
	}
}

// WithSubmitRetry sets how often transient submission failures are retried.
func WithSubmitRetry(maxAttempts int, initialBackoff time.Duration) Option {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.submitMaxAttempts = maxAttempts
		}
		if initialBackoff >= 0 {
			s.submitInitialBackoff = initialBackoff
		}
	}
}

func WithJobTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.jobTimeout = timeout
		}
	}
}

func WithIdentifierGenerator(ids IdentifierGenerator) Option {
	return func(s *Service) {
		if ids != nil {
			s.ids = ids
		}
	}
}

// NewService wires the pipeline. fields is normally a *classification.Registry.
func NewService(store repository.Store, q queue.Queue, parser *spreadsheet.Parser, fields FieldValidator, opts ...Option) *Service {
	service := &Service{
		store:                store,
		jobs:                 store.Jobs(),
		queue:                q,
		parser:               parser,
		fields:               fields,
		ids:                  NewIdentifierGenerator(),
		validate:             validator.New(),
		maxUploadBytes:       DefaultMaxUploadBytes,
		concurrency:          DefaultConcurrency(),
		progressEvery:        DefaultProgressEvery,
		progressInterval:     DefaultProgressInterval,
		submitMaxAttempts:    DefaultSubmitMaxAttempts,
		submitInitialBackoff: DefaultSubmitInitialBackoff,
		jobTimeout:           DefaultJobTimeout,
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	if service.parser == nil {
		service.parser = spreadsheet.NewParser(spreadsheet.DefaultConfig())
	}
	return service
}

// SubmitRequest is everything needed to queue an import.
type SubmitRequest struct {
	TenantID uuid.UUID            `validate:"required"`
	UserID   uuid.UUID            `validate:"required"`
	FileName string               `validate:"required,max=255"`
	Mapping  domain.ColumnMapping `validate:"required,min=1"`
	Options  domain.ImportOptions
	Data     []byte
}

// Submit persists a pending job together with its payload and enqueues it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (domain.ImportJob, error) {
	if err := s.validate.Struct(req); err != nil {
		return domain.ImportJob{}, errors.Wrap(err, "invalid submit request")
	}
	if int64(len(req.Data)) > s.maxUploadBytes {
		return domain.ImportJob{}, errors.Wrapf(ErrUploadTooLarge, "%d bytes, limit is %d", len(req.Data), s.maxUploadBytes)
	}

	job := domain.NewImportJob(req.TenantID, req.UserID, req.FileName, req.Mapping, req.Options)
	var created domain.ImportJob
	err := retryTransient(ctx, "create job", s.submitMaxAttempts, s.submitInitialBackoff, func() error {
		var err error
		created, err = s.jobs.Create(ctx, job, req.Data)
		return err
	})
	if err != nil {
		return domain.ImportJob{}, errors.Wrap(err, "create import job")
	}

	err = retryTransient(ctx, "enqueue job", s.submitMaxAttempts, s.submitInitialBackoff, func() error {
		return s.queue.Enqueue(ctx, created.ID)
	})
	if err != nil {
		s.failJob(ctx, created.ID, errors.Wrap(err, "enqueue import job"))
		return domain.ImportJob{}, errors.Wrap(err, "enqueue import job")
	}

	logging.FromContext(ctx).WithFields(logrus.Fields{
		"job_id":    created.ID,
		"tenant_id": created.TenantID,
		"file":      created.FileName,
		"bytes":     len(req.Data),
	}).Info("import job submitted")
	return created, nil
}

// Validate runs the structural checks of an upload without creating a job.
func (s *Service) Validate(data []byte, mapping domain.ColumnMapping) (spreadsheet.StructureReport, error) {
	return s.parser.ValidateStructure(data, mapping)
}

// Get returns a job of the tenant.
func (s *Service) Get(ctx context.Context, tenantID, jobID uuid.UUID) (domain.ImportJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return domain.ImportJob{}, err
	}
	if job.TenantID != tenantID {
		return domain.ImportJob{}, repository.ErrNotFound
	}
	return job, nil
}

// List returns the tenant's jobs, newest first.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, statuses []domain.JobStatus, limit, offset int) ([]domain.ImportJob, error) {
	return s.jobs.List(ctx, &tenantID, statuses, limit, offset)
}

// ErrorReport renders the job's row errors as a workbook.
func (s *Service) ErrorReport(ctx context.Context, tenantID, jobID uuid.UUID) ([]byte, error) {
	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if !job.HasRowErrors() {
		return nil, ErrNoErrorReport
	}
	return spreadsheet.GenerateErrorReport(job.Errors)
}

// Cancel stops a pending or processing job. Rows that already committed stay
// committed; their manifest is attached to the cancelled job.
func (s *Service) Cancel(ctx context.Context, tenantID, jobID uuid.UUID) (domain.ImportJob, error) {
	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return domain.ImportJob{}, err
	}
	if job.Status.IsTerminal() {
		return job, errors.Wrapf(ErrJobNotCancellable, "status %s", job.Status)
	}
	if _, err := s.queue.Remove(ctx, jobID); err != nil {
		logrus.WithError(err).WithField("job_id", jobID).Warn("remove cancelled job from queue")
	}
	if err := s.jobs.MarkCancelled(ctx, jobID, "Cancelled by user"); err != nil {
		if errors.Is(err, repository.ErrJobStatusConflict) {
			current, getErr := s.jobs.GetByID(ctx, jobID)
			if getErr != nil {
				return domain.ImportJob{}, getErr
			}
			return current, errors.Wrapf(ErrJobNotCancellable, "status %s", current.Status)
		}
		return domain.ImportJob{}, err
	}
	if cancel, ok := s.runs.Load(jobID); ok {
		cancel.(context.CancelCauseFunc)(errJobCancelled)
	}
	recordJob(domain.JobStatusCancelled, time.Time{})
	logging.FromContext(ctx).WithField("job_id", jobID).Info("import job cancelled")
	return s.jobs.GetByID(ctx, jobID)
}

// Run dequeues and processes jobs until ctx ends or the queue is closed.
func (s *Service) Run(ctx context.Context) error {
	for {
		jobID, err := s.queue.Dequeue(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			logrus.WithError(err).Error("dequeue import job")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if err := s.Process(ctx, jobID); err != nil {
			logrus.WithError(err).WithField("job_id", jobID).Error("process import job")
		}
	}
}

// Recover requeues pending jobs and fails jobs whose worker stopped mid-run.
// A processing job counts as abandoned once it has not been updated for the job timeout.
// All unfinished jobs are listed before any of them changes status, so paging stays stable.
func (s *Service) Recover(ctx context.Context) error {
	const page = 100
	var unfinished []domain.ImportJob
	for offset := 0; ; offset += page {
		jobs, err := s.jobs.List(ctx, nil, []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing}, page, offset)
		if err != nil {
			return errors.Wrap(err, "list unfinished jobs")
		}
		unfinished = append(unfinished, jobs...)
		if len(jobs) < page {
			break
		}
	}

	for _, job := range unfinished {
		switch job.Status {
		case domain.JobStatusPending:
			if err := s.queue.Enqueue(ctx, job.ID); err != nil {
				return errors.Wrapf(err, "requeue job %s", job.ID)
			}
		case domain.JobStatusProcessing:
			if s.now().Sub(job.UpdatedAt) > s.jobTimeout {
				s.failJob(ctx, job.ID, errors.New("worker stopped while processing"))
			}
		}
	}
	return nil
}

// Process runs one job to its final status. Jobs that are no longer pending are skipped.
func (s *Service) Process(ctx context.Context, jobID uuid.UUID) (err error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return errors.Wrap(err, "load import job")
	}
	log := logrus.WithFields(logrus.Fields{"job_id": job.ID, "tenant_id": job.TenantID})
	if job.Status != domain.JobStatusPending {
		log.WithField("status", job.Status).Info("import job not runnable, skipping")
		return nil
	}

	baseCtx, cancel := context.WithCancelCause(ctx)
	runCtx, timeoutCancel := context.WithTimeout(baseCtx, s.jobTimeout)
	s.runs.Store(job.ID, cancel)
	defer func() {
		timeoutCancel()
		cancel(nil)
		s.runs.Delete(job.ID)
	}()
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("panic while processing import job")
			s.failJob(context.Background(), job.ID, errors.Errorf("panic: %v", rec))
			err = nil
		}
	}()

	started := s.now()
	status, runErr := s.run(runCtx, job)
	switch {
	case runErr == nil:
		recordJob(status, started)
		log.WithField("status", status).Info("import job finished")
	case errors.Is(runErr, errJobNotRunnable):
		log.Info("import job not runnable, skipping")
	default:
		s.failJob(ctx, job.ID, runErr)
		recordJob(domain.JobStatusFailed, started)
	}
	return nil
}

func (s *Service) run(ctx context.Context, job domain.ImportJob) (domain.JobStatus, error) {
	payload, err := s.jobs.LoadPayload(ctx, job.ID)
	if err != nil {
		return "", errors.Wrap(err, "load payload")
	}

	report, err := s.parser.ValidateStructure(payload, job.Mapping)
	if err != nil || !report.IsValid {
		message := report.Message()
		switch {
		case errors.Is(err, spreadsheet.ErrUnreadableWorkbook):
			message = fmt.Sprintf("File %s could not be read as xlsx or csv: %v", job.FileName, err)
		case err != nil:
			message = err.Error()
		}
		return s.failStructure(ctx, job.ID, message)
	}
	for _, warning := range report.Warnings {
		logrus.WithField("job_id", job.ID).Debug(warning)
	}

	if err := s.jobs.MarkProcessing(ctx, job.ID, report.TotalRows); err != nil {
		if errors.Is(err, repository.ErrJobStatusConflict) {
			return "", errJobNotRunnable
		}
		return "", errors.Wrap(err, "mark job processing")
	}

	rows, err := s.parser.ParseFile(payload, job.Mapping)
	if err != nil {
		return s.failStructure(ctx, job.ID, err.Error())
	}

	parallel, deferred, rejected := splitDuplicates(rows, job.Options.UpdateExisting)
	sink := newProgressSink(ctx, s, job.ID, len(rows), len(rejected))

	newProcessor := func() RowProcessor {
		return NewProcessor(s.store, s.fields, s.ids, job.Options.UpdateExisting)
	}
	pool := NewPool(PoolConfig{Concurrency: s.concurrency, ProgressEvery: s.progressEvery}, newProcessor)
	result := pool.Run(ctx, parallel, job.TenantID, job.ID, sink.fromPool)

	outcomes := append(rejected, result.Outcomes...)
	if len(deferred) > 0 && ctx.Err() == nil {
		sequential := NewPool(PoolConfig{Concurrency: 1, ProgressEvery: s.progressEvery}, newProcessor)
		tail := sequential.Run(ctx, deferred, job.TenantID, job.ID, sink.fromSequential)
		outcomes = append(outcomes, tail.Outcomes...)
	}
	sortByRow(outcomes)
	recordRows(outcomes)
	return s.finish(ctx, job, len(rows), outcomes)
}

// finish persists the final counts unless the job was cancelled meanwhile, in
// which case only the manifest of committed rows is kept.
func (s *Service) finish(ctx context.Context, job domain.ImportJob, total int, outcomes []domain.RowOutcome) (domain.JobStatus, error) {
	manifest := domain.NewRollbackManifest()
	result := domain.JobResult{TotalRows: total, Errors: []domain.RowError{}, Manifest: manifest}
	for _, outcome := range outcomes {
		manifest.Record(outcome)
		switch outcome.Status {
		case domain.OutcomeCreated:
			result.SuccessfulRows++
		case domain.OutcomeUpdated:
			result.SuccessfulRows++
			result.UpdatedRows++
		default:
			result.FailedRows++
			result.Errors = append(result.Errors, outcome.Errors...)
		}
	}

	persistCtx := context.WithoutCancel(ctx)
	if cause := context.Cause(ctx); errors.Is(cause, errJobCancelled) {
		return domain.JobStatusCancelled, s.attachManifest(persistCtx, job.ID, manifest)
	}

	result.Status = domain.JobStatusCompleted
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.Status = domain.JobStatusFailed
		result.ErrorMessage = fmt.Sprintf("Job timed out after %s; %d of %d rows processed", s.jobTimeout, result.ProcessedRows(), total)
	case ctx.Err() != nil:
		result.Status = domain.JobStatusFailed
		result.ErrorMessage = fmt.Sprintf("Processing interrupted; %d of %d rows processed", result.ProcessedRows(), total)
	case total > 0 && result.SuccessfulRows == 0:
		result.Status = domain.JobStatusFailed
		result.ErrorMessage = "No rows were imported"
	}

	if err := s.jobs.Complete(persistCtx, job.ID, result); err != nil {
		if errors.Is(err, repository.ErrJobStatusConflict) {
			return domain.JobStatusCancelled, s.attachManifest(persistCtx, job.ID, manifest)
		}
		return "", errors.Wrap(err, "complete import job")
	}
	return result.Status, nil
}

func (s *Service) attachManifest(ctx context.Context, jobID uuid.UUID, manifest *domain.RollbackManifest) error {
	if manifest.IsEmpty() {
		return nil
	}
	if err := s.jobs.AttachManifest(ctx, jobID, manifest); err != nil {
		logrus.WithError(err).WithField("job_id", jobID).Warn("attach manifest to cancelled job")
	}
	return nil
}

func (s *Service) failStructure(ctx context.Context, jobID uuid.UUID, message string) (domain.JobStatus, error) {
	rowErrors := []domain.RowError{{Row: 0, Message: message}}
	if err := s.jobs.MarkFailed(context.WithoutCancel(ctx), jobID, message, rowErrors); err != nil {
		if errors.Is(err, repository.ErrJobStatusConflict) {
			return "", errJobNotRunnable
		}
		return "", errors.Wrap(err, "mark job failed")
	}
	return domain.JobStatusFailed, nil
}

func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, err error) {
	if err == nil {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	message := err.Error()
	if markErr := s.jobs.MarkFailed(ctx, jobID, message, nil); markErr != nil {
		logrus.WithError(markErr).WithField("job_id", jobID).Errorf("mark import job failed (original error: %v)", err)
		return
	}
	logrus.WithError(err).WithField("job_id", jobID).Error("import job failed")
}

// splitDuplicates applies "first occurrence wins" to business keys within the
// file. Later occurrences are rejected, or deferred to a sequential pass in update mode.
func splitDuplicates(rows []domain.RowRecord, updateExisting bool) (parallel, deferred []domain.RowRecord, rejected []domain.RowOutcome) {
	firstSeen := make(map[string]int, len(rows))
	for _, row := range rows {
		key := row.Value(domain.FieldBusinessKey)
		if key == "" {
			parallel = append(parallel, row)
			continue
		}
		first, seen := firstSeen[key]
		if !seen {
			firstSeen[key] = row.RowNumber
			parallel = append(parallel, row)
			continue
		}
		if updateExisting {
			deferred = append(deferred, row)
			continue
		}
		rejected = append(rejected, domain.FailedOutcome(row, domain.FieldBusinessKey,
			fmt.Sprintf("Duplicate business key %s (first seen in row %d)", key, first)))
	}
	return parallel, deferred, rejected
}
