package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus captures lifecycle state for an import job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusRolledBack JobStatus = "rolled_back"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusCompleted:  {JobStatusRolledBack},
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further processing happens for the status.
// Completed jobs are terminal for processing even though they may still be rolled back.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusRolledBack:
		return true
	}
	return false
}

// SourceStatuses returns every status that may legally transition into next.
func SourceStatuses(next JobStatus) []JobStatus {
	var sources []JobStatus
	for from, targets := range jobTransitions {
		for _, target := range targets {
			if target == next {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// ImportOptions carries caller switches for a job.
type ImportOptions struct {
	UpdateExisting bool `json:"update_existing"`
}

// RowError describes one failed row (or, with Row 0, a job level structural failure).
type RowError struct {
	Row     int               `json:"row"`
	Field   string            `json:"field,omitempty"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

// ImportJob mirrors the persisted state of one spreadsheet import.
type ImportJob struct {
	ID             uuid.UUID         `json:"id"`
	TenantID       uuid.UUID         `json:"tenant_id"`
	UserID         uuid.UUID         `json:"user_id"`
	FileName       string            `json:"file_name"`
	Mapping        ColumnMapping     `json:"mapping"`
	Options        ImportOptions     `json:"options"`
	Status         JobStatus         `json:"status"`
	TotalRows      int               `json:"total_rows"`
	ProcessedRows  int               `json:"processed_rows"`
	SuccessfulRows int               `json:"successful_rows"`
	FailedRows     int               `json:"failed_rows"`
	UpdatedRows    int               `json:"updated_rows"`
	Progress       int               `json:"progress"`
	Errors         []RowError        `json:"errors"`
	Manifest       *RollbackManifest `json:"rollback_manifest,omitempty"`
	ErrorMessage   *string           `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewImportJob creates a pending job with zero counters.
func NewImportJob(tenantID, userID uuid.UUID, fileName string, mapping ColumnMapping, options ImportOptions) ImportJob {
	now := time.Now()
	return ImportJob{
		ID:        uuid.New(),
		TenantID:  tenantID,
		UserID:    userID,
		FileName:  fileName,
		Mapping:   mapping.Clone(),
		Options:   options,
		Status:    JobStatusPending,
		Errors:    []RowError{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy that shares no slices or maps with j.
func (j ImportJob) Clone() ImportJob {
	out := j
	out.Mapping = j.Mapping.Clone()
	out.Errors = append([]RowError{}, j.Errors...)
	if j.Manifest != nil {
		manifest := RollbackManifest{
			CreatedPropertyIDs: append([]uuid.UUID{}, j.Manifest.CreatedPropertyIDs...),
			CreatedBuildingIDs: append([]uuid.UUID{}, j.Manifest.CreatedBuildingIDs...),
			CreatedAssetIDs:    append([]uuid.UUID{}, j.Manifest.CreatedAssetIDs...),
			UpdatedAssets:      append([]AssetSnapshot{}, j.Manifest.UpdatedAssets...),
		}
		out.Manifest = &manifest
	}
	if j.ErrorMessage != nil {
		message := *j.ErrorMessage
		out.ErrorMessage = &message
	}
	return out
}

// HasRowErrors reports whether an error report can be produced for the job.
func (j ImportJob) HasRowErrors() bool {
	return len(j.Errors) > 0
}

// JobProgress is a point-in-time counter snapshot written while a job runs.
type JobProgress struct {
	TotalRows      int
	ProcessedRows  int
	SuccessfulRows int
	FailedRows     int
}

// Percent returns progress in the 0-100 range.
func (p JobProgress) Percent() int {
	if p.TotalRows <= 0 {
		return 0
	}
	processed := p.ProcessedRows
	if processed > p.TotalRows {
		processed = p.TotalRows
	}
	return processed * 100 / p.TotalRows
}

// JobResult is the final state persisted when a job leaves the processing status.
type JobResult struct {
	Status         JobStatus
	TotalRows      int
	SuccessfulRows int
	FailedRows     int
	UpdatedRows    int
	Errors         []RowError
	Manifest       *RollbackManifest
	ErrorMessage   string
}

// ProcessedRows is always the sum of successful and failed rows.
func (r JobResult) ProcessedRows() int {
	return r.SuccessfulRows + r.FailedRows
}

// ErrorsToJSON marshals row errors into the JSONB layout stored in Postgres.
func ErrorsToJSON(errors []RowError) (json.RawMessage, error) {
	if errors == nil {
		errors = []RowError{}
	}
	return json.Marshal(errors)
}

// ErrorsFromJSON unmarshals persisted row errors.
func ErrorsFromJSON(data []byte) ([]RowError, error) {
	if len(data) == 0 {
		return []RowError{}, nil
	}
	var errors []RowError
	if err := json.Unmarshal(data, &errors); err != nil {
		return nil, err
	}
	if errors == nil {
		errors = []RowError{}
	}
	return errors, nil
}
