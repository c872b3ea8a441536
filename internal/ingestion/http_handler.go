package ingestion

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/rpattn/assetimport/internal/auth"
	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/logging"
	"github.com/rpattn/assetimport/internal/middleware"
	"github.com/rpattn/assetimport/internal/repository"
)

const errorReportContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ErrInvalidUpload marks a malformed multipart upload.
var ErrInvalidUpload = errors.New("invalid upload")

// Handler exposes the import job lifecycle over HTTP.
type Handler struct {
	service *Service
}

// NewHTTPHandler returns the /imports router. Every route requires the tenant headers.
func NewHTTPHandler(service *Service) http.Handler {
	h := &Handler{service: service}
	r := chi.NewRouter()
	r.Use(middleware.TenantMiddleware)
	r.Use(middleware.DataLoaderMiddleware(service.jobs))

	r.Post("/", h.handleSubmit)
	r.Get("/", h.handleList)
	r.Post("/validate", h.handleValidate)
	r.Get("/status", h.handleBatchStatus)
	r.Route("/{jobID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/cancel", h.handleCancel)
		r.Post("/rollback", h.handleRollback)
		r.Get("/errors.xlsx", h.handleErrorReport)
	})
	return r
}

type upload struct {
	fileName string
	data     []byte
	mapping  domain.ColumnMapping
	options  domain.ImportOptions
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (upload, error) {
	// Leave room for the other form fields on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.service.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return upload{}, ErrUploadTooLarge
		}
		return upload{}, errors.Wrapf(ErrInvalidUpload, "form data: %v", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return upload{}, errors.Wrapf(ErrInvalidUpload, "file required: %v", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return upload{}, errors.Wrap(err, "read uploaded file")
	}

	var mapping domain.ColumnMapping
	if raw := strings.TrimSpace(r.FormValue("mapping")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
			return upload{}, errors.Wrapf(ErrInvalidUpload, "mapping: %v", err)
		}
	}

	var options domain.ImportOptions
	if raw := strings.TrimSpace(r.FormValue("update_existing")); raw != "" {
		options.UpdateExisting, err = strconv.ParseBool(raw)
		if err != nil {
			return upload{}, errors.Wrapf(ErrInvalidUpload, "update_existing: %v", err)
		}
	}
	return upload{fileName: header.Filename, data: data, mapping: mapping, options: options}, nil
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, err := auth.RequireScope(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	in, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.service.Submit(r.Context(), SubmitRequest{
		TenantID: tenantID,
		UserID:   userID,
		FileName: in.fileName,
		Mapping:  in.mapping,
		Options:  in.options,
		Data:     in.data,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	in, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.service.Validate(in.data, in.mapping)
	if err != nil && report.IsValid {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := auth.TenantIDFromContext(r.Context())
	query := r.URL.Query()

	var statuses []domain.JobStatus
	for _, raw := range splitList(query.Get("status")) {
		statuses = append(statuses, domain.JobStatus(raw))
	}
	limit, err := intParam(query.Get("limit"), 20)
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}

	jobs, err := h.service.List(r.Context(), tenantID, statuses, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "limit": limit, "offset": offset})
}

type jobStatusView struct {
	ID             uuid.UUID        `json:"id"`
	Status         domain.JobStatus `json:"status"`
	Progress       int              `json:"progress"`
	ProcessedRows  int              `json:"processed_rows"`
	SuccessfulRows int              `json:"successful_rows"`
	FailedRows     int              `json:"failed_rows"`
	TotalRows      int              `json:"total_rows"`
}

// handleBatchStatus serves the polling view of several jobs at once: GET /status?ids=a,b,c.
func (h *Handler) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := auth.TenantIDFromContext(r.Context())
	raw := splitList(r.URL.Query().Get("ids"))
	if len(raw) == 0 {
		http.Error(w, "ids is required", http.StatusBadRequest)
		return
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, value := range raw {
		id, err := uuid.Parse(value)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid job id %q", value), http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}

	loader := middleware.JobLoaderFromContext(r.Context())
	if loader == nil {
		http.Error(w, "job loader unavailable", http.StatusInternalServerError)
		return
	}
	jobs, err := loader.LoadMany(r.Context(), ids)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]jobStatusView, 0, len(jobs))
	for _, job := range jobs {
		if job.TenantID != tenantID {
			continue
		}
		views = append(views, jobStatusView{
			ID:             job.ID,
			Status:         job.Status,
			Progress:       job.Progress,
			ProcessedRows:  job.ProcessedRows,
			SuccessfulRows: job.SuccessfulRows,
			FailedRows:     job.FailedRows,
			TotalRows:      job.TotalRows,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := jobScope(w, r)
	if !ok {
		return
	}
	job, err := h.service.Get(r.Context(), tenantID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := jobScope(w, r)
	if !ok {
		return
	}
	job, err := h.service.Cancel(r.Context(), tenantID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := jobScope(w, r)
	if !ok {
		return
	}
	result, err := h.service.Rollback(r.Context(), tenantID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleErrorReport(w http.ResponseWriter, r *http.Request) {
	tenantID, jobID, ok := jobScope(w, r)
	if !ok {
		return
	}
	report, err := h.service.ErrorReport(r.Context(), tenantID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", errorReportContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="import-%s-errors.xlsx"`, jobID))
	w.Header().Set("Content-Length", strconv.Itoa(len(report)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report)
}

func jobScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	tenantID, _ := auth.TenantIDFromContext(r.Context())
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return tenantID, jobID, true
}

func statusFor(err error) int {
	var invalid validator.ValidationErrors
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, ErrNoErrorReport):
		return http.StatusNotFound
	case errors.Is(err, ErrJobNotCancellable), errors.Is(err, ErrRollbackNotAllowed), errors.Is(err, ErrRollbackConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidUpload):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).Error("import request failed")
		message = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errors.Errorf("invalid integer %q", raw)
	}
	return value, nil
}
