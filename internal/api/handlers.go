package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/savegress/labbridge/internal/audit"
	"github.com/savegress/labbridge/internal/auth"
	"github.com/savegress/labbridge/internal/directory"
	"github.com/savegress/labbridge/internal/ingest"
	"github.com/savegress/labbridge/pkg/models"
)

// maxReportSize caps uploaded report bodies at 4 MiB.
const maxReportSize = 4 << 20

// Handlers contains all HTTP handlers
type Handlers struct {
	auth     *auth.Service
	dir      *directory.Directory
	pipeline *ingest.Pipeline
	audit    *audit.Logger
}

// NewHandlers creates new handlers
func NewHandlers(authSvc *auth.Service, dir *directory.Directory, pipeline *ingest.Pipeline, auditLog *audit.Logger) *Handlers {
	return &Handlers{auth: authSvc, dir: dir, pipeline: pipeline, audit: auditLog}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "labbridge",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Auth handlers

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Register creates a user account
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.auth.Register(req.Username, req.Password, models.Role(req.Role)); err != nil {
		if err == auth.ErrUserExists {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, http.StatusCreated, map[string]string{"username": req.Username, "role": req.Role})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login verifies credentials and issues a session token
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		h.audit.Record(audit.Event{Type: audit.EventLogin, Actor: req.Username, Outcome: "denied"})
		respondError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	h.audit.Record(audit.Event{Type: audit.EventLogin, Actor: req.Username, Outcome: "ok"})
	respond(w, http.StatusOK, map[string]string{"token": token})
}

// Report handlers

// UploadReport ingests one raw report through the full pipeline
func (h *Handlers) UploadReport(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	format := models.SourceFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = models.SourceFormatHL7
	}
	if format != models.SourceFormatHL7 && format != models.SourceFormatPDFText {
		respondError(w, http.StatusBadRequest, "Unsupported source format")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxReportSize))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}

	res := h.pipeline.Process(r.Context(), raw, format, user.Username)
	respond(w, statusForResult(res), res)
}

// PreviewMatch runs the pipeline without committing
func (h *Handlers) PreviewMatch(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	format := models.SourceFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = models.SourceFormatHL7
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxReportSize))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}

	res := h.pipeline.Preview(r.Context(), raw, format, user.Username)
	respond(w, http.StatusOK, res)
}

// statusForResult maps a pipeline result to an HTTP status.
func statusForResult(res *ingest.Result) int {
	if res.Committed() {
		return http.StatusCreated
	}
	if res.Err == nil {
		return http.StatusOK
	}
	switch res.Err.Kind {
	case models.ErrKindNoMatch, models.ErrKindAmbiguousMatch, models.ErrKindDirectoryConflict:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

// GetReport fetches one committed transmission
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := h.dir.GetTransmission(r.Context(), id)
	if err == directory.ErrNotFound {
		respondError(w, http.StatusNotFound, "Report not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Storage error")
		return
	}
	respond(w, http.StatusOK, st)
}

// Patient handlers

// CreatePatient registers a patient in the directory
func (h *Handlers) CreatePatient(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var ids models.PatientIdentifiers
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := h.dir.CreatePatient(r.Context(), ids)
	if err != nil {
		if models.KindOf(err) == models.ErrKindDirectoryConflict {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.audit.Record(audit.Event{Type: audit.EventPatientCreated, Actor: user.Username, PatientID: rec.PatientID, Outcome: "ok"})
	respond(w, http.StatusCreated, rec)
}

// SearchPatients searches the directory by name or MRN
func (h *Handlers) SearchPatients(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	var (
		records []models.PatientRecord
		err     error
	)
	if query == "" {
		records, err = h.dir.Snapshot(r.Context())
	} else {
		records, err = h.dir.Search(r.Context(), query)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Storage error")
		return
	}
	if records == nil {
		records = []models.PatientRecord{}
	}
	respond(w, http.StatusOK, records)
}

// GetPatient fetches one patient record
func (h *Handlers) GetPatient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.dir.GetPatient(r.Context(), id)
	if err == directory.ErrNotFound {
		respondError(w, http.StatusNotFound, "Patient not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Storage error")
		return
	}
	respond(w, http.StatusOK, rec)
}

// ListTransmissions lists a patient's committed transmissions
func (h *Handlers) ListTransmissions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.dir.GetPatient(r.Context(), id); err == directory.ErrNotFound {
		respondError(w, http.StatusNotFound, "Patient not found")
		return
	}

	list, err := h.dir.ListTransmissions(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Storage error")
		return
	}
	if list == nil {
		list = []models.StoredTransmission{}
	}
	respond(w, http.StatusOK, list)
}

// Audit handlers

// ListAuditEvents returns the collected audit trail
func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.audit.Events())
}

// Response helpers

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}
