package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"carelog.org/internal/auth"
	"carelog.org/internal/pipeline"
	"carelog.org/internal/report"
	"carelog.org/internal/speech"
)

type createTextRequest struct {
	PatientName       string `json:"patient_name"`
	PatientNationalID string `json:"patient_national_id,omitempty"`
	PatientFileNumber string `json:"patient_file_number"`
	Department        string `json:"department,omitempty"`
	Content           string `json:"content"`
	Notes             string `json:"notes,omitempty"`
}

type createVoiceRequest struct {
	PatientName       string `json:"patient_name"`
	PatientNationalID string `json:"patient_national_id,omitempty"`
	PatientFileNumber string `json:"patient_file_number"`
	Department        string `json:"department,omitempty"`
	Notes             string `json:"notes,omitempty"`
	AudioHandle       string `json:"audio_handle"`
	AudioFormat       string `json:"audio_format,omitempty"`
	AudioSizeBytes    int64  `json:"audio_size_bytes,omitempty"`
	AudioDurationMS   int64  `json:"audio_duration_ms,omitempty"`
}

type updateReportRequest struct {
	PatientName       *string `json:"patient_name,omitempty"`
	PatientNationalID *string `json:"patient_national_id,omitempty"`
	PatientFileNumber *string `json:"patient_file_number,omitempty"`
	Department        *string `json:"department,omitempty"`
	Content           *string `json:"content,omitempty"`
	Notes             *string `json:"notes,omitempty"`
}

type reportResponse struct {
	ID                string     `json:"id"`
	PrincipalID       string     `json:"principal_id"`
	PatientName       string     `json:"patient_name"`
	PatientNationalID string     `json:"patient_national_id,omitempty"`
	PatientFileNumber string     `json:"patient_file_number"`
	Department        string     `json:"department,omitempty"`
	Kind              string     `json:"kind"`
	State             string     `json:"state"`
	Content           string     `json:"content,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	AudioHandle       string     `json:"audio_handle,omitempty"`
	Confidence        *float64   `json:"confidence,omitempty"`
	ActiveJobID       string     `json:"active_job_id,omitempty"`
	ReviewedBy        string     `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func toReportResponse(r *report.Report) reportResponse {
	return reportResponse{
		ID:                r.ID,
		PrincipalID:       r.PrincipalID,
		PatientName:       r.PatientName,
		PatientNationalID: r.PatientNationalID,
		PatientFileNumber: r.PatientFileNumber,
		Department:        r.Department,
		Kind:              string(r.Kind),
		State:             string(r.State),
		Content:           r.Content,
		Notes:             r.Notes,
		AudioHandle:       r.AudioHandle,
		Confidence:        r.Confidence,
		ActiveJobID:       r.ActiveJobID,
		ReviewedBy:        r.ReviewedBy,
		ReviewedAt:        r.ReviewedAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func (a *API) handleCreateText(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOr401(w, r)
	if !ok {
		return
	}
	var req createTextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.reports.CreateText(r.Context(), p, report.Draft{
		PatientName:       req.PatientName,
		PatientNationalID: req.PatientNationalID,
		PatientFileNumber: req.PatientFileNumber,
		Department:        req.Department,
		Content:           req.Content,
		Notes:             req.Notes,
	})
	if err != nil {
		handleReportError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReportResponse(created))
}

func (a *API) handleCreateVoice(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOr401(w, r)
	if !ok {
		return
	}
	var req createVoiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := speech.ValidateFormat(req.AudioFormat); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := speech.ValidateSize(req.AudioSizeBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.reports.CreateVoice(r.Context(), p, report.Draft{
		PatientName:       req.PatientName,
		PatientNationalID: req.PatientNationalID,
		PatientFileNumber: req.PatientFileNumber,
		Department:        req.Department,
		Notes:             req.Notes,
		AudioHandle:       req.AudioHandle,
		AudioFormat:       req.AudioFormat,
		AudioSize:         req.AudioSizeBytes,
		AudioDuration:     time.Duration(req.AudioDurationMS) * time.Millisecond,
	})
	if err != nil {
		handleReportError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toReportResponse(created))
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOr401(w, r)
	if !ok {
		return
	}
	got, err := a.reports.Get(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		handleReportError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportResponse(got))
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOr401(w, r)
	if !ok {
		return
	}
	var req updateReportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := a.reports.Update(r.Context(), p, chi.URLParam(r, "id"), report.Patch{
		PatientName:       req.PatientName,
		PatientNationalID: req.PatientNationalID,
		PatientFileNumber: req.PatientFileNumber,
		Department:        req.Department,
		Content:           req.Content,
		Notes:             req.Notes,
	})
	if err != nil {
		handleReportError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportResponse(updated))
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOr401(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 50, 1, 200)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 200")
		return
	}
	offset, err := parsePositiveInt(q.Get("offset"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	reports, err := a.reports.List(r.Context(), p, report.Filter{
		State:  report.State(q.Get("state")),
		Kind:   report.Kind(q.Get("kind")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		handleReportError(w, r, err)
		return
	}
	items := make([]reportResponse, 0, len(reports))
	for _, rep := range reports {
		items = append(items, toReportResponse(rep))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": items,
		"limit":   limit,
		"offset":  offset,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOr401(w, r)
	if !ok {
		return
	}
	stats, err := a.reports.Stats(r.Context(), p)
	if err != nil {
		handleReportError(w, r, err)
		return
	}
	byState := make(map[string]int64, len(stats.ByState))
	for k, v := range stats.ByState {
		byState[string(k)] = v
	}
	byKind := make(map[string]int64, len(stats.ByKind))
	for k, v := range stats.ByKind {
		byKind[string(k)] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     stats.Total,
		"by_state":  byState,
		"by_kind":   byKind,
		"reviewed":  stats.Reviewed,
		"today":     stats.Today,
		"this_week": stats.ThisWeek,
	})
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	a.reportAction(w, r, a.reports.Retry)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.reportAction(w, r, a.reports.Cancel)
}

func (a *API) handleFinalize(w http.ResponseWriter, r *http.Request) {
	a.reportAction(w, r, a.reports.Finalize)
}

func (a *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	a.reportAction(w, r, a.reports.Archive)
}

func (a *API) handleReview(w http.ResponseWriter, r *http.Request) {
	a.reportAction(w, r, a.reports.Review)
}

// reportAction runs one of the id-addressed transitions and renders the
// updated report.
func (a *API) reportAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, auth.Principal, string) (*report.Report, error)) {
	p, ok := principalOr401(w, r)
	if !ok {
		return
	}
	got, err := fn(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		handleReportError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportResponse(got))
}

func handleReportError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, report.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, report.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "not allowed")
	case errors.Is(err, report.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "report not found")
	case errors.Is(err, report.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "state does not permit this operation")
	case errors.Is(err, report.ErrConflict):
		writeError(w, r, http.StatusConflict, "concurrent update, retry")
	case errors.Is(err, pipeline.ErrBusy), errors.Is(err, pipeline.ErrClosed):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, "transcription pipeline saturated, retry later")
	case speech.IsPermanent(err):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
