package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/internal/normalizer"
	"github.com/propfin/reconciliation-engine/internal/reporter"
	"github.com/propfin/reconciliation-engine/internal/session"
	"github.com/propfin/reconciliation-engine/pkg/errors"
	"github.com/propfin/reconciliation-engine/pkg/logger"
)

type handler struct {
	service *session.Service
	log     logger.Logger
}

// startSessionRequest is the POST /api/sessions body. Line items arrive
// raw, exactly as the extraction collaborator produced them; the server
// normalizes and drops invalid rows.
type startSessionRequest struct {
	Scope      models.Scope             `json:"scope"`
	OperatorID string                   `json:"operator_id"`
	Source     []normalizer.RawLineItem `json:"source"`
	Target     []normalizer.RawLineItem `json:"target"`
}

type startSessionResponse struct {
	Session       *models.Session `json:"session"`
	DroppedSource int             `json:"dropped_source"`
	DroppedTarget int             `json:"dropped_target"`
}

func (h *handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.ValidationError(errors.CodeInvalidRecord, "body", nil, err))
		return
	}

	norm := normalizer.NewNormalizer()
	source := norm.NormalizeBatch(req.Source)
	target := norm.NormalizeBatch(req.Target)

	sess, _, err := h.service.StartSession(r.Context(), session.StartRequest{
		Scope:      req.Scope,
		OperatorID: req.OperatorID,
		Source:     source.Records,
		Target:     target.Records,
		Dropped:    len(source.Dropped) + len(target.Dropped),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, startSessionResponse{
		Session:       sess,
		DroppedSource: len(source.Dropped),
		DroppedTarget: len(target.Dropped),
	})
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.ListSessions(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *handler) getComparison(w http.ResponseWriter, r *http.Request) {
	sess, comparison, err := h.service.GetComparison(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":    sess,
		"comparison": comparison,
	})
}

// resolveRequest is one auditor decision.
type resolveRequest struct {
	DiscrepancyID string `json:"discrepancy_id"`
	Action        string `json:"action"`
	NewValue      string `json:"new_value,omitempty"`
	Rationale     string `json:"rationale,omitempty"`
	Actor         string `json:"actor"`
}

func (r resolveRequest) toService() session.ResolveRequest {
	return session.ResolveRequest{
		DiscrepancyID: r.DiscrepancyID,
		Action:        models.ResolutionAction(r.Action),
		NewValue:      r.NewValue,
		Rationale:     r.Rationale,
		Actor:         r.Actor,
	}
}

func (h *handler) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.ValidationError(errors.CodeInvalidRecord, "body", nil, err))
		return
	}
	resolution, err := h.service.Resolve(r.Context(), chi.URLParam(r, "sessionID"), req.toService())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resolution)
}

func (h *handler) bulkResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolutions []resolveRequest `json:"resolutions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.ValidationError(errors.CodeInvalidRecord, "body", nil, err))
		return
	}

	reqs := make([]session.ResolveRequest, len(req.Resolutions))
	for i, entry := range req.Resolutions {
		reqs[i] = entry.toService()
	}
	resolutions, err := h.service.BulkResolve(r.Context(), chi.URLParam(r, "sessionID"), reqs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"resolutions": resolutions})
}

func (h *handler) complete(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.CompleteSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *handler) reject(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.RejectSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

func (h *handler) report(w http.ResponseWriter, r *http.Request) {
	format, err := reporter.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	report, err := h.service.BuildReport(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	if err := report.Export(w, format); err != nil {
		h.log.WithError(err).WithField("session_id", sessionID).Error("Report export failed")
	}
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.WithError(err).Error("Failed to encode response")
	}
}

// errorResponse is the wire shape of every API error.
type errorResponse struct {
	Category   string                 `json:"category"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	re, ok := errors.AsReconcilerError(err)
	if !ok {
		re = errors.InternalError("handle request", err)
	}

	status := statusForCode(re.Code)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).Error("Request failed")
	}
	h.writeJSON(w, status, errorResponse{
		Category:   string(re.Category),
		Code:       string(re.Code),
		Message:    re.Message,
		Suggestion: re.Suggestion,
		Context:    re.Context,
	})
}

func statusForCode(code errors.ErrorCode) int {
	switch code {
	case errors.CodeScopeConflict, errors.CodePendingCritical, errors.CodeInvalidTransition:
		return http.StatusConflict
	case errors.CodeSessionNotFound, errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeInvalidRecord, errors.CodeInvalidAmount, errors.CodeMissingField,
		errors.CodeInvalidFormula, errors.CodeInvalidTolerance, errors.CodeInvalidConfig:
		return http.StatusBadRequest
	case errors.CodeCommitFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
