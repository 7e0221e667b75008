package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"session-service/internal/repository/clickhouse"
	"session-service/internal/service"
	"session-service/internal/util"
)

// SecurityHandler handles HTTP requests for login attempt classification and
// the audit log.
type SecurityHandler struct {
	classifier service.ClassifierService
	audit      service.AuditService
	logger     *zap.Logger
}

func NewSecurityHandler(classifier service.ClassifierService, audit service.AuditService, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{
		classifier: classifier,
		audit:      audit,
		logger:     logger,
	}
}

// RegisterRoutes registers attempt and audit routes
func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/security", func(r chi.Router) {
		r.Post("/attempts", h.RecordAttempt)
		r.Get("/attempts/{email}", h.ListRecentAttempts)
		r.Get("/audit", h.QueryAuditEvents)
		r.Get("/audit/search", h.SearchAuditEvents)
	})
}

type recordAttemptRequest struct {
	Email         string `json:"email"`
	UserID        string `json:"user_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	UserAgent     string `json:"user_agent"`
}

type recordAttemptResponse struct {
	Attempt interface{} `json:"attempt"`
	Session interface{} `json:"session,omitempty"`
	Token   string      `json:"token,omitempty"`
}

// RecordAttempt records one classified login attempt. A successful attempt
// additionally opens a session; its bearer token appears in this response
// only.
// @Summary Record login attempt
// @Tags security
// @Accept json
// @Produce json
// @Success 201 {object} Response
// @Router /security/attempts [post]
func (h *SecurityHandler) RecordAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req recordAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	result, err := h.classifier.RecordAttempt(ctx, service.RecordAttemptInput{
		Email:         req.Email,
		UserID:        req.UserID,
		Status:        req.Status,
		FailureReason: req.FailureReason,
		UserAgent:     req.UserAgent,
	})
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to record login attempt")
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(recordAttemptResponse{
		Attempt: result.Attempt,
		Session: result.Session,
		Token:   result.Token,
	}, "Login attempt recorded"))
	h.logger.Debug("Login attempt recorded via HTTP",
		util.String("status", result.Attempt.Status),
		util.Bool("is_suspicious", result.Attempt.IsSuspicious),
		util.Bool("session_opened", result.Session != nil),
		util.Duration("duration", time.Since(startTime)),
	)
}

// ListRecentAttempts returns the most recent attempts for an email, newest
// first.
// @Summary List recent login attempts
// @Tags security
// @Produce json
// @Success 200 {object} Response
// @Router /security/attempts/{email} [get]
func (h *SecurityHandler) ListRecentAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	email := chi.URLParam(r, "email")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	attempts, err := h.classifier.ListRecentAttempts(ctx, email, limit)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to list login attempts")
		return
	}

	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    attempts,
		Message: "Login attempts retrieved successfully",
		Meta:    &Meta{Total: len(attempts)},
	})
}

// QueryAuditEvents reads the audit ledger, newest first. Filters arrive as
// query parameters; since/until use RFC 3339.
// @Summary Query audit events
// @Tags security
// @Produce json
// @Success 200 {object} Response
// @Router /security/audit [get]
func (h *SecurityHandler) QueryAuditEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := r.URL.Query()

	filter := clickhouse.AuditFilter{
		UserID:    params.Get("user_id"),
		Action:    params.Get("action"),
		RiskLevel: params.Get("risk_level"),
	}
	if v := params.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err, "Invalid since timestamp")
			return
		}
		filter.Since = t
	}
	if v := params.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err, "Invalid until timestamp")
			return
		}
		filter.Until = t
	}
	filter.Limit, _ = strconv.Atoi(params.Get("limit"))
	filter.Offset, _ = strconv.Atoi(params.Get("offset"))

	events, err := h.audit.QueryEvents(ctx, filter)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to query audit events")
		return
	}

	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    events,
		Message: "Audit events retrieved successfully",
		Meta:    &Meta{Total: len(events), Offset: filter.Offset},
	})
}

// SearchAuditEvents runs a free-text search over the audit index.
// @Summary Search audit events
// @Tags security
// @Produce json
// @Success 200 {object} Response
// @Router /security/audit/search [get]
func (h *SecurityHandler) SearchAuditEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := r.URL.Query().Get("q")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := h.audit.SearchEvents(ctx, query, limit)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to search audit events")
		return
	}

	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    events,
		Message: "Audit search completed",
		Meta:    &Meta{Total: len(events)},
	})
}
