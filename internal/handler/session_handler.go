package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"session-service/internal/service"
	"session-service/internal/util"
)

// SessionHandler handles HTTP requests for the session registry
type SessionHandler struct {
	sessionService service.SessionService
	logger         *zap.Logger
}

func NewSessionHandler(sessionService service.SessionService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		logger:         logger,
	}
}

// RegisterRoutes registers all session routes
func (h *SessionHandler) RegisterRoutes(router chi.Router) {
	router.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Post("/validate", h.ValidateToken)
		r.Post("/sign-out", h.SignOut)
		r.Get("/user/{userID}", h.ListActiveSessions)
		r.Get("/{sessionID}", h.GetSession)
		r.Delete("/{sessionID}", h.TerminateSession)
		r.Post("/{sessionID}/flag", h.FlagSuspicious)
		r.Post("/{sessionID}/reverify", h.ReverifySession)
	})
}

type createSessionRequest struct {
	UserID    string `json:"user_id"`
	UserAgent string `json:"user_agent"`
	IsCurrent bool   `json:"is_current"`
}

type createSessionResponse struct {
	Session interface{} `json:"session"`
	Token   string      `json:"token"`
}

// CreateSession registers a new login and returns the bearer token. The
// token appears in this response only; it is not recoverable afterwards.
// @Summary Create session
// @Tags sessions
// @Accept json
// @Produce json
// @Success 201 {object} Response
// @Router /sessions [post]
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	session, token, err := h.sessionService.CreateSession(ctx, service.CreateSessionInput{
		UserID:    req.UserID,
		UserAgent: req.UserAgent,
		IsCurrent: req.IsCurrent,
	})
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to create session")
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(createSessionResponse{
		Session: session,
		Token:   token,
	}, "Session created successfully"))
	h.logger.Info("Session created via HTTP",
		util.String("user_id", session.UserID),
		util.String("session_id", session.ID),
		util.Duration("duration", time.Since(startTime)),
	)
}

type tokenRequest struct {
	Token string `json:"token"`
}

// ValidateToken resolves a bearer token to its session.
// @Summary Validate session token
// @Tags sessions
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Router /sessions/validate [post]
func (h *SessionHandler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	session, err := h.sessionService.ValidateToken(ctx, req.Token)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusNotFound || status == http.StatusConflict {
			// Token validation failures all read as unauthorized so callers
			// cannot probe which sessions exist.
			status = http.StatusUnauthorized
		}
		respondWithError(w, status, errors.New("invalid session"), "Session validation failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(session, "Session is valid"))
}

// SignOut terminates the caller's own session by token.
// @Summary Sign out
// @Tags sessions
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Router /sessions/sign-out [post]
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.sessionService.SignOut(ctx, req.Token); err != nil {
		respondWithError(w, statusForError(err), err, "Failed to sign out")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Signed out successfully"))
}

// GetSession returns one session by ID.
// @Summary Get session
// @Tags sessions
// @Produce json
// @Success 200 {object} Response
// @Router /sessions/{sessionID} [get]
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.sessionService.GetSession(ctx, sessionID)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to get session")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(session, "Session retrieved successfully"))
}

// ListActiveSessions returns the user's active sessions, most recently
// active first.
// @Summary List active sessions
// @Tags sessions
// @Produce json
// @Success 200 {object} Response
// @Router /sessions/user/{userID} [get]
func (h *SessionHandler) ListActiveSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := chi.URLParam(r, "userID")
	sessions, err := h.sessionService.ListActiveSessions(ctx, userID)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to list sessions")
		return
	}

	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    sessions,
		Message: "Active sessions retrieved successfully",
		Meta:    &Meta{Total: len(sessions)},
	})
}

type terminateSessionRequest struct {
	Reason string `json:"reason"`
}

// TerminateSession ends another device's session. Whether the target is the
// caller's current session is decided from the stored session row, never
// from anything the client sends; sign-out covers ending one's own session.
// @Summary Terminate session
// @Tags sessions
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Router /sessions/{sessionID} [delete]
func (h *SessionHandler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	sessionID := chi.URLParam(r, "sessionID")

	var req terminateSessionRequest
	if r.Body != nil {
		// An empty body means the default reason.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.sessionService.TerminateSession(ctx, sessionID, req.Reason); err != nil {
		respondWithError(w, statusForError(err), err, "Failed to terminate session")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Session terminated successfully"))
	h.logger.Info("Session terminated via HTTP",
		util.String("session_id", sessionID),
		util.Duration("duration", time.Since(startTime)),
	)
}

// FlagSuspicious parks an active session pending reverification.
// @Summary Flag session as suspicious
// @Tags sessions
// @Produce json
// @Success 200 {object} Response
// @Router /sessions/{sessionID}/flag [post]
func (h *SessionHandler) FlagSuspicious(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessionService.FlagSuspicious(ctx, sessionID); err != nil {
		respondWithError(w, statusForError(err), err, "Failed to flag session")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Session flagged as suspicious"))
}

// ReverifySession restores a suspicious session to active.
// @Summary Reverify session
// @Tags sessions
// @Produce json
// @Success 200 {object} Response
// @Router /sessions/{sessionID}/reverify [post]
func (h *SessionHandler) ReverifySession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessionService.ReverifySession(ctx, sessionID); err != nil {
		respondWithError(w, statusForError(err), err, "Failed to reverify session")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Session reverified successfully"))
}
