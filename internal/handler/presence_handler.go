package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"session-service/internal/service"
	"session-service/internal/util"
)

// PresenceHandler exposes team presence over HTTP. Memberships created
// through Join live server-side and keep heartbeating until the matching
// leave arrives; the handler tracks them so leave and status changes can
// find the right one.
type PresenceHandler struct {
	presenceService service.PresenceService
	logger          *zap.Logger

	mu          sync.Mutex
	memberships map[string]*service.Membership
}

func NewPresenceHandler(presenceService service.PresenceService, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{
		presenceService: presenceService,
		logger:          logger,
		memberships:     make(map[string]*service.Membership),
	}
}

// RegisterRoutes registers all presence routes
func (h *PresenceHandler) RegisterRoutes(router chi.Router) {
	router.Route("/presence/teams/{teamID}", func(r chi.Router) {
		r.Get("/", h.TeamSnapshot)
		r.Post("/join", h.Join)
		r.Get("/members/{userID}", h.MemberStatus)
		r.Put("/members/{userID}/status", h.SetStatus)
		r.Delete("/members/{userID}", h.Leave)
	})
}

func membershipKey(teamID, userID string) string {
	return teamID + "/" + userID
}

type joinRequest struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Join adds a member to a team channel and starts their heartbeat. Joining
// again for the same user replaces the previous membership.
// @Summary Join team presence
// @Tags presence
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Router /presence/teams/{teamID}/join [post]
func (h *PresenceHandler) Join(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	teamID := chi.URLParam(r, "teamID")

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	membership, err := h.presenceService.Join(ctx, teamID, service.PresenceMember{
		UserID:      req.UserID,
		Username:    req.Username,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
	})
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to join team presence")
		return
	}

	key := membershipKey(teamID, req.UserID)
	h.mu.Lock()
	if previous, ok := h.memberships[key]; ok {
		_ = previous.Close()
	}
	h.memberships[key] = membership
	h.mu.Unlock()

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Joined team presence"))
	h.logger.Info("Presence join via HTTP",
		util.String("team_id", teamID),
		util.String("user_id", req.UserID),
	)
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// SetStatus broadcasts a new status for a joined member.
// @Summary Set presence status
// @Tags presence
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Router /presence/teams/{teamID}/members/{userID}/status [put]
func (h *PresenceHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	teamID := chi.URLParam(r, "teamID")
	userID := chi.URLParam(r, "userID")

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	h.mu.Lock()
	membership, ok := h.memberships[membershipKey(teamID, userID)]
	h.mu.Unlock()
	if !ok {
		respondWithError(w, http.StatusNotFound, errors.New("member has not joined"), "Member has not joined this team")
		return
	}

	if err := membership.SetStatus(ctx, req.Status); err != nil {
		respondWithError(w, statusForError(err), err, "Failed to set presence status")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Presence status updated"))
}

// Leave removes a member from a team channel and stops their heartbeat.
// @Summary Leave team presence
// @Tags presence
// @Produce json
// @Success 200 {object} Response
// @Router /presence/teams/{teamID}/members/{userID} [delete]
func (h *PresenceHandler) Leave(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	userID := chi.URLParam(r, "userID")

	key := membershipKey(teamID, userID)
	h.mu.Lock()
	membership, ok := h.memberships[key]
	if ok {
		delete(h.memberships, key)
	}
	h.mu.Unlock()

	if !ok {
		respondWithError(w, http.StatusNotFound, errors.New("member has not joined"), "Member has not joined this team")
		return
	}

	if err := membership.Close(); err != nil {
		respondWithError(w, statusForError(err), err, "Failed to leave team presence")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Left team presence"))
}

type memberStatusResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// MemberStatus resolves one member's effective presence. Unknown members
// read as offline rather than erroring.
// @Summary Get member presence
// @Tags presence
// @Produce json
// @Success 200 {object} Response
// @Router /presence/teams/{teamID}/members/{userID} [get]
func (h *PresenceHandler) MemberStatus(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	userID := chi.URLParam(r, "userID")

	status := h.presenceService.MemberStatus(teamID, userID)
	respondWithJSON(w, http.StatusOK, successResponse(memberStatusResponse{
		UserID: userID,
		Status: status,
	}, "Member presence retrieved"))
}

// TeamSnapshot returns every tracked member of a team with read-time
// staleness applied.
// @Summary Get team presence snapshot
// @Tags presence
// @Produce json
// @Success 200 {object} Response
// @Router /presence/teams/{teamID} [get]
func (h *PresenceHandler) TeamSnapshot(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")

	records := h.presenceService.TeamSnapshot(teamID)
	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    records,
		Message: "Team presence retrieved",
		Meta:    &Meta{Total: len(records)},
	})
}

// CloseAll shuts down every live membership, used during server shutdown.
func (h *PresenceHandler) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, membership := range h.memberships {
		_ = membership.Close()
		delete(h.memberships, key)
	}
}
