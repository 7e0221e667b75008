package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"session-service/internal/service"
	"session-service/internal/util"
)

// MFAHandler handles HTTP requests for multi-factor settings and backup
// codes.
type MFAHandler struct {
	mfaService service.MFAService
	logger     *zap.Logger
}

func NewMFAHandler(mfaService service.MFAService, logger *zap.Logger) *MFAHandler {
	return &MFAHandler{
		mfaService: mfaService,
		logger:     logger,
	}
}

// RegisterRoutes registers all MFA routes
func (h *MFAHandler) RegisterRoutes(router chi.Router) {
	router.Route("/mfa", func(r chi.Router) {
		r.Post("/{userID}/enable", h.Enable)
		r.Post("/{userID}/disable", h.Disable)
		r.Post("/{userID}/verify", h.VerifyBackupCode)
		r.Get("/{userID}/status", h.Status)
	})
}

type enableMFAResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// Enable turns MFA on and returns the fresh backup codes. This response is
// the only place the plaintext codes ever appear.
// @Summary Enable MFA
// @Tags mfa
// @Produce json
// @Success 200 {object} Response
// @Router /mfa/{userID}/enable [post]
func (h *MFAHandler) Enable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	userID := chi.URLParam(r, "userID")
	codes, err := h.mfaService.Enable(ctx, userID)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to enable MFA")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(enableMFAResponse{BackupCodes: codes},
		"MFA enabled; store these backup codes now, they will not be shown again"))
	h.logger.Info("MFA enabled via HTTP",
		util.String("user_id", userID),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Disable turns MFA off and discards any remaining codes.
// @Summary Disable MFA
// @Tags mfa
// @Produce json
// @Success 200 {object} Response
// @Router /mfa/{userID}/disable [post]
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := chi.URLParam(r, "userID")
	if err := h.mfaService.Disable(ctx, userID); err != nil {
		respondWithError(w, statusForError(err), err, "Failed to disable MFA")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "MFA disabled successfully"))
}

type verifyCodeRequest struct {
	Code string `json:"code"`
}

// VerifyBackupCode consumes one backup code.
// @Summary Verify backup code
// @Tags mfa
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Router /mfa/{userID}/verify [post]
func (h *MFAHandler) VerifyBackupCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := chi.URLParam(r, "userID")

	var req verifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.mfaService.VerifyBackupCode(ctx, userID, req.Code); err != nil {
		respondWithError(w, statusForError(err), err, "Backup code verification failed")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(nil, "Backup code accepted"))
}

// Status reports whether MFA is enabled and how many codes remain.
// @Summary MFA status
// @Tags mfa
// @Produce json
// @Success 200 {object} Response
// @Router /mfa/{userID}/status [get]
func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := chi.URLParam(r, "userID")
	status, err := h.mfaService.Status(ctx, userID)
	if err != nil {
		respondWithError(w, statusForError(err), err, "Failed to get MFA status")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(status, "MFA status retrieved successfully"))
}
