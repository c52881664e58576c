package profile

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"identity-server/internal/events"
	"identity-server/internal/identity"
	"identity-server/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	repo   *Repository
	hub    *events.Hub
	logger *observability.Logger
}

func NewHandler(repo *Repository, hub *events.Hub, logger *observability.Logger) *Handler {
	return &Handler{repo: repo, hub: hub, logger: logger}
}

type updateRequest struct {
	DisplayName *string `json:"displayName"`
	Bio         *string `json:"bio"`
	AvatarURL   *string `json:"avatarUrl"`
}

func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := identity.ClaimsFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "TOKEN_MISSING", "Authentication token is missing")
		return
	}

	p, err := h.repo.ByAccountID(r.Context(), claims.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Profile not found")
			return
		}
		sentry.CaptureException(err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		return
	}
	h.writeSuccess(w, "Profile loaded", p)
}

func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := identity.ClaimsFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "TOKEN_MISSING", "Authentication token is missing")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var body updateRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid JSON body")
		return
	}
	if body.DisplayName != nil {
		trimmed := strings.TrimSpace(*body.DisplayName)
		if trimmed == "" || len(trimmed) > 100 {
			h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Display name must be 1-100 characters")
			return
		}
		body.DisplayName = &trimmed
	}
	if body.Bio != nil && len(*body.Bio) > 500 {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Bio must be at most 500 characters")
		return
	}

	p, err := h.repo.Apply(r.Context(), claims.AccountID, Update{
		DisplayName: body.DisplayName,
		Bio:         body.Bio,
		AvatarURL:   body.AvatarURL,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Profile not found")
			return
		}
		sentry.CaptureException(err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
		return
	}

	h.hub.Publish(events.AccountUpdated{AccountID: claims.AccountID})
	h.writeSuccess(w, "Profile updated", p)
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (h *Handler) writeSuccess(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
