package identity

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"identity-server/internal/observability"
)

const (
	maxJSONBodyBytes  = 1 << 20
	refreshCookieName = "refreshToken"
)

type Handler struct {
	registration *Registration
	sessions     *Sessions
	logger       *observability.Logger
	cookieTTL    time.Duration
}

func NewHandler(registration *Registration, sessions *Sessions, logger *observability.Logger) *Handler {
	return &Handler{
		registration: registration,
		sessions:     sessions,
		logger:       logger,
		cookieTTL:    registration.ledger.TTL(),
	}
}

// envelope is the uniform response body: success flag, human message, stable
// machine code on failure, payload on success.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type checkUsernameRequest struct {
	Username string `json:"username"`
}

type checkEmailRequest struct {
	Email string `json:"email"`
}

type initiateRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	DateOfBirth string `json:"dateOfBirth"`
}

type verifyRequest struct {
	Code int `json:"code"`
}

type promoteRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type authResponse struct {
	AccessToken string   `json:"accessToken"`
	TokenType   string   `json:"tokenType"`
	ExpiresIn   int      `json:"expiresIn"`
	UserID      string   `json:"userId"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
}

func newAuthResponse(result AuthResult) authResponse {
	return authResponse{
		AccessToken: result.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   result.ExpiresIn,
		UserID:      result.Account.ID,
		Username:    result.Account.Username,
		Email:       result.Account.Email,
		Roles:       result.Roles,
	}
}

func (h *Handler) CheckUsername(w http.ResponseWriter, r *http.Request) {
	var body checkUsernameRequest
	if !h.decode(w, r, &body) {
		return
	}
	available, err := h.registration.CheckUsername(r.Context(), body.Username)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, "Username availability checked", map[string]any{"available": available})
}

func (h *Handler) CheckEmail(w http.ResponseWriter, r *http.Request) {
	var body checkEmailRequest
	if !h.decode(w, r, &body) {
		return
	}
	available, err := h.registration.CheckEmail(r.Context(), body.Email)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, "Email availability checked", map[string]any{"available": available})
}

func (h *Handler) InitiateRegistration(w http.ResponseWriter, r *http.Request) {
	var body initiateRequest
	if !h.decode(w, r, &body) {
		return
	}

	dob, err := time.Parse("2006-01-02", body.DateOfBirth)
	if err != nil {
		h.writeError(w, ErrValidation.WithMessage("Date of birth must be in YYYY-MM-DD format"))
		return
	}

	pendingToken, err := h.registration.Initiate(r.Context(), InitiateInput{
		Name:        body.Name,
		Email:       body.Email,
		DateOfBirth: dob,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusCreated, "Verification code sent", map[string]any{
		"pendingToken": pendingToken,
		"sent":         true,
	})
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	pending, ok := h.bearer(w, r)
	if !ok {
		return
	}
	pendingToken, err := h.registration.Resend(r.Context(), pending)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, "Verification code resent", map[string]any{
		"pendingToken": pendingToken,
		"sent":         true,
	})
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	pending, ok := h.bearer(w, r)
	if !ok {
		return
	}
	var body verifyRequest
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.registration.VerifyCode(r.Context(), pending, body.Code); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, "Email verified", nil)
}

func (h *Handler) FinalizeRegistration(w http.ResponseWriter, r *http.Request) {
	pending, ok := h.bearer(w, r)
	if !ok {
		return
	}
	var body promoteRequest
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.registration.Promote(r.Context(), pending, PromoteInput{
		Username: body.Username,
		Password: body.Password,
		Device:   deviceInfo(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.setRefreshCookie(w, result.RefreshValue)
	h.writeSuccess(w, http.StatusCreated, "Registration complete", newAuthResponse(result))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.sessions.Login(r.Context(), body.Identifier, body.Password, deviceInfo(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.setRefreshCookie(w, result.RefreshValue)
	h.writeSuccess(w, http.StatusOK, "Login successful", newAuthResponse(result))
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.sessions.Refresh(r.Context(), refreshCookieValue(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, http.StatusOK, "Token refreshed", newAuthResponse(result))
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context(), refreshCookieValue(r)); err != nil {
		h.writeError(w, err)
		return
	}
	h.clearRefreshCookie(w)
	h.writeSuccess(w, http.StatusOK, "Logged out", nil)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		h.writeError(w, ErrTokenMissing)
		return
	}
	if err := h.sessions.LogoutAllDevices(r.Context(), claims.AccountID); err != nil {
		h.writeError(w, err)
		return
	}
	h.clearRefreshCookie(w)
	h.writeSuccess(w, http.StatusOK, "Logged out on all devices", nil)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		h.writeError(w, ErrTokenMissing)
		return
	}
	var body changePasswordRequest
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.sessions.ChangePassword(r.Context(), claims.AccountID, body.CurrentPassword, body.NewPassword); err != nil {
		h.writeError(w, err)
		return
	}
	h.clearRefreshCookie(w)
	h.writeSuccess(w, http.StatusOK, "Password changed, sign in again", nil)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		h.writeError(w, ErrValidation.WithMessage("Invalid JSON body"))
		return false
	}
	return true
}

// bearer extracts the raw bearer token for endpoints that consume a pending
// token; the token is validated downstream by the registration flow.
func (h *Handler) bearer(w http.ResponseWriter, r *http.Request) (string, bool) {
	value := bearerToken(r)
	if value == "" {
		h.writeError(w, ErrTokenMissing)
		return "", false
	}
	return value, true
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(h.cookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func refreshCookieValue(r *http.Request) string {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func deviceInfo(r *http.Request) DeviceInfo {
	return DeviceInfo{
		UserAgent: r.UserAgent(),
		IPAddress: observability.ClientIP(r),
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (h *Handler) writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

// writeError maps taxonomy errors to their status and code; anything else is
// reported to Sentry and surfaced as an opaque internal error.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var coded *Error
	if errors.As(err, &coded) {
		writeJSON(w, coded.Status, envelope{Success: false, Message: coded.Message, Code: coded.Code})
		return
	}

	sentry.CaptureException(err)
	h.logger.Error("unhandled_request_error", map[string]any{"error": err.Error()})
	writeJSON(w, http.StatusInternalServerError, envelope{
		Success: false,
		Message: "Internal server error",
		Code:    "INTERNAL_ERROR",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
