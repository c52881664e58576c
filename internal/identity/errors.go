package identity

import "net/http"

// Error is a recoverable-by-caller failure with a stable machine-readable
// code and an HTTP status. Two Errors match under errors.Is when their codes
// are equal, so sentinel instances below can be compared against copies
// carrying customized messages.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessage returns a copy of the error carrying a different human message.
func (e *Error) WithMessage(message string) *Error {
	return &Error{Code: e.Code, Status: e.Status, Message: message}
}

var (
	ErrInvalidCredentials = &Error{Code: "INVALID_CREDENTIALS", Status: http.StatusUnauthorized, Message: "Invalid username or password"}
	ErrEmailNotVerified   = &Error{Code: "EMAIL_NOT_VERIFIED", Status: http.StatusForbidden, Message: "Email address not verified"}
	ErrAccountBanned      = &Error{Code: "ACCOUNT_BANNED", Status: http.StatusForbidden, Message: "Account has been banned"}
	ErrAccountDeleted     = &Error{Code: "ACCOUNT_DELETED", Status: http.StatusForbidden, Message: "Account has been deleted"}
	ErrAccountLocked      = &Error{Code: "ACCOUNT_LOCKED", Status: http.StatusForbidden, Message: "Account is temporarily locked"}

	ErrTokenMissing = &Error{Code: "TOKEN_MISSING", Status: http.StatusUnauthorized, Message: "Authentication token is missing"}
	ErrTokenExpired = &Error{Code: "TOKEN_EXPIRED", Status: http.StatusUnauthorized, Message: "Authentication token has expired"}
	ErrTokenInvalid = &Error{Code: "INVALID_TOKEN", Status: http.StatusUnauthorized, Message: "Invalid authentication token"}
	ErrTokenRevoked = &Error{Code: "TOKEN_REVOKED", Status: http.StatusUnauthorized, Message: "Authentication token has been revoked"}

	ErrAlreadyExists = &Error{Code: "RESOURCE_ALREADY_EXISTS", Status: http.StatusConflict, Message: "Resource already exists"}
	ErrNotFound      = &Error{Code: "RESOURCE_NOT_FOUND", Status: http.StatusNotFound, Message: "Resource not found"}
	ErrBusiness      = &Error{Code: "BUSINESS_ERROR", Status: http.StatusConflict, Message: "Operation not allowed in the current state"}
	ErrInvalidCode   = &Error{Code: "INVALID_VERIFICATION_CODE", Status: http.StatusBadRequest, Message: "Invalid verification code"}
	ErrValidation    = &Error{Code: "VALIDATION_ERROR", Status: http.StatusBadRequest, Message: "Validation failed"}
)
