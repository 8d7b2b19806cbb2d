package redemption

import "net/http"

// Error codes returned by the redemption protocol. Stable strings; clients
// branch on them to decide whether to re-prompt, retry or give up.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeExpired           = "EXPIRED"
	CodePinRequired       = "PIN_REQUIRED"
	CodePinExpired        = "PIN_EXPIRED"
	CodePinIncorrect      = "PIN_INCORRECT"
	CodePinInvalidFormat  = "PIN_INVALID_FORMAT"
	CodeAuthRequired      = "AUTH_REQUIRED"
	CodeForbidden         = "FORBIDDEN"
	CodeViewLimitExceeded = "VIEW_LIMIT_EXCEEDED"
	CodeFileMissing       = "FILE_MISSING"
	CodeInvalidRecipient  = "INVALID_RECIPIENT"
	CodeInvalidKind       = "INVALID_KIND"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeCodeExhausted     = "CODE_EXHAUSTED"
	CodeFileTooLarge      = "FILE_TOO_LARGE"
	CodeTooManyAttempts   = "TOO_MANY_ATTEMPTS"
	CodeInternal          = "INTERNAL"
)

// Error is a protocol failure with a stable code.
type Error struct {
	Code    string
	Message string

	// PinProtected is set on PIN_REQUIRED so clients can render a PIN
	// prompt instead of a terminal failure.
	PinProtected bool

	// RetryAfter is set on TOO_MANY_ATTEMPTS: seconds until the limiter
	// admits another attempt. Surfaced as the Retry-After header.
	RetryAfter int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// StatusCode maps the protocol code to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeExpired, CodeViewLimitExceeded:
		return http.StatusGone
	case CodePinRequired, CodeAuthRequired:
		return http.StatusUnauthorized
	case CodePinIncorrect, CodePinExpired, CodeForbidden:
		return http.StatusForbidden
	case CodePinInvalidFormat, CodeInvalidRecipient, CodeInvalidKind,
		CodeInvalidRequest, CodeFileTooLarge:
		return http.StatusBadRequest
	case CodeFileMissing:
		return http.StatusConflict
	case CodeTooManyAttempts:
		return http.StatusTooManyRequests
	case CodeCodeExhausted, CodeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}
