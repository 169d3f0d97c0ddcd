package security

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
)

// ErrorCode represents a standardized error code for API responses
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeMethod       ErrorCode = "METHOD_NOT_ALLOWED"
)

var statusByCode = map[ErrorCode]int{
	ErrCodeInternal:     http.StatusInternalServerError,
	ErrCodeInvalidInput: http.StatusBadRequest,
	ErrCodeUnauthorized: http.StatusUnauthorized,
	ErrCodeForbidden:    http.StatusForbidden,
	ErrCodeRateLimit:    http.StatusTooManyRequests,
	ErrCodeTimeout:      http.StatusGatewayTimeout,
	ErrCodeNotFound:     http.StatusNotFound,
	ErrCodeMethod:       http.StatusMethodNotAllowed,
}

// SecureError is a transport error safe to return to clients.
type SecureError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewSecureError creates an error with a fixed client-facing message.
func NewSecureError(code ErrorCode, message string) *SecureError {
	return &SecureError{Code: code, Message: message}
}

// Error implements the error interface
func (e *SecureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the code to a response status.
func (e *SecureError) HTTPStatus() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// SanitizeError logs err with secrets redacted and returns a generic
// internal error for the client.
func SanitizeError(ctx context.Context, logger *slog.Logger, err error) *SecureError {
	if err == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "internal error", "err", RedactSecrets(err.Error()))
	return &SecureError{Code: ErrCodeInternal, Message: "An internal error occurred"}
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{8,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/\-]{8,}=*`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret)=([^&\s]+)`),
	regexp.MustCompile(`(?i)(postgres(?:ql)?|redis)://[^:\s]+:[^@\s]+@`),
}

// RedactSecrets removes credentials that commonly leak into error text,
// such as API keys, bearer tokens and passwords in connection strings.
func RedactSecrets(msg string) string {
	for i, re := range secretPatterns {
		switch i {
		case 2:
			msg = re.ReplaceAllString(msg, "$1=[REDACTED]")
		case 3:
			msg = re.ReplaceAllString(msg, "$1://[REDACTED]@")
		default:
			msg = re.ReplaceAllString(msg, "[REDACTED]")
		}
	}
	return msg
}

// MaskSecret masks a secret for logging purposes
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}

// MaskSender hides all but the last four digits of a phone address.
func MaskSender(sender string) string {
	s := NormalizeSender(sender)
	if len(s) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
