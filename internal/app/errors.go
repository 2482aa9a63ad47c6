package app

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"orbit/api/internal/auth"
	"orbit/api/internal/blob"
	"orbit/api/internal/email"
	"orbit/api/internal/inference"
	"orbit/api/internal/rbac"
	"orbit/api/internal/store"
	"orbit/api/internal/usage"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	// RetryAfter is sent as the Retry-After header when positive.
	RetryAfter time.Duration
	cause      error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.cause
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func unauthenticated() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func notFound(what string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

// Quota codes.
const (
	codeFileCountLimit       = "FILE_COUNT_LIMIT"
	codeFileTooLarge         = "FILE_TOO_LARGE"
	codeUnsupportedFileType  = "UNSUPPORTED_FILE_TYPE"
	codeImageUploadRateLimit = "IMAGE_UPLOAD_RATE_LIMIT"
	codeChatRateLimit        = "CHAT_RATE_LIMIT"
	codeChatLifetimeLimit    = "CHAT_LIFETIME_LIMIT"
	codeRateLimited          = "RATE_LIMITED"
)

var quotaStatus = map[string]int{
	codeFileTooLarge:        http.StatusRequestEntityTooLarge,
	codeUnsupportedFileType: http.StatusUnsupportedMediaType,
	codeFileCountLimit:      http.StatusForbidden,
	codeChatLifetimeLimit:   http.StatusForbidden,
}

// quotaExceeded carries the violated limit and, when known, how long until a
// retry can succeed.
func quotaExceeded(code, message string, limit any, retryAfter time.Duration) *DomainError {
	status, ok := quotaStatus[code]
	if !ok {
		status = http.StatusTooManyRequests
	}
	details := map[string]any{"limit": limit}
	if retryAfter > 0 {
		retryAfter = time.Duration(math.Ceil(retryAfter.Seconds())) * time.Second
		details["retryAfterSeconds"] = int(retryAfter / time.Second)
	}
	err := domainError(status, code, message, details)
	err.RetryAfter = retryAfter
	return err
}

func upstreamError(message string, cause error) *DomainError {
	err := domainError(http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", message, nil)
	err.cause = cause
	return err
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var permErr *rbac.PermissionError
	if errors.As(err, &permErr) {
		return http.StatusForbidden, "FORBIDDEN", permErr.Error(), map[string]any{"permission": permErr.Permission}
	}
	var limitErr *usage.LimitError
	if errors.As(err, &limitErr) {
		return http.StatusForbidden, codeChatLifetimeLimit, limitErr.Error(), map[string]any{"limit": limitErr.Limit}
	}
	switch {
	case errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthenticated", nil
	case errors.Is(err, auth.ErrNoActiveOrganization):
		return http.StatusForbidden, "NO_ACTIVE_ORGANIZATION", "No active organization", nil
	case errors.Is(err, rbac.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, usage.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Concurrent update, retry the request", nil
	case errors.Is(err, email.ErrInvalidAddress):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid email address", nil
	case errors.Is(err, email.ErrNotConfigured):
		return http.StatusServiceUnavailable, "EMAIL_UNAVAILABLE", "Email delivery is not configured", nil
	case errors.Is(err, inference.ErrUpstream):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Upstream service unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
