package domain

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

var (
	// ErrCredential means the token is missing, revoked or cannot be refreshed. Never retried.
	ErrCredential = errors.New("mailbox credentials invalid or expired")

	// ErrCursorInvalid means the stored sync cursor is no longer accepted by the provider.
	ErrCursorInvalid = errors.New("sync cursor expired or invalid")

	// ErrTransient marks rate limits, 5xx and timeouts.
	ErrTransient = errors.New("transient provider error")

	ErrNotFound            = errors.New("not found on provider")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// StatusError wraps an HTTP status from a provider that has no typed client errors.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return http.StatusText(e.StatusCode) + ": " + e.Message
}

// ClassifyStatus maps an HTTP status code to the error taxonomy.
func ClassifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrCredential
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusGone:
		return ErrCursorInvalid
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return ErrTransient
	}
	return nil
}

// IsCredential reports whether err is a credential failure.
func IsCredential(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCredential) {
		return true
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		// The token endpoint itself may be down; only 4xx means the grant is unusable.
		return retrieveErr.Response == nil || retrieveErr.Response.StatusCode < 500
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusUnauthorized
	}
	var sErr *StatusError
	if errors.As(err, &sErr) {
		return errors.Is(ClassifyStatus(sErr.StatusCode), ErrCredential)
	}
	return false
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	if err == nil || IsCredential(err) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		if gErr.Code == http.StatusForbidden {
			// Gmail reports per-user quota as 403 with a rateLimitExceeded reason.
			for _, item := range gErr.Errors {
				if strings.Contains(item.Reason, "RateLimitExceeded") || strings.Contains(item.Reason, "rateLimitExceeded") {
					return true
				}
			}
			return false
		}
		return errors.Is(ClassifyStatus(gErr.Code), ErrTransient)
	}
	var sErr *StatusError
	if errors.As(err, &sErr) {
		return errors.Is(ClassifyStatus(sErr.StatusCode), ErrTransient)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
