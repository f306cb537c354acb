package scrape

import (
	"errors"
	"fmt"

	"github.com/risunCode/downaria/internal/core/fetch"
	"github.com/risunCode/downaria/internal/core/media"
)

// ErrorCode enumerates every way a scrape can fail. Scrapers never throw
// across their public boundary; they return a failed Result carrying one of
// these codes plus a short human-readable message.
type ErrorCode string

const (
	ErrInvalidURL          ErrorCode = "INVALID_URL"
	ErrUnsupportedPlatform ErrorCode = "UNSUPPORTED_PLATFORM"
	ErrNotFound            ErrorCode = "NOT_FOUND"
	ErrNoMedia             ErrorCode = "NO_MEDIA"
	ErrPrivateContent      ErrorCode = "PRIVATE_CONTENT"
	ErrAgeRestricted       ErrorCode = "AGE_RESTRICTED"
	ErrCookieRequired      ErrorCode = "COOKIE_REQUIRED"
	ErrCookieExpired       ErrorCode = "COOKIE_EXPIRED"
	ErrCheckpointRequired  ErrorCode = "CHECKPOINT_REQUIRED"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
	ErrTimeout             ErrorCode = "TIMEOUT"
	ErrNetwork             ErrorCode = "NETWORK_ERROR"
	ErrAPI                 ErrorCode = "API_ERROR"
	ErrBlocked             ErrorCode = "BLOCKED"
	ErrUnknown             ErrorCode = "UNKNOWN"
)

// Retryable reports whether re-invoking the scrape may succeed without any
// change on the caller's side.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrNetwork, ErrTimeout, ErrRateLimited:
		return true
	}
	return false
}

// Result is the normalized output of any platform scraper and the sole
// contract handed to callers.
type Result struct {
	Success   bool        `json:"success"`
	Platform  string      `json:"platform,omitempty"`
	Data      *media.Info `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorCode ErrorCode   `json:"errorCode,omitempty"`
	Cached    bool        `json:"cached,omitempty"` // set by the cache layer, never by a scraper
}

// OK wraps a successful scrape.
func OK(platform string, info *media.Info) *Result {
	return &Result{Success: true, Platform: platform, Data: info}
}

// Failf builds a failed Result from a code and message.
func Failf(code ErrorCode, format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...), ErrorCode: code}
}

// FailErr converts a transport error into a failed Result, mapping timeouts
// onto their own code.
func FailErr(err error) *Result {
	if errors.Is(err, fetch.ErrTimeout) {
		return Failf(ErrTimeout, "request timed out")
	}
	return Failf(ErrNetwork, "request failed: %v", err)
}

// failStatus maps an HTTP status onto the taxonomy. Used after fetch helpers
// report a non-2xx response.
func failStatus(status int) *Result {
	switch status {
	case 401, 403:
		return Failf(ErrPrivateContent, "content is private or requires authentication")
	case 404, 410:
		return Failf(ErrNotFound, "content not found")
	case 429:
		return Failf(ErrRateLimited, "rate limited by platform")
	default:
		return Failf(ErrAPI, "platform returned status %d", status)
	}
}
