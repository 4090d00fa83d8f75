// Package providers holds the clients of the external generation services.
// Each client maps provider failures onto ErrQuotaExceeded and ErrNotFound so
// callers can decide on retries without reading response bodies.
package providers

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrQuotaExceeded = errors.New("provider quota exceeded")
	ErrNotFound      = errors.New("provider resource not found")
)

// HTTPError is a non-2xx answer from a provider.
type HTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, truncate(e.Body, 512))
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrQuotaExceeded:
		return e.Status == 429 || isQuotaText(e.Body)
	case ErrNotFound:
		return e.Status == 404
	}
	return false
}

func isQuotaText(s string) bool {
	return strings.Contains(s, "RESOURCE_EXHAUSTED") || strings.Contains(s, "Quota exceeded")
}

// IsQuota reports quota exhaustion, including errors that only carry it in
// their message.
func IsQuota(err error) bool {
	return err != nil && (errors.Is(err, ErrQuotaExceeded) || isQuotaText(err.Error()))
}

// IsNotFound reports a missing remote resource. Providers sometimes answer
// 404 for an operation that is not visible yet.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "404") || strings.Contains(msg, "Not Found")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
