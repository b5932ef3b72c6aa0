package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrExhausted matches any *ExhaustedError via errors.Is.
var ErrExhausted = errors.New("retries exhausted")

// ExhaustedError is returned when the final attempt failed with a transient error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted %d retries, last error: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// StatusError carries a remote status code, such as an HTTP response status.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return "status " + strconv.Itoa(e.Code)
	}
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Transient lets an error classify itself.
type Transient interface {
	Transient() bool
}

var transientCodes = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

var transientPatterns = []string{
	"timeout",
	"connection",
	"temporary",
	"unavailable",
	"rate limit",
	"too many requests",
	"server error",
}

// IsTransientCode reports whether a remote status code is worth retrying.
func IsTransientCode(code int) bool {
	return transientCodes[code]
}

// IsTransient is the default classifier. An error is transient when it says so itself,
// carries a retryable status code, is a deadline or network timeout, or its message
// names a retryable status code or one of the known transient conditions.
// Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	var se *StatusError
	if errors.As(err, &se) {
		return IsTransientCode(se.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return MessageIsTransient(err.Error())
}

// MessageIsTransient scans free text for retryable status codes and keywords.
func MessageIsTransient(msg string) bool {
	for code := range transientCodes {
		if strings.Contains(msg, strconv.Itoa(code)) {
			return true
		}
	}
	lower := strings.ToLower(msg)
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
