package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job outcome kinds surfaced to callers. Compare with errors.Is.
var (
	ErrInvalidReference  = errors.New("invalid reference")
	ErrNoCredential      = errors.New("no full-access credential configured")
	ErrReferenceNotFound = errors.New("reference not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrThrottledTooLong  = errors.New("throttled too long")
	ErrTransferFailed    = errors.New("transfer failed")
)

// Provider signals.
var (
	// ErrTransportIncompatible means the primary sink cannot carry this
	// payload at all; the chunked fallback should be used instead.
	ErrTransportIncompatible = errors.New("transport incompatible")
	// ErrWrongShape means the reference resolved to nothing in this shape
	// and an alternate shape may succeed.
	ErrWrongShape = errors.New("reference shape not resolvable")
)

// Error is a terminal job failure: Kind is one of the Err* outcome kinds and
// Msg is the user-facing text.
type Error struct {
	Kind  error
	Msg   string
	Cause error
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// ThrottledError carries the platform's mandatory wait.
type ThrottledError struct {
	Wait time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("FloodWait: must wait %s", e.Wait)
}

// Error text emitted by platform client libraries when the primary send path
// cannot chunk a large payload.
var incompatibleSignatures = []string{
	"messages.SendMedia",
	"SaveBigFilePartRequest",
	"SendMediaRequest",
}

// IsTransportIncompatible reports whether err should trigger the fallback
// transport rather than a retry.
func IsTransportIncompatible(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransportIncompatible) {
		return true
	}
	msg := err.Error()
	if msg == "File size equals to 0 B" {
		return true
	}
	for _, sig := range incompatibleSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// TranslateError turns an error into the message shown to the user.
func TranslateError(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Msg
	}
	var throttled *ThrottledError
	if errors.As(err, &throttled) {
		return "too many requests, please try again later"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "download timed out, please retry"
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "doesn't contain any downloadable media"):
		return "this item has no downloadable media"
	case strings.Contains(lower, "file size"):
		return "file size error"
	case strings.Contains(lower, "timeout"):
		return "download timed out, please retry"
	case strings.Contains(msg, "FloodWait"):
		return "too many requests, please try again later"
	}
	return msg
}
