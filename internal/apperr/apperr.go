package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies domain errors so the transport layer can map them
// to HTTP status codes without string matching. These values also
// appear verbatim in response envelopes.
type Kind string

const (
	KindNotFound   Kind = "not_found"
	KindDuplicate  Kind = "duplicate"
	KindJobRunning Kind = "job_running_conflict"
	KindRobots     Kind = "robots_blocked"
	KindRateLimit  Kind = "rate_limited"
	KindScraping   Kind = "scraping"
	KindParsing    Kind = "parsing"
	KindEnrichment Kind = "enrichment"
	KindValidation Kind = "validation"
	KindInternal   Kind = "internal"
)

// Error is a tagged domain error. Operations return *Error for
// failures the caller is expected to branch on.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged error with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, defaulting to internal for
// untagged errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
