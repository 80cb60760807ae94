package evidence

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can tell which stage of the pipeline
// went wrong.
type Kind string

// Upload failures.
const (
	KindNetworkFailure Kind = "network_failure"
	KindSourceMissing  Kind = "source_missing"
)

// Commit failures.
const (
	KindUploadFailed      Kind = "upload_failed"
	KindInvalidIdentifier Kind = "invalid_identifier"
	KindLedgerRejected    Kind = "ledger_rejected"
	KindLedgerUnconfirmed Kind = "ledger_unconfirmed"
	KindDuplicateContent  Kind = "duplicate_content"
)

// Ledger gateway failures.
const (
	KindRejectedByLedger  Kind = "rejected_by_ledger"
	KindNotFound          Kind = "not_found"
	KindLedgerUnavailable Kind = "ledger_unavailable"
)

// Aggregation failures.
const (
	KindPartialReadFailure Kind = "partial_read_failure"
)

// Operations that produce an *Error.
const (
	OpUpload    = "upload"
	OpCommit    = "commit"
	OpLedger    = "ledger"
	OpAggregate = "aggregate"
)

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrNetworkFailure     = &Error{Kind: KindNetworkFailure}
	ErrSourceMissing      = &Error{Kind: KindSourceMissing}
	ErrUploadFailed       = &Error{Kind: KindUploadFailed}
	ErrInvalidIdentifier  = &Error{Kind: KindInvalidIdentifier}
	ErrLedgerRejected     = &Error{Kind: KindLedgerRejected}
	ErrLedgerUnconfirmed  = &Error{Kind: KindLedgerUnconfirmed}
	ErrDuplicateContent   = &Error{Kind: KindDuplicateContent}
	ErrRejectedByLedger   = &Error{Kind: KindRejectedByLedger}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrLedgerUnavailable  = &Error{Kind: KindLedgerUnavailable}
	ErrPartialReadFailure = &Error{Kind: KindPartialReadFailure}
)

// Error is the structured error surfaced by every externally visible
// operation. Reason is human readable; Err is the underlying cause, if any.
type Error struct {
	Op     string
	Kind   Kind
	Reason string
	Err    error
}

// NewError builds an *Error.
func NewError(op string, kind Kind, reason string, err error) *Error {
	return &Error{Op: op, Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain, or the
// empty kind when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the reason of the outermost *Error in err's chain, falling
// back to err.Error().
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
