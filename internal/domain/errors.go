package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error the sync pipeline can surface. Each layer
// translates lower-level failures into one of these kinds before returning to
// the orchestrator; the orchestrator alone maps kinds to terminal statuses.
type ErrorKind string

const (
	// KindConfigMissing - required configuration absent at startup. Fatal.
	KindConfigMissing ErrorKind = "config_missing"
	// KindCredentialCorrupt - credential blob failed to decrypt.
	KindCredentialCorrupt ErrorKind = "credential_corrupt"
	// KindMarketplaceTransient - retriable upstream error (5xx, 429, transport).
	KindMarketplaceTransient ErrorKind = "marketplace_transient"
	// KindMarketplaceInvalid - non-retriable upstream error (4xx other than 429).
	KindMarketplaceInvalid ErrorKind = "marketplace_invalid"
	// KindQuotaExceeded - spreadsheet quota exhausted.
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	// KindReconciliationMismatch - merge-time invariant warning, never fatal.
	KindReconciliationMismatch ErrorKind = "reconciliation_mismatch"
	// KindDeadline - soft or hard timeout elapsed.
	KindDeadline ErrorKind = "deadline"
	// KindCancelled - job terminated during shutdown drain.
	KindCancelled ErrorKind = "cancelled"
	// KindInternal - unexpected programming error.
	KindInternal ErrorKind = "internal"
)

// Error carries an ErrorKind alongside the wrapped cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error without a cause.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the ErrorKind from err. Unclassified errors are KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
