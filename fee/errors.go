/*
errors.go - Centralized error types for the fee engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure crossing the public API carries a stable string code so
  callers branch on Code, not on message text.

ERROR CATEGORIES:
  1. Engine errors - Structural calculation failures (invalid component,
     missing base field). The ledger treats any of these as a hard stop:
     no partial persistence.
  2. Ledger errors - Missing policy/entry, refund guard violations.
  3. Soft anomalies are NOT errors: they become Warnings on a successful
     result (unmatched tier, capless target).

USAGE:
  Callers can branch either way:

    if fee.CodeOf(err) == fee.CodeNoPolicy { ... }
    if errors.Is(err, fee.ErrNoPolicy) { ... }

SEE ALSO:
  - engine.go: Emits engine errors
  - ledger.go: Emits ledger errors
*/
package fee

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR CODES - Stable strings callers branch on
// =============================================================================

const (
	CodeMissingChannel   = "MISSING_CHANNEL"
	CodeMissingCallback  = "MISSING_CALLBACK"
	CodeNoPolicy         = "NO_POLICY"
	CodeEntryNotFound    = "ERR_LEDGER_ENTRY_NOT_FOUND"
	CodeNoBreakdown      = "ERR_NO_BREAKDOWN"
	CodeExceedsOriginal  = "ERR_EXCEEDS_ORIGINAL"
	CodeLineNotFound     = "ERR_LINE_NOT_FOUND"
	CodeCurrencyMismatch = "ERR_CURRENCY_MISMATCH"
	CodeInvalidComponent = "INVALID_COMPONENT"
	CodeMissingBaseField = "MISSING_BASE_FIELD"
	CodeStorage          = "ERR_STORAGE"
	CodeDuplicate        = "ERR_DUPLICATE_SIGNATURE"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoPolicy is returned when no policy resolves for a channel key
	// at the requested date.
	ErrNoPolicy = errors.New("no policy for channel")

	// ErrEntryNotFound is returned when a referenced ledger entry does
	// not exist.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrNoBreakdown is returned in strict mode when an adjustment needs
	// the original breakdown and the entry has none.
	ErrNoBreakdown = errors.New("original entry has no breakdown")

	// ErrExceedsOriginal is returned in strict mode when a refund amount
	// exceeds the original order base, or would drive the running net
	// fee below zero.
	ErrExceedsOriginal = errors.New("refund exceeds original")

	// ErrCurrencyMismatch is returned in strict mode when an adjustment
	// currency differs from the original entry's.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrLineNotFound is returned when a per-line refund references a
	// line id absent from the original entry.
	ErrLineNotFound = errors.New("line not found in original entry")

	// ErrMissingChannel is returned by Settle when the input carries no
	// channel key.
	ErrMissingChannel = errors.New("channel key is required")

	// ErrMissingCallback is returned when the ledger was built without a
	// collaborator the operation needs.
	ErrMissingCallback = errors.New("required collaborator not configured")

	// ErrDuplicateSignature is returned by storage adapters when an entry
	// with the same calculation signature already exists. Settle normally
	// short-circuits this via SignatureIndex; the constraint is the last
	// line of defense under concurrent settles.
	ErrDuplicateSignature = errors.New("entry with identical signature already exists")
)

// =============================================================================
// STRUCTURED ERROR - Carries the stable code
// =============================================================================

// Error is the typed failure crossing the public API.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the stable code from an error chain, or "".
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// coded wraps a sentinel with its code and a contextual message.
func coded(code string, sentinel error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: sentinel}
}

// IsClientError returns true if the error is due to invalid caller input
// rather than a storage or policy-data failure.
func IsClientError(err error) bool {
	switch CodeOf(err) {
	case CodeMissingChannel, CodeMissingCallback, CodeNoPolicy,
		CodeEntryNotFound, CodeNoBreakdown, CodeExceedsOriginal,
		CodeLineNotFound, CodeCurrencyMismatch:
		return true
	}
	return false
}
