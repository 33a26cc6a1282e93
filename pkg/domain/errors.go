package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies lifecycle errors so callers can branch on kind
// without matching message strings.
type ErrorKind string

// Error kinds surfaced by the lifecycle engine.
const (
	// KindInvalidTransition: requested action not defined for the current state.
	KindInvalidTransition ErrorKind = "INVALID_TRANSITION"
	// KindGuardNotSatisfied: a transition guard condition is unmet.
	KindGuardNotSatisfied ErrorKind = "GUARD_NOT_SATISFIED"
	// KindUnauthorized: actor role is not in the transition capability set.
	KindUnauthorized ErrorKind = "UNAUTHORIZED"
	// KindConcurrentModification: optimistic version or lock conflict.
	KindConcurrentModification ErrorKind = "CONCURRENT_MODIFICATION"
	// KindLedgerAppendFailure: the audit append failed; submission state is unchanged.
	KindLedgerAppendFailure ErrorKind = "LEDGER_APPEND_FAILURE"
	// KindIntegrityViolation: chain verification mismatch; operator alert path.
	KindIntegrityViolation ErrorKind = "INTEGRITY_VIOLATION"
	// KindNoPendingOffer: approve/reject without a PENDING pricing offer.
	KindNoPendingOffer ErrorKind = "NO_PENDING_OFFER"
	// KindNotFound: referenced record does not exist.
	KindNotFound ErrorKind = "NOT_FOUND"
	// KindValidation: input failed validation before any state change.
	KindValidation ErrorKind = "VALIDATION"
)

// Error is the structured error carried across the lifecycle engine.
type Error struct {
	Kind         ErrorKind
	Message      string
	SubmissionID string
	From         Status
	Action       Action
	// Condition names the unmet guard condition for GuardNotSatisfied.
	Condition string
	// Seq is the first broken chain sequence for IntegrityViolation.
	Seq uint64
	Err error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

// Unwrap exposes the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind so sentinel comparison works with
// errors.Is against a bare &Error{Kind: ...}.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the error kind, or empty string for foreign errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// NewInvalidTransition builds the error returned for (state, action) pairs
// absent from the transition table.
func NewInvalidTransition(submissionID string, from Status, action Action) *Error {
	return &Error{
		Kind:         KindInvalidTransition,
		Message:      fmt.Sprintf("action %q is not defined for state %s", action, from),
		SubmissionID: submissionID,
		From:         from,
		Action:       action,
	}
}

// NewGuardNotSatisfied builds the error returned when a guard blocks a
// transition; condition names the unmet requirement.
func NewGuardNotSatisfied(submissionID string, action Action, condition string) *Error {
	return &Error{
		Kind:         KindGuardNotSatisfied,
		Message:      condition,
		SubmissionID: submissionID,
		Action:       action,
		Condition:    condition,
	}
}

// NewUnauthorized builds the error returned for role mismatches.
func NewUnauthorized(submissionID string, role Role, action Action) *Error {
	return &Error{
		Kind:         KindUnauthorized,
		Message:      fmt.Sprintf("role %s may not perform %q", role, action),
		SubmissionID: submissionID,
		Action:       action,
	}
}

// NewConcurrentModification builds the error returned after bounded retries
// fail to acquire a consistent view of the submission.
func NewConcurrentModification(submissionID string) *Error {
	return &Error{
		Kind:         KindConcurrentModification,
		Message:      fmt.Sprintf("submission %s was modified concurrently", submissionID),
		SubmissionID: submissionID,
	}
}

// NewLedgerAppendFailure wraps a storage failure during the audit append.
// The submission state is guaranteed unchanged.
func NewLedgerAppendFailure(submissionID string, err error) *Error {
	return &Error{
		Kind:         KindLedgerAppendFailure,
		Message:      fmt.Sprintf("audit append failed for submission %s", submissionID),
		SubmissionID: submissionID,
		Err:          err,
	}
}

// NewIntegrityViolation reports the first broken link found during chain
// verification. Never auto-corrected.
func NewIntegrityViolation(submissionID string, seq uint64) *Error {
	return &Error{
		Kind:         KindIntegrityViolation,
		Message:      fmt.Sprintf("audit chain broken for submission %s at seq %d", submissionID, seq),
		SubmissionID: submissionID,
		Seq:          seq,
	}
}

// NewNoPendingOffer builds the error returned when approve/reject finds no
// PENDING offer.
func NewNoPendingOffer(submissionID string) *Error {
	return &Error{
		Kind:         KindNoPendingOffer,
		Message:      fmt.Sprintf("submission %s has no pending pricing offer", submissionID),
		SubmissionID: submissionID,
	}
}

// NewNotFound builds the error returned for missing records.
func NewNotFound(entity EntityType, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %s not found", entity, id),
	}
}

// NewValidation builds the error returned when input fails validation
// before any state change.
func NewValidation(format string, args ...any) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: fmt.Sprintf(format, args...),
	}
}
