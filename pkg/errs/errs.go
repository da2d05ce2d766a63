// Package errs defines the error taxonomy shared by the ledger, tier store,
// retrieval engine and approval gate.
//
// Every error crossing the core boundary is an *Error carrying a Kind (how the
// caller should react) and a Code (what happened). Sentinel errors let callers
// match codes with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers are expected to handle it.
type Kind string

const (
	// KindValidation is malformed or missing input. Never retried.
	KindValidation Kind = "validation"
	// KindIntegrity is a chain or hash verification failure. Fatal.
	KindIntegrity Kind = "integrity"
	// KindConflict is a rejected request: duplicate content, four-eyes, weak evidence.
	KindConflict Kind = "conflict"
	// KindResource is a lock timeout, full disk or size cap. Retry with backoff.
	KindResource Kind = "resource"
	// KindNotFound is an unknown proposal or record id.
	KindNotFound Kind = "not_found"
)

// Code identifies a specific failure.
type Code string

const (
	CodeInvalidInput      Code = "invalid_input"
	CodeDuplicateDetected Code = "duplicate_detected"
	CodeFourEyes          Code = "four_eyes_violation"
	CodeWeakEvidence      Code = "weak_evidence"
	CodePiiUnresolved     Code = "pii_unresolved"
	CodeDuplicate         Code = "duplicate"
	CodeGateRequired      Code = "gate_required"
	CodeInvalidState      Code = "invalid_state"
	CodeBusy              Code = "busy"
	CodeLockTimeout       Code = "lock_timeout"
	CodeFileTooLarge      Code = "file_too_large"
	CodeRateLimited       Code = "rate_limited"
	CodeIO                Code = "io"
	CodeChainBroken       Code = "chain_broken"
	CodeCorruptTail       Code = "corrupt_tail"
	CodeHalted            Code = "halted"
	CodeNotFound          Code = "not_found"
)

var kindByCode = map[Code]Kind{
	CodeInvalidInput:      KindValidation,
	CodeDuplicateDetected: KindConflict,
	CodeFourEyes:          KindConflict,
	CodeWeakEvidence:      KindConflict,
	CodePiiUnresolved:     KindConflict,
	CodeDuplicate:         KindConflict,
	CodeGateRequired:      KindConflict,
	CodeInvalidState:      KindConflict,
	CodeBusy:              KindResource,
	CodeLockTimeout:       KindResource,
	CodeFileTooLarge:      KindResource,
	CodeRateLimited:       KindResource,
	CodeIO:                KindResource,
	CodeChainBroken:       KindIntegrity,
	CodeCorruptTail:       KindIntegrity,
	CodeHalted:            KindIntegrity,
	CodeNotFound:          KindNotFound,
}

var (
	// ErrDuplicateDetected is returned when a ledger append repeats the previous record.
	ErrDuplicateDetected = &Error{Code: CodeDuplicateDetected, Kind: KindConflict}

	// ErrFourEyesViolation is returned when the approver is the proposer.
	ErrFourEyesViolation = &Error{Code: CodeFourEyes, Kind: KindConflict}

	// ErrWeakEvidence is returned when reference count or source diversity checks failed.
	ErrWeakEvidence = &Error{Code: CodeWeakEvidence, Kind: KindConflict}

	// ErrPiiUnresolved is returned when PII was flagged and no redaction was supplied.
	ErrPiiUnresolved = &Error{Code: CodePiiUnresolved, Kind: KindConflict}

	// ErrDuplicate is returned when approved content already exists in the permanent tier.
	ErrDuplicate = &Error{Code: CodeDuplicate, Kind: KindConflict}

	// ErrGateRequired is returned when a permanent-tier write lacks a matching gate token.
	ErrGateRequired = &Error{Code: CodeGateRequired, Kind: KindConflict}

	// ErrInvalidState is returned for transitions out of a terminal state.
	ErrInvalidState = &Error{Code: CodeInvalidState, Kind: KindConflict}

	// ErrBusy is returned when another writer holds a proposal claim.
	ErrBusy = &Error{Code: CodeBusy, Kind: KindResource}

	// ErrLockTimeout is returned when a file lock cannot be acquired in time.
	ErrLockTimeout = &Error{Code: CodeLockTimeout, Kind: KindResource}

	// ErrFileTooLarge is returned when an append would exceed the file size cap.
	ErrFileTooLarge = &Error{Code: CodeFileTooLarge, Kind: KindResource}

	// ErrRateLimited is returned when an actor exceeds its request budget.
	ErrRateLimited = &Error{Code: CodeRateLimited, Kind: KindResource}

	// ErrChainBroken is returned when a stored hash does not recompute.
	ErrChainBroken = &Error{Code: CodeChainBroken, Kind: KindIntegrity}

	// ErrCorruptTail is returned when a ledger file ends in an unparseable line.
	ErrCorruptTail = &Error{Code: CodeCorruptTail, Kind: KindIntegrity}

	// ErrHalted is returned for writes while an integrity incident is open.
	ErrHalted = &Error{Code: CodeHalted, Kind: KindIntegrity}

	// ErrNotFound is returned for unknown ids.
	ErrNotFound = &Error{Code: CodeNotFound, Kind: KindNotFound}

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = &Error{Code: CodeInvalidInput, Kind: KindValidation}
)

// Error is the concrete error type returned by core operations.
type Error struct {
	Kind    Kind
	Code    Code
	Op      string
	Message string
	Err     error
}

// New creates an error for code; the kind is derived from the code.
func New(op string, code Code, format string, args ...any) *Error {
	return &Error{
		Kind:    KindOf(code),
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches a code and operation to err. A nil err yields nil.
func Wrap(op string, code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(code), Code: code, Op: op, Err: err}
}

// Validation is shorthand for an invalid_input error.
func Validation(op, format string, args ...any) *Error {
	return New(op, CodeInvalidInput, format, args...)
}

// KindOf returns the kind associated with code.
func KindOf(code Code) Kind {
	if k, ok := kindByCode[code]; ok {
		return k
	}
	return KindResource
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so errors.Is(err, errs.ErrWeakEvidence) works
// for any error carrying that code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindFor reports the kind of err; errors outside the taxonomy are resources.
func KindFor(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindResource
}

// CodeFor reports the code of err, or CodeIO for foreign errors.
func CodeFor(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeIO
}

// Normalize converts any error into an *Error so nothing foreign crosses the
// core boundary.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return Wrap(op, CodeIO, err)
}
