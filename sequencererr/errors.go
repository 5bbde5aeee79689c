// Package sequencererr defines the error taxonomy shared by every layer of
// the sequencer: validation, conflict, absence, gone, root-age, proof, and
// infrastructure failures. Handlers at the API boundary map a Kind to a
// transport status code; everything below the API constructs a *Error
// directly instead of returning ad-hoc errors.
package sequencererr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies an error for the purposes of the external API and the
// retry/backoff policy of the background tasks.
type Kind int

const (
	// KindInfrastructure covers database, network, and other transient
	// failures a task should retry after backing off.
	KindInfrastructure Kind = iota
	// KindValidation covers malformed or out-of-field input.
	KindValidation
	// KindConflict covers a commitment that is already present in the tree.
	KindConflict
	// KindAbsence covers a commitment that does not exist where one was
	// expected (e.g. deleting an identity never inserted).
	KindAbsence
	// KindGone covers a request against a root that has been pruned from
	// the root history window.
	KindGone
	// KindRootAge covers a proof request against a root older than the
	// configured root history expiry, distinct from KindGone because the
	// root is still known, just outside the acceptance window.
	KindRootAge
	// KindProof covers a malformed or failing Semaphore proof.
	KindProof
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAbsence:
		return "absence"
	case KindGone:
		return "gone"
	case KindRootAge:
		return "root_age"
	case KindProof:
		return "proof"
	default:
		return "infrastructure"
	}
}

// Error is the concrete error type returned across package boundaries. It
// wraps cockroachdb/errors so every Error carries a captured stack trace
// usable from the Infrastructure path's logs.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// New builds a Kind-tagged error with a captured stack trace.
func New(kind Kind, format string, args ...any) *Error {
	return newWithMessage(kind, fmt.Sprintf(format, args...))
}

func newWithMessage(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: errors.NewWithDepth(1, msg)}
}

// Wrap tags an underlying error with a Kind, preserving its stack if it
// already carries one (cockroachdb/errors propagates the deepest trace).
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, msg: msg, err: errors.WrapWithDepth(1, err, msg)}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == kind
}

// Validation, Conflict, Absence, Gone, RootAge, Proof and Infrastructure are
// convenience constructors used at call sites instead of spelling out New.
func Validation(format string, args ...any) *Error {
	return newWithMessage(KindValidation, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return newWithMessage(KindConflict, fmt.Sprintf(format, args...))
}

func Absence(format string, args ...any) *Error {
	return newWithMessage(KindAbsence, fmt.Sprintf(format, args...))
}

func Gone(format string, args ...any) *Error {
	return newWithMessage(KindGone, fmt.Sprintf(format, args...))
}

func RootAge(format string, args ...any) *Error {
	return newWithMessage(KindRootAge, fmt.Sprintf(format, args...))
}

func Proof(format string, args ...any) *Error {
	return newWithMessage(KindProof, fmt.Sprintf(format, args...))
}

func Infrastructure(err error, format string, args ...any) *Error {
	return Wrap(KindInfrastructure, err, fmt.Sprintf(format, args...))
}
