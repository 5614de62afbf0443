// Package fault defines the settlement error taxonomy.
//
// Every error that leaves the settlement service is a *Error carrying one of
// the kinds below, so callers can branch on the kind without string matching.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a settlement failure
type Kind int

const (
	InternalError Kind = iota
	InvalidInput
	ProvisioningFailed
	BalanceAssuranceFailed
	AlreadySettled
	TradeNotFound
	TradeRefunded
	LedgerTimeout
	LedgerRejected
)

var kindNames = map[Kind]string{
	InternalError:          "InternalError",
	InvalidInput:           "InvalidInput",
	ProvisioningFailed:     "ProvisioningFailed",
	BalanceAssuranceFailed: "BalanceAssuranceFailed",
	AlreadySettled:         "AlreadySettled",
	TradeNotFound:          "TradeNotFound",
	TradeRefunded:          "TradeRefunded",
	LedgerTimeout:          "LedgerTimeout",
	LedgerRejected:         "LedgerRejected",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Retryable reports whether an operation failing with this kind may be
// attempted again. Fund-moving callers must still re-read trade state first.
func (k Kind) Retryable() bool {
	return k == ProvisioningFailed || k == LedgerTimeout
}

// Error is a classified failure
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so sentinel comparisons like
// errors.Is(err, &fault.Error{Kind: fault.AlreadySettled}) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// New creates an error of the given kind
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates an error of the given kind with a formatted message
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. Context deadline errors are always
// reported as LedgerTimeout regardless of the requested kind.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = LedgerTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, LedgerTimeout
// for bare deadline errors, and InternalError otherwise.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return LedgerTimeout
	}
	return InternalError
}

// IsRetryable reports whether err is classified as retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
