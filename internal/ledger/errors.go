package ledger

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Ledger-reported error codes
const (
	CodeAccountNotFound   = "AccountNotFound"
	CodeAccountInUse      = "AccountInUse"
	CodeInvalidState      = "InvalidState"
	CodeInsufficientFunds = "InsufficientFunds"
	CodeRefunded          = "Refunded"
	CodeMissingSigner     = "MissingSigner"
	CodeInvalidAccount    = "InvalidAccount"
	CodeUnavailable       = "Unavailable"
	CodeRejected          = "Rejected"
)

// Error is a failure reported by the ledger, with the program logs of the
// failed transaction when there are any
type Error struct {
	Code    string
	Message string
	Logs    []string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "ledger error: " + e.Code
	}
	return fmt.Sprintf("ledger error %s: %s", e.Code, e.Message)
}

func NewError(code, message string, logs ...string) *Error {
	return &Error{Code: code, Message: message, Logs: logs}
}

// CodeOf returns the ledger code in err's chain, or "" if err is not a
// ledger error
func CodeOf(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

var allocateInUse = regexp.MustCompile(`Allocate: account Address \{ address: ([1-9A-HJ-NP-Za-km-z]+)`)

// ConflictingAddress scans transaction logs for the allocation failure the
// ledger emits when an account is initialised twice and returns the address
// it names.
func ConflictingAddress(err error) (string, bool) {
	var le *Error
	if !errors.As(err, &le) {
		return "", false
	}
	for _, line := range le.Logs {
		if !strings.Contains(line, "Allocate: account Address") {
			continue
		}
		if m := allocateInUse.FindStringSubmatch(line); len(m) == 2 {
			return m[1], true
		}
	}
	return "", false
}

// AllocateInUseLog renders the log line for an already initialised account
func AllocateInUseLog(address string) string {
	return fmt.Sprintf("Allocate: account Address { address: %s, base: None } already in use", address)
}
