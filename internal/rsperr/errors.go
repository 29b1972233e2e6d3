// Package rsperr defines the error taxonomy shared by every component of the
// hunk parser and RSP client. It adapts the teacher's category+code+context
// StandardError shape (internal/errors/standard.go) to the kinds fixed by
// the debugger spec instead of the memory-safety categories it originally
// carried.
package rsperr

import "fmt"

// Kind is one of the closed set of error kinds a debugger operation can fail
// with. It replaces ErrorCategory from the teacher's errors package.
type Kind string

const (
	// Protocol covers checksum mismatches, unexpected packet classes and a
	// MINUS acknowledgement from the stub.
	Protocol Kind = "PROTOCOL"
	// RemoteError covers any E<hh> reply from the stub.
	RemoteError Kind = "REMOTE_ERROR"
	// Timeout covers a request whose matching reply never arrived in time.
	Timeout Kind = "TIMEOUT"
	// Disconnected covers a transport closed while a request was pending or
	// before connect completed.
	Disconnected Kind = "DISCONNECTED"
	// InvalidFormat covers a hunk file the parser rejected.
	InvalidFormat Kind = "INVALID_FORMAT"
	// NotFound covers a source-map query that failed to resolve.
	NotFound Kind = "NOT_FOUND"
	// Argument covers a caller precondition violation.
	Argument Kind = "ARGUMENT"
)

// Error is the concrete error type returned by every exported operation in
// this module. Context carries structured detail for logging without
// forcing every caller to format it into the message string up front.
type Error struct {
	Context map[string]interface{}
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
	}

	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// New builds an Error of the given kind with an optional context map.
func New(kind Kind, code, message string, context map[string]interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Context: context}
}

// Is reports whether err is an *Error of the given kind, so callers can
// branch with errors.Is-style checks without a type assertion.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)

	return ok && e.Kind == kind
}

// remoteCodeTable maps the two-hex codes of an E<hh> reply to a
// human-readable message, per spec §7 ("E01"…"E41").
var remoteCodeTable = map[string]string{
	"E01": "unknown request",
	"E02": "malformed packet data",
	"E03": "no such breakpoint",
	"E04": "breakpoint already set",
	"E05": "no such register",
	"E06": "memory access out of range",
	"E07": "write to read-only memory",
	"E08": "invalid thread id",
	"E09": "invalid frame index",
	"E0A": "resume while not stopped",
	"E0B": "stub busy",
	"E20": "invalid address",
	"E21": "segment not loaded",
	"E41": "operation not supported",
}

// RemoteErrorFromCode builds a RemoteError Error from a stub-supplied two
// hex digit code (the part following 'E' in an E<hh> reply), falling back
// to a generic message for codes outside the fixed table.
func RemoteErrorFromCode(code string) *Error {
	key := "E" + code

	msg, ok := remoteCodeTable[key]
	if !ok {
		msg = fmt.Sprintf("Error code received: '%s'", key)
	}

	return New(RemoteError, key, msg, nil)
}
