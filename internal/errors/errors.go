// Package errors classifies host failures so they can be counted and
// reported by kind.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"fleet-plex/internal/model"
)

// ErrorType represents the classification of errors
type ErrorType int

const (
	// SetupErrorType represents configuration, validation, or initialization errors
	SetupErrorType ErrorType = iota

	// ConnectionErrorType represents network, SSH or remoting connection errors
	ConnectionErrorType

	// AuthenticationErrorType represents authentication failures on either transport
	AuthenticationErrorType

	// ExecutionErrorType represents a command that ran and failed
	ExecutionErrorType

	// TimeoutErrorType represents timeout-related errors
	TimeoutErrorType

	// UnknownErrorType represents unclassified errors
	UnknownErrorType
)

var typeNames = map[ErrorType]string{
	SetupErrorType:          "setup",
	ConnectionErrorType:     "connection",
	AuthenticationErrorType: "authentication",
	ExecutionErrorType:      "execution",
	TimeoutErrorType:        "timeout",
}

// String returns a string representation of the error type
func (et ErrorType) String() string {
	if name, ok := typeNames[et]; ok {
		return name
	}
	return "unknown"
}

// ClassifiedError wraps an error with classification information
type ClassifiedError struct {
	Type     ErrorType
	Original error
	Message  string
}

// New creates a classified error of the given type
func New(t ErrorType, message string, original error) *ClassifiedError {
	return &ClassifiedError{Type: t, Original: original, Message: message}
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	if ce.Original != nil {
		return ce.Original.Error()
	}
	return "unknown error"
}

// Unwrap returns the original error for error unwrapping
func (ce *ClassifiedError) Unwrap() error {
	return ce.Original
}

// rule matches lowercased error text against one class. Rules are tried in
// order; the first hit wins, so authentication is checked before connection
// (SSH reports auth failures inside "handshake failed").
type rule struct {
	typ      ErrorType
	keywords []string
	match    func(msg string) bool
}

var rules = []rule{
	{
		typ: SetupErrorType,
		keywords: []string{
			"configuration", "invalid", "file not found", "directory not found",
			"parse error", "validation failed", "missing required", "unsupported",
			"malformed", "no script host", "no transport for",
		},
		match: func(msg string) bool {
			// "command not found" is a command failure, not a setup problem
			if strings.Contains(msg, "not found") && !strings.Contains(msg, "command not found") {
				return true
			}
			// Local key and known_hosts files, not remote auth
			return strings.Contains(msg, "permission denied") &&
				(strings.Contains(msg, "file") || strings.Contains(msg, "config") || strings.Contains(msg, "directory"))
		},
	},
	{
		typ: AuthenticationErrorType,
		keywords: []string{
			"authentication failed", "auth fail", "permission denied (publickey)",
			"no supported authentication methods", "key exchange failed",
			"hostkey verification failed", "host key mismatch", "unable to authenticate",
			"invalid user", "access denied", "login incorrect",
			// PowerShell remoting
			"logon failure", "access is denied", "username or password is incorrect",
		},
	},
	{
		typ: TimeoutErrorType,
		keywords: []string{
			"timeout", "timed out", "deadline exceeded",
		},
	},
	{
		typ: ConnectionErrorType,
		keywords: []string{
			"connection refused", "connection reset", "connection lost", "connection closed",
			"network unreachable", "no route to host", "host unreachable", "broken pipe",
			"connection aborted", "handshake failed", "protocol error", "unexpected eof",
			"connection dropped", "no such host",
			// PowerShell remoting
			"winrm cannot complete", "winrm client cannot", "connecting to remote server",
		},
	},
	{
		typ: ExecutionErrorType,
		keywords: []string{
			"command not found", "no such command", "execution failed",
			"process exited", "signal:", "killed", "terminated",
		},
	},
}

func (r rule) matches(msg string) bool {
	if r.match != nil && r.match(msg) {
		return true
	}
	for _, kw := range r.keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// Classify returns the class of an error message.
func Classify(msg string) ErrorType {
	msg = strings.ToLower(msg)
	for _, r := range rules {
		if r.matches(msg) {
			return r.typ
		}
	}
	return UnknownErrorType
}

// ClassifyError analyzes an error and returns its classification
func ClassifyError(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Type: Classify(err.Error()), Original: err}
}

// ClassifyResult classifies a failed host result. Non-zero exits with no
// transport error are execution errors.
func ClassifyResult(result model.CommandResult) ErrorType {
	if result.Status != model.ResultError {
		return UnknownErrorType
	}
	if result.Error == "" && result.ExitCode != nil {
		return ExecutionErrorType
	}
	return Classify(result.Error)
}

// ErrorCollector collects failed host results by class. Safe for concurrent use.
type ErrorCollector struct {
	mu     sync.Mutex
	errors map[ErrorType][]error
	count  int
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		errors: make(map[ErrorType][]error),
	}
}

// Add adds an error to the collector. Errors that already carry a
// classification keep it.
func (ec *ErrorCollector) Add(err error) {
	if err == nil {
		return
	}
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		ec.add(ce.Type, err)
		return
	}
	ec.add(ClassifyError(err).Type, err)
}

// AddResult records a failed host result under its classification. Other
// statuses are ignored.
func (ec *ErrorCollector) AddResult(result model.CommandResult) {
	if result.Status != model.ResultError {
		return
	}
	msg := result.Error
	if msg == "" && result.ExitCode != nil {
		msg = fmt.Sprintf("exit code %d", *result.ExitCode)
	}
	host := result.ConnectionName
	if host == "" {
		host = result.Hostname
	}
	ec.add(ClassifyResult(result), fmt.Errorf("%s: %s", host, msg))
}

func (ec *ErrorCollector) add(t ErrorType, err error) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.errors[t] = append(ec.errors[t], err)
	ec.count++
}

// Count returns the total number of errors
func (ec *ErrorCollector) Count() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.count
}

// CountByType returns the number of errors of a specific type
func (ec *ErrorCollector) CountByType(errorType ErrorType) int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.errors[errorType])
}

// ErrorsByType returns the errors of one class in the order they were added
func (ec *ErrorCollector) ErrorsByType(errorType ErrorType) []error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]error(nil), ec.errors[errorType]...)
}

// Types lists the classes with at least one error, in ErrorType order.
func (ec *ErrorCollector) Types() []ErrorType {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.types()
}

func (ec *ErrorCollector) types() []ErrorType {
	types := make([]ErrorType, 0, len(ec.errors))
	for t, errs := range ec.errors {
		if len(errs) > 0 {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Summary returns a one-line summary of all collected errors
func (ec *ErrorCollector) Summary() string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.count == 0 {
		return "no errors"
	}
	var parts []string
	for _, t := range ec.types() {
		parts = append(parts, fmt.Sprintf("%d %s", len(ec.errors[t]), t))
	}
	return fmt.Sprintf("total: %d errors (%s)", ec.count, strings.Join(parts, ", "))
}
