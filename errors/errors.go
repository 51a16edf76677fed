// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

// Package errors defines the error taxonomy shared by the dispatch
// subsystem and its transports.
//
// Every error that can reach a client carries a stable numeric code.
// The codes reuse standard errno values where one fits, plus custom
// codes starting at 201 for conditions the OS has no name for.  The
// distinct error types here form a tagged union: admission failures
// (TooManyCallsError), resolution failures (MethodNotFoundError),
// parameter problems (ValidationError, ValidationErrors), expected
// application failures (CallError) and everything else
// (InternalError, which captures a stack).  Use errors.As from the
// standard library to discriminate.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Errno values reused from the OS error table plus custom dispatch
// codes.  The custom range starts at 201 to stay clear of every
// platform errno.
const (
	EPERM        = 1
	ENOENT       = 2
	EAGAIN       = 11
	EACCES       = 13
	EEXIST       = 17
	EINVAL       = 22
	EBADMSG      = 74
	ETOOMANYREFS = 109

	ENOMETHOD            = 201
	ESERVICESTARTFAILURE = 202
)

var errnames = map[int]string{
	EPERM:                "EPERM",
	ENOENT:               "ENOENT",
	EAGAIN:               "EAGAIN",
	EACCES:               "EACCES",
	EEXIST:               "EEXIST",
	EINVAL:               "EINVAL",
	EBADMSG:              "EBADMSG",
	ETOOMANYREFS:         "ETOOMANYREFS",
	ENOMETHOD:            "ENOMETHOD",
	ESERVICESTARTFAILURE: "ESERVICESTARTFAILURE",
}

// Errname returns the symbolic name for an error code, or "EUNKNOWN"
// if the code is not in the table.
func Errname(code int) string {
	if name, ok := errnames[code]; ok {
		return name
	}
	return "EUNKNOWN"
}

// CallError is an expected application failure raised intentionally
// by a method, e.g. "not found" or "already exists".  It carries a
// numeric code, a human-readable reason, and optional structured
// extra data for the client.
type CallError struct {
	Code   int
	Reason string
	Extra  interface{}
}

func (e *CallError) Error() string {
	return e.Reason
}

// NewCallError creates a CallError with a formatted reason.
func NewCallError(code int, format string, args ...interface{}) *CallError {
	return &CallError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// MethodNotFoundError is returned from registry lookups for an
// unknown service or method.  Its code is always ENOMETHOD.
type MethodNotFoundError struct {
	Service string
	Method  string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("Method %q not found in %q", e.Method, e.Service)
}

// Errno returns ENOMETHOD.
func (e *MethodNotFoundError) Errno() int {
	return ENOMETHOD
}

// TooManyCallsError is returned when a session hits its hard
// concurrent-call limit.  The call is rejected before dispatch.
type TooManyCallsError struct {
	Limit int
}

func (e *TooManyCallsError) Error() string {
	return fmt.Sprintf("Maximum number of concurrent calls (%d) has exceeded.", e.Limit)
}

// ValidationError describes a single structural problem with one
// call parameter.
type ValidationError struct {
	Attribute string
	Message   string
	Code      int
}

func (e *ValidationError) Error() string {
	attribute := e.Attribute
	if attribute == "" {
		attribute = "ALL"
	}
	return fmt.Sprintf("[%s] %s: %s", Errname(e.Code), attribute, e.Message)
}

// ValidationErrors aggregates field-level problems so a client can
// highlight every offending parameter at once.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "\n")
}

// Add appends a field error.
func (e *ValidationErrors) Add(attribute, message string, code int) {
	*e = append(*e, &ValidationError{Attribute: attribute, Message: message, Code: code})
}

// InternalError wraps an unexpected failure together with the stack
// captured at the point it surfaced.  Clients see it as a generic
// EINVAL error unless they opted into full tracebacks.
type InternalError struct {
	Err   error
	Stack string
}

func (e *InternalError) Error() string {
	return e.Err.Error()
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// Errno extracts the stable numeric code from any error in the
// taxonomy.  Unexpected errors map to EINVAL.
func Errno(err error) int {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Code
	}
	var notFound *MethodNotFoundError
	if errors.As(err, &notFound) {
		return ENOMETHOD
	}
	var tooMany *TooManyCallsError
	if errors.As(err, &tooMany) {
		return ETOOMANYREFS
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation.Code
	}
	var validations ValidationErrors
	if errors.As(err, &validations) {
		return EAGAIN
	}
	return EINVAL
}
