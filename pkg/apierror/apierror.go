// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apierror defines the error taxonomy shared by the master's HTTP
// surface and its clients (relays, agents, operator tooling). Every error
// that crosses the wire renders as a {code, message} body with a fixed
// HTTP status per code.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code identifies a wire-visible error category.
type Code string

const (
	CodeMissingParameter Code = "MissingParameter"
	CodeInvalidArgument  Code = "InvalidArgument"
	CodeResourceNotFound Code = "ResourceNotFound"
	CodeGone             Code = "Gone"
	CodeInternalError    Code = "InternalError"
	CodeMultiError       Code = "MultiError"
)

// statusFor maps each code to its HTTP status. Validation failures render
// as 409 rather than 400 so that clients can distinguish them from
// transport-level malformed requests.
func statusFor(c Code) int {
	switch c {
	case CodeMissingParameter, CodeInvalidArgument:
		return http.StatusConflict
	case CodeResourceNotFound:
		return http.StatusNotFound
	case CodeGone:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error envelope. MultiError responses additionally carry
// the individual errors in order.
type Body struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Errors  []Body `json:"errors,omitempty"`
}

// Error is a categorized error. The zero value is not valid; use the
// constructors below.
type Error struct {
	code    Code
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the wire code of the error.
func (e *Error) Code() Code { return e.code }

// MissingParameterf reports a required field or parameter that was absent.
func MissingParameterf(format string, args ...interface{}) *Error {
	return &Error{code: CodeMissingParameter, message: fmt.Sprintf(format, args...)}
}

// InvalidArgumentf reports a present but unacceptable value. Authorization
// denials use this code as well.
func InvalidArgumentf(format string, args ...interface{}) *Error {
	return &Error{code: CodeInvalidArgument, message: fmt.Sprintf(format, args...)}
}

// NotFoundf reports an addressable resource that does not exist.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{code: CodeResourceNotFound, message: fmt.Sprintf(format, args...)}
}

// Gonef reports a resource that existed once and was removed.
func Gonef(format string, args ...interface{}) *Error {
	return &Error{code: CodeGone, message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure. The cause is preserved for logs
// but the wire message carries only the given summary.
func Internal(cause error, format string, args ...interface{}) *Error {
	return &Error{code: CodeInternalError, message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the wire code of err, unwrapping as needed. Errors
// outside the taxonomy report as InternalError.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.code
	}
	var me *MultiError
	if errors.As(err, &me) {
		return CodeMultiError
	}
	return CodeInternalError
}

// StatusOf returns the HTTP status err renders with.
func StatusOf(err error) int {
	var me *MultiError
	if errors.As(err, &me) {
		return me.status()
	}
	return statusFor(CodeOf(err))
}

// BodyOf builds the JSON envelope for err. Internal errors are flattened
// to a generic message so that causes never leak to clients.
func BodyOf(err error) Body {
	var me *MultiError
	if errors.As(err, &me) {
		b := Body{Code: CodeMultiError, Message: me.Error()}
		for _, e := range me.errs {
			b.Errors = append(b.Errors, BodyOf(e))
		}
		return b
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.code == CodeInternalError {
			return Body{Code: CodeInternalError, Message: ae.message}
		}
		return Body{Code: ae.code, Message: ae.message}
	}
	return Body{Code: CodeInternalError, Message: "internal error"}
}

func IsMissingParameter(err error) bool { return CodeOf(err) == CodeMissingParameter }
func IsInvalidArgument(err error) bool  { return CodeOf(err) == CodeInvalidArgument }
func IsNotFound(err error) bool         { return CodeOf(err) == CodeResourceNotFound }
func IsGone(err error) bool             { return CodeOf(err) == CodeGone }

// MultiError aggregates the per-item failures of a batch operation while
// the remaining items proceed.
type MultiError struct {
	errs []error
}

// Append records err. Appending nil is a no-op.
func (m *MultiError) Append(err error) {
	if err != nil {
		m.errs = append(m.errs, err)
	}
}

// Err folds the aggregate: nil when nothing was recorded, the sole error
// unwrapped when exactly one was, and the MultiError itself otherwise.
func (m *MultiError) Err() error {
	switch len(m.errs) {
	case 0:
		return nil
	case 1:
		return m.errs[0]
	default:
		return m
	}
}

// Errors returns the recorded errors in append order.
func (m *MultiError) Errors() []error { return m.errs }

func (m *MultiError) Error() string {
	msgs := make([]string, 0, len(m.errs))
	for _, e := range m.errs {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("%d errors occurred: %s", len(m.errs), strings.Join(msgs, "; "))
}

// status returns the shared status of the inner errors, or 409 when they
// disagree.
func (m *MultiError) status() int {
	if len(m.errs) == 0 {
		return http.StatusInternalServerError
	}
	s := StatusOf(m.errs[0])
	for _, e := range m.errs[1:] {
		if StatusOf(e) != s {
			return http.StatusConflict
		}
	}
	return s
}
