/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package httpcore

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// ErrorKind classifies the errors httpcore can surface. Only
// ErrorKindConnectionNotAvailable is ever recovered internally (by pool
// retry); every other kind is surfaced to the caller.
type ErrorKind string

const (
	ErrorKindConnectionNotAvailable ErrorKind = "connection_not_available"
	ErrorKindUnsupportedProtocol    ErrorKind = "unsupported_protocol"
	ErrorKindConnectError           ErrorKind = "connect_error"
	ErrorKindConnectTimeout         ErrorKind = "connect_timeout"
	ErrorKindReadError              ErrorKind = "read_error"
	ErrorKindReadTimeout            ErrorKind = "read_timeout"
	ErrorKindWriteError             ErrorKind = "write_error"
	ErrorKindWriteTimeout           ErrorKind = "write_timeout"
	ErrorKindLocalProtocolError     ErrorKind = "local_protocol_error"
	ErrorKindRemoteProtocolError    ErrorKind = "remote_protocol_error"
	ErrorKindProxyError             ErrorKind = "proxy_error"
	ErrorKindPoolTimeout            ErrorKind = "pool_timeout"
)

// Error is the typed error httpcore returns. Op names the component/method
// that first observed the failure (e.g. "h1.Connection.HandleRequest").
type Error struct {
	Kind   ErrorKind
	Op     string
	Status int    // set only for ErrorKindProxyError
	Reason string // set only for ErrorKindProxyError
	err    error
}

func (e *Error) Error() string {
	if e.Kind == ErrorKindProxyError {
		return e.Op + ": proxy error: " + e.Reason
	}
	if e.err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// NewError wraps cause (which may be nil) with a stack-annotated error of
// the given kind, recorded as originating from op.
func NewError(kind ErrorKind, op string, cause error) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, op)
	}
	return &Error{Kind: kind, Op: op, err: wrapped}
}

// NewProxyError builds an ErrorKindProxyError carrying the CONNECT
// response's status and reason phrase.
func NewProxyError(op string, status int, reason string) *Error {
	return &Error{Kind: ErrorKindProxyError, Op: op, Status: status, Reason: reason}
}

// IsKind reports whether err is an *Error (at any wrap depth) of kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
