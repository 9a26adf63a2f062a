// Copyright 2025 The go-panelbus Authors
// This file is part of the go-panelbus library.
//
// The go-panelbus library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-panelbus library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-panelbus library. If not, see <http://www.gnu.org/licenses/>.

package rpc

import (
	"errors"
	"fmt"
)

// ErrServerStopped is returned when serving is attempted on a stopped server.
var ErrServerStopped = errors.New("server stopped")

// Error wraps RPC errors, which contain an error code in addition to the message.
type Error interface {
	Error() string  // returns the message
	ErrorCode() int // returns the code
}

// A DataError contains some data in addition to the error message.
type DataError interface {
	Error() string          // returns the message
	ErrorData() interface{} // returns the error data
}

// Error types defined below are the built-in JSON-RPC errors.

var (
	_ Error = new(methodNotFoundError)
	_ Error = new(parseError)
	_ Error = new(invalidRequestError)
	_ Error = new(invalidParamsError)
	_ Error = new(internalServerError)
	_ Error = new(appError)
	_ Error = new(transportError)
	_ Error = new(timeoutError)
)

const (
	errcodeTransport    = -32000
	errcodeTimeout      = -32002
	errcodePanic        = -32603
	errcodeInternal     = -32603
	errcodeMarshalError = -32603
)

const errMsgTimeout = "request timed out"

// Application error codes occupy -60000..-60199, organized by subsystem.
// Clients branch on these bands, so a compatible backend must preserve them.
const (
	// Generic application errors.
	ErrcodeNotImplemented   = -60000
	ErrcodeBusy             = -60001
	ErrcodeOperationTimeout = -60002
	ErrcodePermissionDenied = -60003

	// Parameter and state errors.
	ErrcodeMissingParameter  = -60010
	ErrcodeBadParameterType  = -60011
	ErrcodeBadParameterValue = -60012
	ErrcodeInvalidState      = -60013

	// Serial device errors.
	ErrcodeSerialNotOpened   = -60100
	ErrcodeSerialOpenFailed  = -60101
	ErrcodeSerialWriteFailed = -60102
	ErrcodeSerialReadFailed  = -60103

	// CAN device errors.
	ErrcodeCanNotOpened      = -60120
	ErrcodeCanOpenFailed     = -60121
	ErrcodeCanWriteFailed    = -60122
	ErrcodeCanReadFailed     = -60123
	ErrcodeCanPayloadTooLong = -60124
	ErrcodeCanInvalidId      = -60125
)

// NewError creates an application-level error carrying the given code. Handlers
// return these to produce a structured error response instead of a result.
func NewError(code int, message string) Error {
	return &appError{code: code, message: message}
}

type appError struct {
	code    int
	message string
}

func (e *appError) ErrorCode() int { return e.code }

func (e *appError) Error() string { return e.message }

// Invalid JSON was received.
type parseError struct{ message string }

func (e *parseError) ErrorCode() int { return -32700 }

func (e *parseError) Error() string { return e.message }

// received message isn't a valid request
type invalidRequestError struct{ message string }

func (e *invalidRequestError) ErrorCode() int { return -32600 }

func (e *invalidRequestError) Error() string { return e.message }

type methodNotFoundError struct{ method string }

func (e *methodNotFoundError) ErrorCode() int { return -32601 }

func (e *methodNotFoundError) Error() string {
	return fmt.Sprintf("the method %s does not exist/is not available", e.method)
}

// unable to decode supplied params, or params of the wrong shape
type invalidParamsError struct{ message string }

func (e *invalidParamsError) ErrorCode() int { return -32602 }

func (e *invalidParamsError) Error() string { return e.message }

// internalServerError is used for server errors during request processing.
type internalServerError struct {
	code    int
	message string
}

func (e *internalServerError) ErrorCode() int { return e.code }

func (e *internalServerError) Error() string { return e.message }

// transportError reports connect, write and mid-stream decode failures on the
// client side. It is local to one engine instance and never transmitted.
type transportError struct{ message string }

func (e *transportError) ErrorCode() int { return errcodeTransport }

func (e *transportError) Error() string { return e.message }

// timeoutError is synthesized by the client when a call's timer fires before
// the correlated response arrives. It is never transmitted.
type timeoutError struct{}

func (e *timeoutError) ErrorCode() int { return errcodeTimeout }

func (e *timeoutError) Error() string { return errMsgTimeout }

// IsTimeout reports whether err is a client-local call timeout.
func IsTimeout(err error) bool {
	_, ok := err.(*timeoutError)
	return ok
}
