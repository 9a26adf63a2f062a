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
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/panelbus/go-panelbus/log"
)

var emptyParams = json.RawMessage("{}")

// HandlerFunc is an application-supplied function bound to a method name.
// It receives the request's params object ({} when the request carried none)
// and returns a result value or an error. An error implementing Error turns
// into an error response with that code and message; any other error or a
// panic is reported as an internal error.
type HandlerFunc func(params json.RawMessage) (interface{}, error)

// Dispatcher maps method names to handlers and turns requests into responses.
// It is safe for concurrent use by multiple connections.
type Dispatcher struct {
	logger log.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher logging through the given logger.
// A nil logger discards.
func NewDispatcher(logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Discard()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a method name. The last registration for a name
// wins; overwriting is not an error.
func (d *Dispatcher) Register(name string, handler HandlerFunc) {
	d.mu.Lock()
	d.handlers[name] = handler
	d.mu.Unlock()
	d.logger.Debug("Registered RPC method", "method", name)
}

// Methods returns the names of all registered methods in sorted order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) lookup(name string) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[name]
	return h, ok
}

// Handle validates a decoded request and executes its handler. It returns the
// response message for calls and nil for notifications. Validation order is
// part of the protocol contract:
//
//  1. The version must be "2.0". Anything else is InvalidRequest, answered
//     even when the message has no id (the response id is null then).
//  2. A message without an id is a notification; every further failure on a
//     notification is dropped silently.
//  3. The method must be non-empty, else InvalidRequest.
//  4. The method must be registered, else MethodNotFound.
//  5. Params, when present, must be a JSON object, else InvalidParams.
//
// A wrong-version message is rejected before the notification check, so the
// version error wins over an unknown method.
func (d *Dispatcher) Handle(msg *Message) *Message {
	if !msg.hasValidVersion() {
		d.logger.Warn("Invalid RPC request", "err", "jsonrpc version mismatch", "version", msg.Version)
		return msg.errorResponse(&invalidRequestError{"jsonrpc version must be \"2.0\""})
	}

	notification := msg.isNotification()

	if msg.Method == "" {
		d.logger.Warn("Invalid RPC request", "err", "method missing")
		if notification {
			return nil
		}
		return msg.errorResponse(&invalidRequestError{"method missing"})
	}

	handler, ok := d.lookup(msg.Method)
	if !ok {
		d.logger.Warn("RPC method not found", "method", msg.Method)
		if notification {
			return nil
		}
		return msg.errorResponse(&methodNotFoundError{msg.Method})
	}

	params := msg.Params
	if params == nil {
		params = emptyParams
	} else if !isObject(params) {
		d.logger.Warn("Invalid RPC params", "method", msg.Method, "err", "params must be an object")
		if notification {
			return nil
		}
		return msg.errorResponse(&invalidParamsError{"params must be an object"})
	}

	result, err := d.invoke(handler, msg.Method, params)
	if notification {
		return nil
	}
	if err != nil {
		return msg.errorResponse(err)
	}
	return msg.response(result)
}

// invoke runs the handler, converting a panic into an internal error. The
// transport loop must survive any handler fault.
func (d *Dispatcher) invoke(handler HandlerFunc, method string, params json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			d.logger.Error("RPC method "+method+" crashed: "+fmt.Sprintf("%v\n%s", r, buf))
			err = &internalServerError{errcodePanic, "method handler crashed"}
		}
	}()

	result, err = handler(params)
	if err != nil {
		if _, ok := err.(Error); !ok {
			// Untyped handler failures map to the internal error code.
			err = &internalServerError{errcodeInternal, err.Error()}
		}
		return nil, err
	}
	return result, nil
}
