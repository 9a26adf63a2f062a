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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

const (
	vsn = "2.0"

	defaultWriteTimeout = 10 * time.Second // used if context has no deadline
)

var null = json.RawMessage("null")

// A value of this type can be a JSON-RPC request, notification, successful
// response or error response. Which one it is depends on the fields.
type Message struct {
	Version string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Error   *jsonError      `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// isNotification reports whether the message is a request without an id. The
// id key being absent is what makes a notification; "id":null is still a call.
func (msg *Message) isNotification() bool {
	return msg.ID == nil
}

func (msg *Message) isResponse() bool {
	return msg.Method == "" && (msg.Result != nil || msg.Error != nil)
}

func (msg *Message) hasValidVersion() bool {
	return msg.Version == vsn
}

// intID returns the message id as an integer. The second return value is false
// when the id is absent, null, or not an integer.
func (msg *Message) intID() (int, bool) {
	if msg.ID == nil {
		return 0, false
	}
	id, err := strconv.Atoi(string(msg.ID))
	if err != nil {
		return 0, false
	}
	return id, true
}

// String prints the message in JSON form, for logging.
func (msg *Message) String() string {
	b, _ := json.Marshal(msg)
	return string(b)
}

func (msg *Message) errorResponse(err error) *Message {
	resp := errorMessage(err)
	if msg.ID != nil {
		resp.ID = msg.ID
	}
	return resp
}

func (msg *Message) response(result interface{}) *Message {
	enc, err := json.Marshal(result)
	if err != nil {
		return msg.errorResponse(&internalServerError{errcodeMarshalError, err.Error()})
	}
	return &Message{Version: vsn, ID: msg.ID, Result: enc}
}

// errorMessage builds an error response with a null id. Callers echo the
// request id via errorResponse when one exists.
func errorMessage(err error) *Message {
	msg := &Message{Version: vsn, ID: null, Error: &jsonError{
		Code:    errcodeInternal,
		Message: err.Error(),
	}}
	ec, ok := err.(Error)
	if ok {
		msg.Error.Code = ec.ErrorCode()
	}
	de, ok := err.(DataError)
	if ok {
		msg.Error.Data = de.ErrorData()
	}
	return msg
}

type jsonError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (err *jsonError) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("json-rpc error %d", err.Code)
	}
	return err.Message
}

func (err *jsonError) ErrorCode() int {
	return err.Code
}

func (err *jsonError) ErrorData() interface{} {
	return err.Data
}

// Conn is a subset of the methods of net.Conn which are sufficient for ServerCodec.
type Conn interface {
	io.ReadWriteCloser
	SetWriteDeadline(time.Time) error
}

type deadlineCloser interface {
	io.Closer
	SetWriteDeadline(time.Time) error
}

// ConnRemoteAddr wraps the RemoteAddr operation, which returns a description
// of the peer address of a connection. If a Conn also implements ConnRemoteAddr,
// this description is used in log messages.
type ConnRemoteAddr interface {
	RemoteAddr() string
}

// ServerCodec reads and writes JSON-RPC messages on the underlying connection.
// Each codec owns its own receive buffer, so connections never share framing
// state. A readMessage error of type *parseError means one incoming frame was
// unusable while the connection itself is still healthy; any other error ends
// the connection.
type ServerCodec interface {
	readMessage() (*Message, error)
	writeMessage(ctx context.Context, msg *Message) error
	close()
	closed() <-chan interface{}
	remoteAddr() string
}

// jsonCodec wires pluggable encode/decode functions into the ServerCodec
// contract, so newline framing and per-frame transports (WebSocket) share all
// other machinery.
type jsonCodec struct {
	remote  string
	closer  sync.Once
	closeCh chan interface{}
	decode  decodeFunc
	encMu   sync.Mutex // guards the encoder
	encode  encodeFunc
	conn    deadlineCloser
}

type encodeFunc = func(msg *Message) error

type decodeFunc = func() (*Message, error)

// NewFuncCodec creates a codec which uses the given functions to read and
// write. If conn implements ConnRemoteAddr, log messages will use it to
// include the remote address of the connection.
func NewFuncCodec(conn deadlineCloser, encode encodeFunc, decode decodeFunc) ServerCodec {
	codec := &jsonCodec{
		closeCh: make(chan interface{}),
		encode:  encode,
		decode:  decode,
		conn:    conn,
	}
	if ra, ok := conn.(ConnRemoteAddr); ok {
		codec.remote = ra.RemoteAddr()
	}
	return codec
}

// NewCodec creates a newline-framed codec on the given connection: one JSON
// object per message, terminated by a single '\n'. If conn implements
// ConnRemoteAddr, log messages will use it to include the remote address of
// the connection.
func NewCodec(conn Conn) ServerCodec {
	buf := bufio.NewReader(conn)
	encode := func(msg *Message) error {
		enc, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		enc = append(enc, '\n')
		_, err = conn.Write(enc)
		return err
	}
	decode := func() (*Message, error) {
		// Skip empty and whitespace-only lines before decoding. The final
		// unterminated fragment of a closed stream is discarded as well.
		for {
			line, err := buf.ReadBytes('\n')
			if err != nil {
				return nil, err
			}
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			return parseMessage(line)
		}
	}
	return NewFuncCodec(conn, encode, decode)
}

// parseMessage parses raw bytes as a single JSON-RPC message. Malformed JSON
// and non-object payloads are rejected with a *parseError, never a panic.
func parseMessage(raw []byte) (*Message, error) {
	if !isObject(raw) {
		return nil, &parseError{"message is not a JSON object"}
	}
	msg := new(Message)
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, &parseError{err.Error()}
	}
	return msg, nil
}

// isObject returns true when the first non-whitespace character is '{'.
func isObject(raw []byte) bool {
	for _, c := range raw {
		// skip insignificant whitespace (http://www.ietf.org/rfc/rfc4627.txt)
		if c == 0x20 || c == 0x09 || c == 0x0a || c == 0x0d {
			continue
		}
		return c == '{'
	}
	return false
}

func (c *jsonCodec) readMessage() (*Message, error) {
	return c.decode()
}

func (c *jsonCodec) writeMessage(ctx context.Context, msg *Message) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	c.conn.SetWriteDeadline(deadline)
	return c.encode(msg)
}

func (c *jsonCodec) close() {
	c.closer.Do(func() {
		close(c.closeCh)
		c.conn.Close()
	})
}

// closed returns a channel which is closed when close is called.
func (c *jsonCodec) closed() <-chan interface{} {
	return c.closeCh
}

func (c *jsonCodec) remoteAddr() string {
	return c.remote
}
