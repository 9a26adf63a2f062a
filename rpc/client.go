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
	"net"
	"sync"
	"time"

	"github.com/panelbus/go-panelbus/log"
)

const (
	// maxRequestID is the largest request id handed out before the counter
	// wraps back to 1. Ids stay well inside the range every JSON number
	// representation can hold exactly.
	maxRequestID = 2_000_000_000

	// DefaultConnectTimeout bounds the TCP dial when none is configured.
	DefaultConnectTimeout = 1500 * time.Millisecond

	// DefaultCallTimeout is used by calls issued with a zero timeout.
	DefaultCallTimeout = 1500 * time.Millisecond
)

// Callback receives the outcome of an asynchronous call. Exactly one of
// result and err is set. When the server answered with an error object, err
// satisfies the Error interface and carries the server's code.
type Callback func(result json.RawMessage, err error)

// Client is a JSON-RPC client for newline-delimited connections. It issues
// requests with unique ids, matches responses back to their callers and
// reports transport-level problems through the configured handler. A Client
// is safe for concurrent use; calls from multiple goroutines share the
// connection and are answered independently, in whatever order the server
// produces.
type Client struct {
	endpoint       string
	connectTimeout time.Duration
	logger         log.Logger
	dial           func(ctx context.Context) (net.Conn, error)

	onConnect        func()
	onDisconnect     func()
	onTransportError func(err error)
	onNotification   func(method string, params json.RawMessage)

	mu      sync.Mutex
	conn    net.Conn
	nextID  int
	pending map[int]*pendingCall
	closing bool
}

// pendingCall tracks one in-flight request. Asynchronous calls carry cb and a
// timeout timer; synchronous calls carry resp instead and handle the timeout
// at the call site. An entry is removed from the pending table before its
// outcome is delivered, so delivery happens at most once. A nil message on
// resp means the connection died before a response arrived.
type pendingCall struct {
	method string
	cb     Callback
	resp   chan *Message
	timer  *time.Timer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(logger log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithConnectTimeout bounds connection establishment.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.connectTimeout = d }
}

// WithDialer replaces the default TCP dialer. This is how in-process and pipe
// transports attach a client.
func WithDialer(dial func(ctx context.Context) (net.Conn, error)) ClientOption {
	return func(c *Client) { c.dial = dial }
}

// WithConnectHandler installs a hook invoked after a connection is
// established.
func WithConnectHandler(fn func()) ClientOption {
	return func(c *Client) { c.onConnect = fn }
}

// WithDisconnectHandler installs a hook invoked when the connection goes
// away, whether through Close or a transport failure.
func WithDisconnectHandler(fn func()) ClientOption {
	return func(c *Client) { c.onDisconnect = fn }
}

// WithTransportErrorHandler installs a hook for transport problems that
// cannot be attributed to a specific call, such as unparseable data arriving
// on the connection.
func WithTransportErrorHandler(fn func(err error)) ClientOption {
	return func(c *Client) { c.onTransportError = fn }
}

// WithNotificationHandler installs a handler for notifications pushed by the
// server. Without one, pushed notifications are dropped.
func WithNotificationHandler(fn func(method string, params json.RawMessage)) ClientOption {
	return func(c *Client) { c.onNotification = fn }
}

// NewClient creates a client for the given TCP endpoint. An empty endpoint
// selects DefaultEndpoint. The client does not connect until Connect is
// called or the first call forces a connection attempt.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{
		endpoint:       endpoint,
		connectTimeout: DefaultConnectTimeout,
		logger:         log.Discard(),
		nextID:         1,
		pending:        make(map[int]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		c.dial = func(ctx context.Context) (net.Conn, error) {
			d := &net.Dialer{}
			return d.DialContext(ctx, "tcp", c.endpoint)
		}
	}
	return c
}

// Connect establishes the connection if there is none.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.conn != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()
	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Debug("RPC connect failed", "endpoint", c.endpoint, "err", err)
		return &transportError{message: "connect: " + err.Error()}
	}
	c.conn = conn
	c.closing = false
	c.logger.Debug("Connected to RPC server", "endpoint", c.endpoint)
	go c.readLoop(conn)
	if c.onConnect != nil {
		go c.onConnect()
	}
	return nil
}

// Connected reports whether the client currently holds a connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close tears down the connection. In-flight async calls are abandoned
// without a callback; their ids are simply forgotten. Blocked synchronous
// calls return with a transport error.
func (c *Client) Close() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Call performs a synchronous request and blocks until the response arrives
// or timeout elapses. A zero timeout selects DefaultCallTimeout.
func (c *Client) Call(method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	pc := &pendingCall{method: method, resp: make(chan *Message, 1)}
	id, err := c.send(method, params, pc)
	if err != nil {
		return nil, err
	}
	select {
	case msg := <-pc.resp:
		return responseOutcome(msg)
	case <-time.After(timeout):
	}
	// The response may have been delivered while the timer fired. If the
	// entry is gone from the pending table, an outcome is guaranteed to be
	// in the channel; take it instead of reporting a timeout.
	c.mu.Lock()
	_, stillPending := c.pending[id]
	if stillPending {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !stillPending {
		msg := <-pc.resp
		return responseOutcome(msg)
	}
	c.logger.Debug("RPC call timed out", "method", method, "id", id)
	return nil, &timeoutError{}
}

// CallAsync issues a request and returns its id immediately. The callback
// runs on the client's read goroutine once the response arrives, or with a
// timeout error if none does within the given timeout. On connect or write
// failure CallAsync returns -1 and the callback, if any, receives the
// transport error. A nil callback discards the outcome. A zero timeout
// selects DefaultCallTimeout.
func (c *Client) CallAsync(method string, params interface{}, cb Callback, timeout time.Duration) int {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	pc := &pendingCall{method: method, cb: cb}
	id, err := c.send(method, params, pc)
	if err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return -1
	}
	c.mu.Lock()
	if _, ok := c.pending[id]; ok {
		pc.timer = time.AfterFunc(timeout, func() { c.abandonAfterTimeout(id) })
	}
	c.mu.Unlock()
	return id
}

// Notify sends a notification. No id is assigned and no response will come
// back.
func (c *Client) Notify(method string, params interface{}) error {
	msg := &Message{Version: vsn, Method: method}
	if err := msg.setParams(params); err != nil {
		return err
	}
	c.mu.Lock()
	if err := c.connectLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.writeLocked(msg); err != nil {
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		terr := &transportError{message: "write: " + err.Error()}
		c.notifyTransportError(terr)
		return terr
	}
	c.mu.Unlock()
	return nil
}

// send registers the pending call and writes the request. It returns the
// assigned id. Registration happens before the write so a fast response
// cannot race past the pending table.
func (c *Client) send(method string, params interface{}, pc *pendingCall) (int, error) {
	msg := &Message{Version: vsn, Method: method}
	if err := msg.setParams(params); err != nil {
		return 0, err
	}

	c.mu.Lock()
	if err := c.connectLocked(); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	id := c.nextID
	c.nextID++
	if c.nextID > maxRequestID {
		c.nextID = 1
	}
	idJSON, _ := json.Marshal(id)
	msg.ID = idJSON
	c.pending[id] = pc

	if err := c.writeLocked(msg); err != nil {
		delete(c.pending, id)
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		terr := &transportError{message: "write: " + err.Error()}
		c.notifyTransportError(terr)
		return 0, terr
	}
	c.mu.Unlock()
	return id, nil
}

func (c *Client) writeLocked(msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	body = append(body, '\n')
	_, err = c.conn.Write(body)
	return err
}

func (msg *Message) setParams(params interface{}) error {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return &invalidParamsError{message: err.Error()}
	}
	msg.Params = raw
	return nil
}

// abandonAfterTimeout delivers a timeout to an async call. If the entry has
// already left the pending table, the response won and nothing happens.
func (c *Client) abandonAfterTimeout(id int) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Debug("RPC call timed out", "method", pc.method, "id", id)
	if pc.cb != nil {
		pc.cb(nil, &timeoutError{})
	}
}

// readLoop receives newline-delimited messages until the connection dies.
func (c *Client) readLoop(conn net.Conn) {
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadBytes('\n')
		if len(line) > 0 {
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				c.handleLine(trimmed)
			}
		}
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
	}
}

func (c *Client) handleLine(line []byte) {
	msg, err := parseMessage(line)
	if err != nil {
		// Bad data on an established connection is surfaced as an
		// uncorrelated transport error; it cannot be tied to any call.
		c.logger.Debug("Invalid message from server", "err", err)
		c.notifyTransportError(&transportError{message: "invalid message: " + err.Error()})
		return
	}
	switch {
	case msg.isResponse():
		c.dispatchResponse(msg)
	case msg.isNotification() && msg.Method != "":
		if c.onNotification != nil {
			c.onNotification(msg.Method, msg.Params)
		} else {
			c.logger.Trace("Dropping unhandled notification", "method", msg.Method)
		}
	default:
		c.logger.Trace("Dropping unexpected message", "msg", msg.String())
	}
}

func (c *Client) dispatchResponse(msg *Message) {
	id, ok := msg.intID()
	if !ok {
		if msg.Error != nil {
			// The server answers an unparseable frame with an error response
			// carrying a null id. No call can claim it, so it is surfaced as
			// an uncorrelated transport error.
			c.logger.Debug("Server rejected a frame", "err", msg.Error)
			c.notifyTransportError(msg.Error)
			return
		}
		c.logger.Trace("Dropping response with unknown id shape", "msg", msg.String())
		return
	}
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if pc.timer != nil {
			pc.timer.Stop()
		}
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Trace("Dropping response with no pending call", "id", id)
		return
	}
	if pc.resp != nil {
		pc.resp <- msg
		return
	}
	if pc.cb != nil {
		result, err := responseOutcome(msg)
		pc.cb(result, err)
	}
}

// handleDisconnect cleans up after the read loop stops. Pending async calls
// are forgotten without a callback; their timeouts find no entry and stay
// silent too. Synchronous callers cannot be left blocked, so their response
// channels receive a nil message before the entry goes away. The channel is
// buffered and the entry leaves the table under the same lock, so the send
// cannot collide with a response.
func (c *Client) handleDisconnect(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	closing := c.closing
	c.conn = nil
	abandoned := len(c.pending)
	for id, pc := range c.pending {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		delete(c.pending, id)
		if pc.resp != nil {
			pc.resp <- nil
		}
	}
	c.mu.Unlock()

	conn.Close()
	if closing {
		c.logger.Debug("RPC connection closed", "abandoned", abandoned)
	} else {
		c.logger.Debug("RPC connection lost", "err", err, "abandoned", abandoned)
		c.notifyTransportError(&transportError{message: "connection lost: " + err.Error()})
	}
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

func (c *Client) notifyTransportError(err error) {
	if c.onTransportError != nil {
		c.onTransportError(err)
	}
}

// responseOutcome splits a response message into its result or error. A nil
// message stands for a connection that died while the call was in flight.
func responseOutcome(msg *Message) (json.RawMessage, error) {
	if msg == nil {
		return nil, &transportError{message: "connection lost before response"}
	}
	if msg.Error != nil {
		return nil, msg.Error
	}
	return msg.Result, nil
}
