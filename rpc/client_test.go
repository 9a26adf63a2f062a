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
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentServer accepts connections and reads requests without ever answering.
// Received messages are exposed so tests can reply by hand.
type silentServer struct {
	listener net.Listener

	mu    sync.Mutex
	conns []net.Conn
	msgs  chan *Message
}

func newSilentServer(t *testing.T) *silentServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &silentServer{listener: listener, msgs: make(chan *Message, 16)}
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *silentServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go func() {
			rd := bufio.NewReader(conn)
			for {
				line, err := rd.ReadBytes('\n')
				if err != nil {
					return
				}
				if msg, err := parseMessage(line[:len(line)-1]); err == nil {
					s.msgs <- msg
				}
			}
		}()
	}
}

func (s *silentServer) addr() string { return s.listener.Addr().String() }

// write sends raw bytes on the first accepted connection.
func (s *silentServer) write(t *testing.T, data string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.conns)
	_, err := s.conns[0].Write([]byte(data))
	require.NoError(t, err)
}

func (s *silentServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *silentServer) close() {
	s.listener.Close()
	s.closeConns()
}

func (s *silentServer) nextMsg(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-s.msgs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
		return nil
	}
}

func TestClientCall(t *testing.T) {
	srv := newTestServer(t)
	addr := startTCPServer(t, srv)
	c := NewClient(addr)
	defer c.Close()

	result, err := c.Call("relay.control", map[string]interface{}{"node": 1}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	// Server-side errors come back as typed errors.
	_, err = c.Call("no.such.method", nil, time.Second)
	require.Error(t, err)
	rpcErr, ok := err.(Error)
	require.True(t, ok)
	assert.Equal(t, -32601, rpcErr.ErrorCode())
}

func TestClientRequestIDsAreUnique(t *testing.T) {
	srv := newSilentServer(t)
	c := NewClient(srv.addr())
	defer c.Close()

	seen := make(map[int]bool)
	for i := 0; i < 50; i++ {
		id := c.CallAsync("rpc.ping", nil, nil, time.Minute)
		require.NotEqual(t, -1, id)
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	// Ids start at 1 and increase monotonically until wraparound.
	for i := 1; i <= 50; i++ {
		assert.True(t, seen[i], "id %d missing", i)
	}
}

func TestClientIDWraparound(t *testing.T) {
	srv := newSilentServer(t)
	c := NewClient(srv.addr())
	defer c.Close()
	require.NoError(t, c.Connect())

	c.mu.Lock()
	c.nextID = maxRequestID
	c.mu.Unlock()

	id := c.CallAsync("rpc.ping", nil, nil, time.Minute)
	assert.Equal(t, maxRequestID, id)
	id = c.CallAsync("rpc.ping", nil, nil, time.Minute)
	assert.Equal(t, 1, id)
}

// Scenario: a call against a server that never replies resolves to the
// timeout error after the deadline, its pending entry is gone, and a
// later-arriving response for that id is dropped without a callback.
func TestClientCallTimeout(t *testing.T) {
	srv := newSilentServer(t)
	c := NewClient(srv.addr())
	defer c.Close()

	start := time.Now()
	_, err := c.Call("rpc.ping", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, pending)

	// Replay the response late. Nothing should blow up and the pending
	// table stays empty.
	req := srv.nextMsg(t)
	id, ok := req.intID()
	require.True(t, ok)
	idJSON, _ := json.Marshal(id)
	srv.write(t, `{"jsonrpc":"2.0","id":`+string(idJSON)+`,"result":true}`+"\n")
	time.Sleep(50 * time.Millisecond)
	assert.True(t, c.Connected())
}

func TestClientAsyncTimeoutAtMostOnce(t *testing.T) {
	srv := newSilentServer(t)
	c := NewClient(srv.addr())
	defer c.Close()

	var calls atomic.Int32
	done := make(chan error, 1)
	id := c.CallAsync("rpc.ping", nil, func(result json.RawMessage, err error) {
		calls.Add(1)
		done <- err
	}, 50*time.Millisecond)
	require.NotEqual(t, -1, id)

	select {
	case err := <-done:
		assert.True(t, IsTimeout(err))
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}

	// A late response for the timed-out id must not trigger the callback
	// a second time.
	srv.nextMsg(t)
	idJSON, _ := json.Marshal(id)
	srv.write(t, `{"jsonrpc":"2.0","id":`+string(idJSON)+`,"result":true}`+"\n")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientAsyncResponseBeatsTimeout(t *testing.T) {
	srv := newSilentServer(t)
	c := NewClient(srv.addr())
	defer c.Close()

	var calls atomic.Int32
	done := make(chan error, 1)
	id := c.CallAsync("rpc.ping", nil, func(result json.RawMessage, err error) {
		calls.Add(1)
		done <- err
	}, time.Minute)
	require.NotEqual(t, -1, id)

	srv.nextMsg(t)
	idJSON, _ := json.Marshal(id)
	srv.write(t, `{"jsonrpc":"2.0","id":`+string(idJSON)+`,"result":{"ok":true}}`+"\n")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientCallAsyncFailureReturnsMinusOne(t *testing.T) {
	// Grab a port that nothing listens on.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	c := NewClient(addr, WithConnectTimeout(200*time.Millisecond))
	defer c.Close()

	var cbErr error
	id := c.CallAsync("rpc.ping", nil, func(result json.RawMessage, err error) {
		cbErr = err
	}, time.Second)
	assert.Equal(t, -1, id)
	require.Error(t, cbErr)
	rpcErr, ok := cbErr.(Error)
	require.True(t, ok)
	assert.Equal(t, errcodeTransport, rpcErr.ErrorCode())
}

// A broken connection silently abandons pending calls; the uncorrelated
// transport error and the disconnect hook are the only signals.
func TestClientDisconnectAbandonsPending(t *testing.T) {
	srv := newSilentServer(t)

	var transportErrs atomic.Int32
	disconnected := make(chan struct{})
	c := NewClient(srv.addr(),
		WithTransportErrorHandler(func(err error) { transportErrs.Add(1) }),
		WithDisconnectHandler(func() { close(disconnected) }),
	)
	defer c.Close()

	var calls atomic.Int32
	id := c.CallAsync("rpc.ping", nil, func(result json.RawMessage, err error) {
		calls.Add(1)
	}, time.Minute)
	require.NotEqual(t, -1, id)
	srv.nextMsg(t)

	srv.closeConns()
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook never invoked")
	}

	assert.False(t, c.Connected())
	assert.Equal(t, int32(0), calls.Load(), "abandoned call must not see a callback")
	assert.Equal(t, int32(1), transportErrs.Load())
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, pending)
}

// A synchronous call must not stay blocked when the connection dies while it
// waits. It resolves to a transport error as soon as the disconnect is seen,
// well before its own timeout.
func TestClientCallDisconnectReturnsError(t *testing.T) {
	srv := newSilentServer(t)
	c := NewClient(srv.addr())
	defer c.Close()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		result, err := c.Call("rpc.ping", nil, 10*time.Second)
		done <- outcome{result, err}
	}()

	srv.nextMsg(t)
	srv.closeConns()

	select {
	case o := <-done:
		require.Error(t, o.err)
		rpcErr, ok := o.err.(Error)
		require.True(t, ok)
		assert.Equal(t, errcodeTransport, rpcErr.ErrorCode())
		assert.Nil(t, o.result)
	case <-time.After(2 * time.Second):
		t.Fatal("call still blocked after disconnect")
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	assert.Zero(t, pending)
}

// A failed notification write tears the connection down and reports the
// transport error, the same as a failed request write.
func TestClientNotifyWriteFailure(t *testing.T) {
	transportErr := make(chan error, 4)
	c := NewClient("", WithDialer(func(ctx context.Context) (net.Conn, error) {
		p1, p2 := net.Pipe()
		p2.Close()
		return p1, nil
	}), WithTransportErrorHandler(func(err error) {
		select {
		case transportErr <- err:
		default:
		}
	}))
	defer c.Close()

	err := c.Notify("state.changed", nil)
	require.Error(t, err)
	rpcErr, ok := err.(Error)
	require.True(t, ok)
	assert.Equal(t, errcodeTransport, rpcErr.ErrorCode())

	select {
	case err := <-transportErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("transport error never reported")
	}
}

// An error response with a null id matches no pending call. The server sends
// these for frames it could not parse, so they surface through the transport
// error handler instead of being dropped.
func TestClientNullIDErrorReported(t *testing.T) {
	srv := newSilentServer(t)

	transportErr := make(chan error, 1)
	c := NewClient(srv.addr(), WithTransportErrorHandler(func(err error) {
		select {
		case transportErr <- err:
		default:
		}
	}))
	defer c.Close()
	require.NoError(t, c.Connect())

	srv.write(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"message is not a JSON object"}}`+"\n")
	select {
	case err := <-transportErr:
		require.Error(t, err)
		rpcErr, ok := err.(Error)
		require.True(t, ok)
		assert.Equal(t, -32700, rpcErr.ErrorCode())
	case <-time.After(2 * time.Second):
		t.Fatal("rejected frame never reported")
	}
	assert.True(t, c.Connected())
}

// Unparseable data on an established connection is reported through the
// transport error handler and does not kill the connection or pending calls.
func TestClientInvalidServerData(t *testing.T) {
	srv := newSilentServer(t)

	transportErr := make(chan error, 1)
	c := NewClient(srv.addr(), WithTransportErrorHandler(func(err error) {
		select {
		case transportErr <- err:
		default:
		}
	}))
	defer c.Close()

	var calls atomic.Int32
	done := make(chan struct{})
	id := c.CallAsync("rpc.ping", nil, func(result json.RawMessage, err error) {
		calls.Add(1)
		close(done)
	}, time.Minute)
	require.NotEqual(t, -1, id)
	srv.nextMsg(t)

	srv.write(t, "garbage\n")
	select {
	case err := <-transportErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("transport error never reported")
	}
	assert.True(t, c.Connected())
	assert.Equal(t, int32(0), calls.Load())

	// The pending call still completes normally.
	idJSON, _ := json.Marshal(id)
	srv.write(t, `{"jsonrpc":"2.0","id":`+string(idJSON)+`,"result":true}`+"\n")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestClientNotify(t *testing.T) {
	srv := newSilentServer(t)
	c := NewClient(srv.addr())
	defer c.Close()

	require.NoError(t, c.Notify("state.changed", map[string]int{"node": 2}))
	msg := srv.nextMsg(t)
	assert.True(t, msg.isNotification())
	assert.Equal(t, "state.changed", msg.Method)
	assert.JSONEq(t, `{"node":2}`, string(msg.Params))
}

func TestClientServerNotificationHandler(t *testing.T) {
	srv := newSilentServer(t)

	type note struct {
		method string
		params string
	}
	notes := make(chan note, 1)
	c := NewClient(srv.addr(), WithNotificationHandler(func(method string, params json.RawMessage) {
		notes <- note{method, string(params)}
	}))
	defer c.Close()
	require.NoError(t, c.Connect())

	srv.write(t, `{"jsonrpc":"2.0","method":"input.changed","params":{"ch":3,"on":true}}`+"\n")
	select {
	case n := <-notes:
		assert.Equal(t, "input.changed", n.method)
		assert.JSONEq(t, `{"ch":3,"on":true}`, n.params)
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler never invoked")
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	srv := newTestServer(t)
	addr := startTCPServer(t, srv)
	c := NewClient(addr)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := c.Call("echo", map[string]int{"i": i}, 2*time.Second)
			if assert.NoError(t, err) {
				var got struct {
					I int `json:"i"`
				}
				if assert.NoError(t, json.Unmarshal(result, &got)) {
					assert.Equal(t, i, got.I)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestClientConnectHook(t *testing.T) {
	srv := newTestServer(t)
	addr := startTCPServer(t, srv)

	connected := make(chan struct{})
	c := NewClient(addr, WithConnectHandler(func() { close(connected) }))
	defer c.Close()
	require.NoError(t, c.Connect())

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connect hook never invoked")
	}
	assert.True(t, c.Connected())
}
