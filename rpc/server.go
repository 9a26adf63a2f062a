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
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panelbus/go-panelbus/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Server answers JSON-RPC requests arriving over any number of codecs. Every
// connection gets its own serve loop; requests on a single connection are
// executed one at a time, so responses leave in request order.
type Server struct {
	disp    *Dispatcher
	logger  log.Logger
	metrics *serverMetrics

	rateLimit rate.Limit
	rateBurst int

	run       atomic.Bool
	mutex     sync.Mutex
	codecs    map[ServerCodec]struct{}
	listeners map[net.Listener]struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger used by the server and its dispatcher.
func WithLogger(logger log.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithRateLimit caps the request rate of each connection. Requests beyond the
// burst size are delayed, not rejected. The zero default imposes no limit.
func WithRateLimit(limit rate.Limit, burst int) ServerOption {
	return func(s *Server) {
		s.rateLimit = limit
		s.rateBurst = burst
	}
}

// WithMetrics registers the server's metrics with the given registerer.
func WithMetrics(reg prometheus.Registerer) ServerOption {
	return func(s *Server) { s.metrics = newServerMetrics(reg) }
}

// NewServer creates a new server instance. The built-in methods rpc.ping and
// rpc.list are registered on it.
func NewServer(opts ...ServerOption) *Server {
	server := &Server{
		logger:    log.Discard(),
		codecs:    make(map[ServerCodec]struct{}),
		listeners: make(map[net.Listener]struct{}),
	}
	server.run.Store(true)
	for _, opt := range opts {
		opt(server)
	}
	if server.metrics == nil {
		server.metrics = newServerMetrics(nil)
	}
	server.disp = NewDispatcher(server.logger)

	// Register the default methods providing meta information about the
	// server, such as the methods it offers.
	server.disp.Register("rpc.ping", func(params json.RawMessage) (interface{}, error) {
		return map[string]bool{"ok": true}, nil
	})
	server.disp.Register("rpc.list", func(params json.RawMessage) (interface{}, error) {
		return server.disp.Methods(), nil
	})
	return server
}

// Register makes the handler available under the given method name. Handlers
// registered after the server has started serving are picked up by subsequent
// requests.
func (s *Server) Register(name string, handler HandlerFunc) {
	s.disp.Register(name, handler)
}

// Methods returns the names of all registered methods in sorted order.
func (s *Server) Methods() []string {
	return s.disp.Methods()
}

// ListenAndServe listens on the given TCP endpoint and serves connections
// until the listener fails or the server is stopped.
func (s *Server) ListenAndServe(endpoint string) error {
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return err
	}
	return s.ServeListener(listener)
}

// ServeListener accepts connections on l, serving JSON-RPC on them.
func (s *Server) ServeListener(l net.Listener) error {
	if !s.trackListener(l) {
		l.Close()
		return ErrServerStopped
	}
	defer s.untrackListener(l)

	for {
		conn, err := l.Accept()
		if isTemporaryError(err) {
			s.logger.Warn("RPC accept error", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		} else if err != nil {
			if !s.run.Load() {
				return ErrServerStopped
			}
			return err
		}
		s.logger.Trace("Accepted RPC connection", "conn", conn.RemoteAddr())
		go s.ServeCodec(NewCodec(conn))
	}
}

// ServeCodec reads incoming requests from codec, dispatches them and writes
// the responses back using the same codec. It blocks until the codec is closed
// or the server is stopped. In either case the codec is closed.
func (s *Server) ServeCodec(codec ServerCodec) {
	defer codec.close()

	if !s.trackCodec(codec) {
		return
	}
	defer s.untrackCodec(codec)

	s.metrics.connOpened()
	defer s.metrics.connClosed()

	// The context is canceled when the codec goes away, releasing any
	// handler blocked on it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-codec.closed()
		cancel()
	}()

	var limiter *rate.Limiter
	if s.rateLimit > 0 {
		limiter = rate.NewLimiter(s.rateLimit, s.rateBurst)
	}

	for {
		msg, err := codec.readMessage()
		if err != nil {
			// Malformed input is answered on the same connection and does
			// not terminate it. Anything else is a dead connection.
			var pe *parseError
			if errors.As(err, &pe) {
				s.logger.Debug("Dropping invalid RPC input", "conn", codec.remoteAddr(), "err", err)
				s.metrics.request("", "parse_error", 0)
				codec.writeMessage(ctx, errorMessage(pe))
				continue
			}
			s.logger.Trace("RPC connection read error", "conn", codec.remoteAddr(), "err", err)
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		s.serveRequest(ctx, codec, msg)
	}
}

func (s *Server) serveRequest(ctx context.Context, codec ServerCodec, msg *Message) {
	start := time.Now()
	resp := s.disp.Handle(msg)
	if resp == nil {
		// Notification, nothing goes back.
		s.metrics.request(msg.Method, "notification", time.Since(start))
		return
	}
	outcome := "ok"
	if resp.Error != nil {
		outcome = "error"
	}
	s.metrics.request(msg.Method, outcome, time.Since(start))
	if err := codec.writeMessage(ctx, resp); err != nil {
		s.logger.Trace("RPC connection write error", "conn", codec.remoteAddr(), "err", err)
		codec.close()
	}
}

// trackListener adds the listener to the set of active listeners.
func (s *Server) trackListener(l net.Listener) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.run.Load() {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) untrackListener(l net.Listener) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.listeners, l)
}

// trackCodec adds the codec to the set of active codecs. This prevents the
// codec from being served if the server is stopped.
func (s *Server) trackCodec(codec ServerCodec) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.run.Load() {
		return false
	}
	s.codecs[codec] = struct{}{}
	return true
}

func (s *Server) untrackCodec(codec ServerCodec) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.codecs, codec)
}

// Stop stops reading new requests. It closes all listeners and all active
// connections. Pending requests that are already executing finish, but their
// responses may not be delivered.
func (s *Server) Stop() {
	if !s.run.CompareAndSwap(true, false) {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.logger.Debug("RPC server shutting down")
	for l := range s.listeners {
		l.Close()
	}
	for codec := range s.codecs {
		codec.close()
	}
}

// isTemporaryError reports whether the accept error is transient.
func isTemporaryError(err error) bool {
	ne, ok := err.(interface{ Temporary() bool })
	return ok && ne.Temporary()
}
