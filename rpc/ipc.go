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
	"net"
)

// ServeIPC creates an IPC listener on the given endpoint, a unix domain
// socket path on unix systems and a named pipe path on Windows, and serves
// connections on it until the server is stopped.
func (s *Server) ServeIPC(endpoint string) error {
	listener, err := ipcListen(endpoint)
	if err != nil {
		return err
	}
	s.logger.Info("IPC endpoint opened", "endpoint", endpoint)
	return s.ServeListener(listener)
}

// DialIPC creates a client connected over the platform's IPC transport. The
// wire protocol is the same newline-delimited framing used on TCP.
func DialIPC(endpoint string, opts ...ClientOption) (*Client, error) {
	opts = append(opts, WithDialer(func(ctx context.Context) (net.Conn, error) {
		return newIPCConnection(ctx, endpoint)
	}))
	c := NewClient(endpoint, opts...)
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}
