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

/*
Package rpc implements bi-directional JSON-RPC 2.0 messaging between a panel
front end and a hardware-control backend.

The wire format is newline-delimited: every message is one compact JSON
object followed by a single '\n'. A message without an id is a notification
and never receives an answer, not even when it fails. A message carrying an
id, including the literal null, is a call and always receives exactly one
response with the same id.

Server

A Server owns a method table and serves any number of connections. Handlers
are plain functions from raw params to a result or error:

	srv := rpc.NewServer()
	srv.Register("relay.set", func(params json.RawMessage) (interface{}, error) {
		p, err := rpc.ParseParams(params)
		if err != nil {
			return nil, err
		}
		ch, err := p.Uint8("channel")
		if err != nil {
			return nil, err
		}
		on, err := p.Bool("on", false)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"channel": ch, "on": on}, nil
	})
	go srv.ListenAndServe(rpc.DefaultEndpoint)

Handler errors implementing the Error interface keep their code on the wire;
plain errors are mapped to an internal error. A handler panic is contained
and answered as an internal error, the connection survives.

Besides TCP the server also serves unix domain sockets and Windows named
pipes (ServeIPC), WebSocket connections (WebsocketHandler) and single
requests over HTTP POST (ServeHTTP).

Client

A Client correlates concurrent calls over one connection through unique
request ids:

	c := rpc.NewClient("")
	result, err := c.Call("relay.set", map[string]interface{}{"channel": 3, "on": true}, 0)

CallAsync issues the request without blocking and delivers the outcome to a
callback; Notify sends a fire-and-forget notification. Transport problems
that belong to no particular call, such as a lost connection or unparseable
data from the peer, are reported through the handler installed with
WithTransportErrorHandler.
*/
package rpc
