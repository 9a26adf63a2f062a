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

// DefaultEndpoint is the TCP endpoint the panel and backend agree on when
// nothing else is configured.
const DefaultEndpoint = "127.0.0.1:12345"

// Dial creates a client for the given TCP endpoint and connects it. An empty
// endpoint selects DefaultEndpoint.
func Dial(endpoint string, opts ...ClientOption) (*Client, error) {
	c := NewClient(endpoint, opts...)
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}
