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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/rs/cors"
)

const (
	contentType      = "application/json"
	defaultBodyLimit = 5 * 1024 * 1024
)

// ServeHTTP serves one JSON-RPC request per POST body. This exists for
// curl-style debugging and simple tooling; interactive clients should use the
// stream transports.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.run.Load() {
		http.Error(w, "server stopped", http.StatusServiceUnavailable)
		return
	}
	if code, err := validateRequest(r); err != nil {
		http.Error(w, err.Error(), code)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultBodyLimit+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > defaultBodyLimit {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	w.Header().Set("Content-Type", contentType)
	msg, err := parseMessage(bytes.TrimSpace(body))
	if err != nil {
		json.NewEncoder(w).Encode(errorMessage(err))
		s.metrics.request("", "parse_error", 0)
		return
	}
	start := time.Now()
	resp := s.disp.Handle(msg)
	if resp == nil {
		s.metrics.request(msg.Method, "notification", time.Since(start))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	outcome := "ok"
	if resp.Error != nil {
		outcome = "error"
	}
	s.metrics.request(msg.Method, outcome, time.Since(start))
	json.NewEncoder(w).Encode(resp)
}

// validateRequest returns a non-zero response status and error if the HTTP
// request is invalid.
func validateRequest(r *http.Request) (int, error) {
	if r.Method == http.MethodPut || r.Method == http.MethodDelete {
		return http.StatusMethodNotAllowed, errors.New("method not allowed")
	}
	if r.Method != http.MethodPost {
		return http.StatusMethodNotAllowed, errors.New("only POST requests are accepted")
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("content-type")); err == nil && mt == contentType {
		return 0, nil
	}
	return http.StatusUnsupportedMediaType, fmt.Errorf("invalid content type, only %s is supported", contentType)
}

// NewCORSHandler wraps an HTTP handler, normally a Server or its
// WebsocketHandler, with a CORS layer allowing the given origins. With no
// origins the handler is returned unchanged, disallowing all cross-origin
// browser access.
func NewCORSHandler(srv http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		return srv
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodPost},
		AllowedHeaders: []string{"*"},
		MaxAge:         600,
	})
	return c.Handler(srv)
}
