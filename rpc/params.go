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
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Params provides typed access to the fields of a request's params object.
// The extraction methods return errors in the parameter band of the
// application error space, suitable for returning from a handler unchanged.
type Params map[string]json.RawMessage

// ParseParams decodes a params object for typed field access. The dispatcher
// has already checked that raw is a JSON object.
func ParseParams(raw json.RawMessage) (Params, error) {
	if len(raw) == 0 {
		return Params{}, nil
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &invalidParamsError{err.Error()}
	}
	return p, nil
}

// Has reports whether the key is present.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Uint8 extracts an unsigned 8-bit integer.
func (p Params) Uint8(key string) (uint8, error) {
	raw, ok := p[key]
	if !ok {
		return 0, NewError(ErrcodeMissingParameter, "missing "+key)
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, NewError(ErrcodeBadParameterType, key+" must be an integer")
	}
	if v < 0 || v > 255 {
		return 0, NewError(ErrcodeBadParameterValue, key+" out of range (0..255)")
	}
	return uint8(v), nil
}

// Int extracts a signed 32-bit integer.
func (p Params) Int(key string) (int32, error) {
	raw, ok := p[key]
	if !ok {
		return 0, NewError(ErrcodeMissingParameter, "missing "+key)
	}
	var v int32
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, NewError(ErrcodeBadParameterType, key+" must be an integer")
	}
	return v, nil
}

// String extracts a string.
func (p Params) String(key string) (string, error) {
	raw, ok := p[key]
	if !ok {
		return "", NewError(ErrcodeMissingParameter, "missing "+key)
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", NewError(ErrcodeBadParameterType, key+" must be a string")
	}
	return v, nil
}

// Bool extracts a boolean, returning defaultValue when the key is absent.
func (p Params) Bool(key string, defaultValue bool) (bool, error) {
	raw, ok := p[key]
	if !ok {
		return defaultValue, nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, NewError(ErrcodeBadParameterType, key+" must be a boolean")
	}
	return v, nil
}

// HexBytes extracts a hex-encoded byte string, e.g. "01ff00".
func (p Params) HexBytes(key string) ([]byte, error) {
	s, err := p.String(key)
	if err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, NewError(ErrcodeBadParameterValue, key+" is not valid hex")
	}
	return b, nil
}

// Decode unmarshals the whole params object into v.
func (p Params) Decode(v interface{}) error {
	enc, err := json.Marshal(p)
	if err != nil {
		return &invalidParamsError{err.Error()}
	}
	if err := json.Unmarshal(enc, v); err != nil {
		return &invalidParamsError{err.Error()}
	}
	return nil
}
