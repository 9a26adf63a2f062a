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

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalHandlerOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewTerminalHandler(&buf, false))
	l.Info("opened relay", "node", 3, "count", 1500000, "err", errors.New("nope"))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "INFO "), "got %q", out)
	assert.Contains(t, out, "opened relay")
	assert.Contains(t, out, "node=3")
	// Large integers are printed with thousand separators.
	assert.Contains(t, out, "count=1,500,000")
	assert.Contains(t, out, "err=nope")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestTerminalHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewTerminalHandlerWithLevel(&buf, slog.LevelWarn, false))

	l.Trace("t")
	l.Debug("d")
	l.Info("i")
	assert.Zero(t, buf.Len())

	l.Warn("w")
	l.Error("e")
	out := buf.String()
	assert.Contains(t, out, "WARN ")
	assert.Contains(t, out, "ERROR")
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewTerminalHandler(&buf, false)).With("conn", "127.0.0.1:9000")
	l.Info("request", "method", "rpc.ping")

	out := buf.String()
	assert.Contains(t, out, "conn=127.0.0.1:9000")
	assert.Contains(t, out, "method=rpc.ping")
}

func TestLoggerOddArgsNormalized(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewTerminalHandler(&buf, false))
	l.Info("oops", "dangling")

	assert.Contains(t, buf.String(), errorKey)
}

func TestDiscard(t *testing.T) {
	l := Discard()
	// Must be safe at every level and report disabled. Crit is left out
	// since it exits the process.
	l.Trace("x")
	l.Error("x", "k", "v")
	assert.False(t, l.Enabled(context.Background(), LevelCrit))
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(JSONHandler(&buf))
	l.Warn("serial gone", "port", "/dev/ttyS1")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["lvl"])
	assert.Equal(t, "serial gone", entry["msg"])
	assert.Equal(t, "/dev/ttyS1", entry["port"])
}

func TestLogfmtHandlerTimeFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LogfmtHandler(&buf))
	l.Info("m")

	// The time attribute is renamed to "t" and uses the fixed format.
	out := buf.String()
	assert.Contains(t, out, "t=")
	assert.NotContains(t, out, "time=")
}

func TestLevelStrings(t *testing.T) {
	assert.Equal(t, "TRACE", LevelAlignedString(LevelTrace))
	assert.Equal(t, "INFO ", LevelAlignedString(LevelInfo))
	assert.Equal(t, "CRIT ", LevelAlignedString(LevelCrit))
	assert.Equal(t, "trace", LevelString(LevelTrace))
	assert.Equal(t, "error", LevelString(LevelError))
}

func TestWriteTimeTermFormat(t *testing.T) {
	var b bytes.Buffer
	ts := time.Date(2025, time.March, 7, 9, 5, 2, 12e6, time.UTC)
	writeTimeTermFormat(&b, ts)
	assert.Equal(t, "03-07|09:05:02.012", b.String())
}

func BenchmarkTerminalHandler(b *testing.B) {
	l := NewLogger(NewTerminalHandler(&bytes.Buffer{}, false))
	benchmarkLogger(b, l)
}

func BenchmarkLogfmtHandler(b *testing.B) {
	l := NewLogger(LogfmtHandler(&bytes.Buffer{}))
	benchmarkLogger(b, l)
}

func benchmarkLogger(b *testing.B, l Logger) {
	var (
		bb     = make([]byte, 10)
		tt     = time.Now()
		bigint = int64(100500000)
		nilbuf []byte
	)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Info("This is a message",
			"foo", int16(i),
			"bytes", bb,
			"bonk", "a string with text",
			"time", tt,
			"bigint", bigint,
			"nilbuf", nilbuf,
		)
	}
}
