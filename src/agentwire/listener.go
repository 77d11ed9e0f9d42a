// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package agentwire accepts in-VM agent connections and speaks the
// newline-delimited JSON protocol: commands flow to the agent, telemetry
// flows back. Each direction is framed independently.
package agentwire

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"detonationworker/src/logging"
	"detonationworker/src/model"
	"detonationworker/src/registry"
)

const maxLineSize = 4 << 20

// Sink receives every decoded telemetry event in arrival order per session.
type Sink interface {
	Ingest(ctx context.Context, sessionID string, ev model.TelemetryEvent)
}

type Listener struct {
	addr     string
	sessions *registry.Registry
	sink     Sink
	listener net.Listener

	// WriteTimeout bounds a single command write.
	WriteTimeout time.Duration
	// QueueSize is the per-session outbound command buffer.
	QueueSize int
}

func NewListener(addr string, sessions *registry.Registry, sink Sink) *Listener {
	return &Listener{
		addr:         addr,
		sessions:     sessions,
		sink:         sink,
		WriteTimeout: 10 * time.Second,
		QueueSize:    16,
	}
}

// Listen binds the port. Use ":0" for a random available port.
func (l *Listener) Listen() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.listener = ln
	return nil
}

// Addr returns the bound address in "host:port" format.
func (l *Listener) Addr() string {
	if l.listener == nil {
		return l.addr
	}
	return l.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled. Listen is called first if
// it has not been.
func (l *Listener) Serve(ctx context.Context) error {
	if l.listener == nil {
		if err := l.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()

	logging.Log(fmt.Sprintf("Agent listener accepting on %s", l.Addr()), slog.LevelInfo)
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logging.Log(fmt.Sprintf("Agent accept failed: %v", err), slog.LevelError)
			continue
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	id := conn.RemoteAddr().String()
	out := make(chan model.Command, l.QueueSize)
	done := make(chan struct{})

	l.sessions.Register(id, out, done)
	logging.Increment(ctx, "agent_sessions_accepted")
	logging.Log(fmt.Sprintf("Agent session %s connected", id), slog.LevelInfo)

	defer func() {
		l.sessions.Remove(id)
		close(done)
		conn.Close()
		logging.Log(fmt.Sprintf("Agent session %s closed", id), slog.LevelInfo)
	}()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		readErr <- readLines(conn, maxLineSize, func(line []byte) bool {
			select {
			case lines <- line:
				return true
			case <-done:
				return false
			}
		}, func(size int) {
			logging.Log(fmt.Sprintf("Dropping oversized line (%d bytes) from %s", size, id), slog.LevelWarn)
		})
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line := <-lines:
			l.handleLine(ctx, id, line)
		case err := <-readErr:
			if err != nil {
				logging.Log(fmt.Sprintf("Agent session %s read error: %v", id, err), slog.LevelWarn)
			}
			return
		case cmd := <-out:
			payload, err := EncodeCommand(cmd)
			if err != nil {
				logging.Log(fmt.Sprintf("Dropping command for %s: %v", id, err), slog.LevelWarn)
				continue
			}
			if l.WriteTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(l.WriteTimeout))
			}
			if _, err := conn.Write(payload); err != nil {
				logging.Log(fmt.Sprintf("Agent session %s write error: %v", id, err), slog.LevelError)
				return
			}
			logging.Log(fmt.Sprintf("Sent %s to %s", cmd.Command, id), slog.LevelInfo)
		}
	}
}

func (l *Listener) handleLine(ctx context.Context, id string, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	ev, err := DecodeTelemetry(line, time.Now().UTC())
	if err != nil {
		logging.Log(fmt.Sprintf("Dropping malformed line from %s: %v", id, err), slog.LevelWarn)
		return
	}
	if ev.EventType == model.HelloEventType {
		hostname := strings.TrimSpace(ev.Details)
		if err := l.sessions.SetHostname(id, hostname); err != nil {
			logging.Log(fmt.Sprintf("Hostname for %s not recorded: %v", id, err), slog.LevelWarn)
		}
		return
	}
	l.sink.Ingest(ctx, id, ev)
}

// readLines splits r on '\n' and hands each line to emit until emit returns
// false or the reader fails. Lines longer than max are discarded up to the
// next newline and reported to oversized; reading continues after them.
func readLines(r io.Reader, max int, emit func([]byte) bool, oversized func(size int)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	size := 0
	for {
		chunk, err := br.ReadSlice('\n')
		size += len(chunk)
		if size <= max {
			buf = append(buf, chunk...)
		} else {
			buf = buf[:0]
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err == nil || (errors.Is(err, io.EOF) && size > 0) {
			if size > max {
				oversized(size)
			} else if !emit(bytes.TrimRight(append([]byte(nil), buf...), "\r\n")) {
				return nil
			}
			buf, size = buf[:0], 0
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
