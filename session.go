// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"net"
	"sync"
	"time"
)

// Session is the byte-stream contract the engine runs on. It exposes no
// message boundaries; all frame detection belongs to the framers.
//
// ReadAvailable returns the bytes currently available, blocking at most for
// the session's poll interval; an empty slice with a nil error simply means
// nothing arrived yet.
type Session interface {
	ReadAvailable() ([]byte, error)
	Write(p []byte) error
	Connected() bool
	Close() error
}

// defaultPollInterval bounds how long ReadAvailable blocks waiting for the
// first byte.
const defaultPollInterval = 50 * time.Millisecond

// ConnSession adapts a net.Conn (or anything conn-shaped) to the Session
// contract. It is the transport for socket framing and for RTU-over-TCP
// style tunnels.
type ConnSession struct {
	mu     sync.Mutex
	conn   net.Conn
	poll   time.Duration
	buf    []byte
	closed bool
	tracer *Tracer
}

// NewConnSession wraps an established connection.
func NewConnSession(conn net.Conn) *ConnSession {
	return &ConnSession{
		conn: conn,
		poll: defaultPollInterval,
		buf:  make([]byte, MaxSocketFrameLength),
	}
}

// DialSocket connects to a Modbus listener over TCP.
func DialSocket(address string, timeout time.Duration) (*ConnSession, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return NewConnSession(conn), nil
}

// SetPollInterval adjusts the bounded-blocking window of ReadAvailable.
func (s *ConnSession) SetPollInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.poll = d
	}
}

// SetTracer attaches a wire tracer to this session. Pass nil to detach.
func (s *ConnSession) SetTracer(t *Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = t
}

// ReadAvailable reads whatever bytes the connection has, waiting at most one
// poll interval for the first of them. A deadline expiry is not an error;
// it returns an empty slice so the caller can check for cancellation and
// poll again.
func (s *ConnSession) ReadAvailable() ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	conn, poll, tracer := s.conn, s.poll, s.tracer
	s.mu.Unlock()

	if err := conn.SetReadDeadline(time.Now().Add(poll)); err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	n, err := conn.Read(s.buf)
	if n > 0 {
		out := append([]byte(nil), s.buf[:n]...)
		tracer.RX(out)
		return out, nil
	}
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil
		}
		return nil, &TransportError{Op: "read", Err: err}
	}
	return nil, nil
}

// Write sends the full byte sequence.
func (s *ConnSession) Write(p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	conn, tracer := s.conn, s.tracer
	s.mu.Unlock()

	tracer.TX(p)
	for len(p) > 0 {
		n, err := conn.Write(p)
		if err != nil {
			return &TransportError{Op: "write", Err: err}
		}
		p = p[n:]
	}
	return nil
}

// Connected reports whether the session is still usable.
func (s *ConnSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close shuts the connection down.
func (s *ConnSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
