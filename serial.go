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
	"io"
	"os"
	"sync"
	"time"

	serial "github.com/hootrhino/goserial"
)

// SerialConfig describes a serial line for RTU or ASCII framing.
type SerialConfig struct {
	Address  string // device path, e.g. /dev/ttyUSB0 or COM3
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E" or "O"
	// Timeout bounds a single port read; it doubles as the poll interval
	// of ReadAvailable. Zero means defaultPollInterval.
	Timeout time.Duration
}

// OpenSerialSession opens a serial port and wraps it as a Session.
func OpenSerialSession(cfg SerialConfig) (*SerialSession, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPollInterval
	}
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Address,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}
	return NewSerialSession(port), nil
}

// SerialSession adapts an opened serial port (or any io.ReadWriteCloser with
// bounded reads) to the Session contract. Serial lines are half-duplex:
// callers pair it with a serial-mode TransactionManager, which keeps a single
// request outstanding.
type SerialSession struct {
	mu     sync.Mutex
	port   io.ReadWriteCloser
	buf    []byte
	closed bool
	tracer *Tracer
}

// NewSerialSession wraps an already-open port.
func NewSerialSession(port io.ReadWriteCloser) *SerialSession {
	return &SerialSession{
		port: port,
		buf:  make([]byte, MaxASCIIFrameLength),
	}
}

// SetTracer attaches a wire tracer to this session. Pass nil to detach.
func (s *SerialSession) SetTracer(t *Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = t
}

// ReadAvailable reads whatever the port has buffered, up to the port's own
// read timeout. Timeouts are reported as an empty read, not an error.
func (s *SerialSession) ReadAvailable() ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	port, tracer := s.port, s.tracer
	s.mu.Unlock()

	n, err := port.Read(s.buf)
	if n > 0 {
		out := append([]byte(nil), s.buf[:n]...)
		tracer.RX(out)
		return out, nil
	}
	if err != nil && err != io.EOF && !os.IsTimeout(err) {
		return nil, &TransportError{Op: "read", Err: err}
	}
	return nil, nil
}

// Write sends the full byte sequence to the port.
func (s *SerialSession) Write(p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	port, tracer := s.port, s.tracer
	s.mu.Unlock()

	tracer.TX(p)
	for len(p) > 0 {
		n, err := port.Write(p)
		if err != nil {
			return &TransportError{Op: "write", Err: err}
		}
		p = p[n:]
	}
	return nil
}

// Connected reports whether the port is still open.
func (s *SerialSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close closes the port.
func (s *SerialSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}
