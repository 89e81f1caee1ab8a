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
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers. Framing problems (bad CRC, bad LRC,
// length mismatch) are handled inside the framers and never appear here.
var (
	// ErrTimeout is returned when a transaction exhausts its retries without
	// receiving a response.
	ErrTimeout = errors.New("modbus: request timed out")

	// ErrCancelled is returned when the caller cancels a pending transaction.
	ErrCancelled = errors.New("modbus: transaction cancelled")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("modbus: session closed")

	// ErrBroadcastRead is returned when a read-class request addresses the
	// broadcast unit: broadcasts never produce a response to read.
	ErrBroadcastRead = errors.New("modbus: read request not allowed on broadcast unit")

	// ErrBusy is returned by the serial transaction manager when a request is
	// submitted while another is still outstanding on the half-duplex line.
	ErrBusy = errors.New("modbus: a transaction is already outstanding on this line")
)

// DecodeError reports a response or request payload that could not be turned
// into a typed message. It terminates the affected transaction, not the session.
type DecodeError struct {
	Function FunctionCode
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("modbus: cannot decode %v: %s", e.Function, e.Reason)
}

// TransportError wraps a failure of the underlying byte stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("modbus: transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
