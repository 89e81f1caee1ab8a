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

// ADU is a PDU plus its transport envelope fields. TransactionID is only
// meaningful for socket framing; serial framings leave it zero.
type ADU struct {
	TransactionID uint16
	UnitID        uint8
	PDU           PDU
}

// FeedResult reports the outcome of one framer extraction step. Framing
// problems are never errors to the caller: a corrupt frame is dropped and the
// framer keeps listening.
type FeedResult int

const (
	// FrameIncomplete means more bytes are needed before a frame can be
	// extracted.
	FrameIncomplete FeedResult = iota
	// FrameComplete means a valid ADU was extracted.
	FrameComplete
	// FrameDiscarded means corrupt input was dropped from the buffer. Call
	// Next again: the remaining bytes may still hold a frame.
	FrameDiscarded
)

// Framer assembles and disassembles one transport framing variant. A framer
// instance owns the reassembly buffer for a single session and is not safe
// for concurrent use.
//
// The receive half makes no assumption about read granularity: bytes may be
// fed one at a time or many at once. Surplus bytes beyond a completed frame
// stay buffered as the start of the next frame.
type Framer interface {
	// Encode wraps the ADU in the transport envelope.
	Encode(adu ADU) ([]byte, error)

	// Feed appends raw transport bytes to the reassembly buffer.
	Feed(p []byte)

	// Next attempts to extract the next complete ADU from the buffer.
	Next() (ADU, FeedResult)
}

// FramingMode selects a framer variant.
type FramingMode string

// Recognized framing modes.
const (
	FramingRTU    FramingMode = "rtu"
	FramingASCII  FramingMode = "ascii"
	FramingSocket FramingMode = "socket"
)

// Role tells a serial framer which direction of traffic it is decoding. RTU
// has no length field; requests and responses with the same function code
// have different sizes, so the decoder must know which one to expect.
type Role int

const (
	// RoleClient decodes responses.
	RoleClient Role = iota
	// RoleServer decodes requests.
	RoleServer
)

// NewFramer builds a framer for the given mode and role.
func NewFramer(mode FramingMode, role Role) Framer {
	switch mode {
	case FramingRTU:
		return NewRTUFramer(role)
	case FramingASCII:
		return NewASCIIFramer()
	default:
		return NewSocketFramer()
	}
}
