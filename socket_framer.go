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
	"encoding/binary"
	"fmt"
)

// Socket (MBAP) framing constants.
const (
	// SocketHeaderLength is the MBAP header size: transaction id (2) +
	// protocol id (2) + length (2) + unit id (1).
	SocketHeaderLength = 7

	// ProtocolIdentifier is the protocol id of every Modbus MBAP frame.
	ProtocolIdentifier uint16 = 0x0000

	// MaxSocketFrameLength is the largest complete MBAP frame.
	MaxSocketFrameLength = SocketHeaderLength + MaxPDULength
)

// SocketFramer implements MBAP framing for connection-oriented transports.
//
// The header's length field is authoritative: a frame is complete only once
// exactly length-1 bytes have arrived after the header, no matter how many
// unrelated bytes are already buffered behind it.
type SocketFramer struct {
	buf []byte
}

// NewSocketFramer creates a framer with an empty reassembly buffer.
func NewSocketFramer() *SocketFramer {
	return &SocketFramer{}
}

// Encode wraps the PDU in an MBAP header.
func (f *SocketFramer) Encode(adu ADU) ([]byte, error) {
	pdu := adu.PDU.Bytes()
	if len(pdu) > MaxPDULength {
		return nil, fmt.Errorf("modbus: PDU length %d exceeds maximum %d bytes", len(pdu), MaxPDULength)
	}
	frame := make([]byte, SocketHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], adu.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], ProtocolIdentifier)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1)) // unit id + PDU
	frame[6] = adu.UnitID
	copy(frame[7:], pdu)
	return frame, nil
}

// Feed appends bytes to the reassembly buffer.
func (f *SocketFramer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next extracts the next complete frame. A protocol id mismatch or an
// impossible length field means the stream is desynchronized beyond repair
// for a length-prefixed framing, so the whole buffer is dropped.
func (f *SocketFramer) Next() (ADU, FeedResult) {
	if len(f.buf) < SocketHeaderLength {
		return ADU{}, FrameIncomplete
	}
	protocolID := binary.BigEndian.Uint16(f.buf[2:4])
	length := binary.BigEndian.Uint16(f.buf[4:6])
	if protocolID != ProtocolIdentifier || length < 2 || int(length) > MaxPDULength+1 {
		f.buf = nil
		return ADU{}, FrameDiscarded
	}
	// length counts unit id + PDU; unit id is part of the 7-byte header.
	frameLen := SocketHeaderLength + int(length) - 1
	if len(f.buf) < frameLen {
		return ADU{}, FrameIncomplete
	}
	adu := ADU{
		TransactionID: binary.BigEndian.Uint16(f.buf[0:2]),
		UnitID:        f.buf[6],
		PDU: PDU{
			Function: FunctionCode(f.buf[7]),
			Data:     append([]byte(nil), f.buf[8:frameLen]...),
		},
	}
	f.buf = f.buf[frameLen:]
	return adu, FrameComplete
}
