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

import "fmt"

// RTU framing constants.
const (
	// MaxRTUFrameLength is unit id (1) + PDU (253) + CRC (2).
	MaxRTUFrameLength = 1 + MaxPDULength + 2

	// minRTUFrameLength is the shortest valid frame: unit id, function
	// code, one payload byte, CRC. An exception response has this size.
	minRTUFrameLength = 5

	// MaxUnitID is the highest assignable serial unit address.
	MaxUnitID = 247
)

// RTUFramer implements binary serial framing: unit id + PDU + CRC16
// (little-endian). RTU has no length field, so frame sizes are derived from
// the function code, which in turn depends on whether this end expects
// requests or responses. On CRC failure the framer slides forward one byte at
// a time until the buffer again starts at a plausible frame.
type RTUFramer struct {
	role Role
	buf  []byte
}

// NewRTUFramer creates an RTU framer decoding traffic for the given role.
func NewRTUFramer(role Role) *RTUFramer {
	return &RTUFramer{role: role}
}

// Encode wraps the PDU with the unit id and a trailing CRC16, low byte first.
func (f *RTUFramer) Encode(adu ADU) ([]byte, error) {
	pdu := adu.PDU.Bytes()
	if len(pdu) > MaxPDULength {
		return nil, fmt.Errorf("modbus: PDU length %d exceeds maximum %d bytes", len(pdu), MaxPDULength)
	}
	frame := make([]byte, 1+len(pdu)+2)
	frame[0] = adu.UnitID
	copy(frame[1:], pdu)
	crc := crc16Fast(frame[:len(frame)-2])
	frame[len(frame)-2] = byte(crc)
	frame[len(frame)-1] = byte(crc >> 8)
	return frame, nil
}

// Feed appends bytes to the reassembly buffer.
func (f *RTUFramer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next extracts the next complete frame. Implausible leading bytes (bad unit
// id, unsizeable function code, CRC mismatch) are dropped one byte at a time
// to resynchronize on the next frame start.
func (f *RTUFramer) Next() (ADU, FeedResult) {
	if len(f.buf) < 2 {
		return ADU{}, FrameIncomplete
	}
	if f.buf[0] > MaxUnitID {
		return f.discardByte()
	}
	frameLen, known, needMore := f.expectedFrameLen()
	if needMore {
		return ADU{}, FrameIncomplete
	}
	if !known || frameLen > MaxRTUFrameLength {
		return f.discardByte()
	}
	if len(f.buf) < frameLen {
		return ADU{}, FrameIncomplete
	}
	frame := f.buf[:frameLen]
	received := uint16(frame[frameLen-2]) | uint16(frame[frameLen-1])<<8
	if crc16Fast(frame[:frameLen-2]) != received {
		return f.discardByte()
	}
	adu := ADU{
		UnitID: frame[0],
		PDU: PDU{
			Function: FunctionCode(frame[1]),
			Data:     append([]byte(nil), frame[2:frameLen-2]...),
		},
	}
	f.buf = f.buf[frameLen:]
	return adu, FrameComplete
}

func (f *RTUFramer) discardByte() (ADU, FeedResult) {
	f.buf = f.buf[1:]
	return ADU{}, FrameDiscarded
}

// expectedFrameLen derives the full frame size from the function code at
// f.buf[1]. For variable-size frames the byte count field gates the result;
// needMore is set while that field has not arrived yet.
func (f *RTUFramer) expectedFrameLen() (length int, known bool, needMore bool) {
	fc := FunctionCode(f.buf[1])
	if fc.IsException() {
		if f.role == RoleServer {
			// Exceptions only flow towards the client.
			return 0, false, false
		}
		return minRTUFrameLength, true, false
	}
	if f.role == RoleServer {
		return f.expectedRequestLen(fc)
	}
	return f.expectedResponseLen(fc)
}

func (f *RTUFramer) expectedRequestLen(fc FunctionCode) (int, bool, bool) {
	switch fc {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters,
		FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
		// unit + fc + address + quantity/value + CRC
		return 8, true, false
	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		// byte count sits at offset 6, after address and quantity.
		if len(f.buf) < 7 {
			return 0, true, true
		}
		return 9 + int(f.buf[6]), true, false
	case FuncCodeMaskWriteRegister:
		return 10, true, false
	default:
		return 0, false, false
	}
}

func (f *RTUFramer) expectedResponseLen(fc FunctionCode) (int, bool, bool) {
	switch fc {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		// byte count sits at offset 2, right after the function code.
		if len(f.buf) < 3 {
			return 0, true, true
		}
		return 5 + int(f.buf[2]), true, false
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return 8, true, false
	case FuncCodeMaskWriteRegister:
		return 10, true, false
	default:
		return 0, false, false
	}
}
