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

// FunctionCode identifies a Modbus function.
type FunctionCode uint8

// Supported function codes.
const (
	FuncCodeReadCoils              FunctionCode = 0x01
	FuncCodeReadDiscreteInputs     FunctionCode = 0x02
	FuncCodeReadHoldingRegisters   FunctionCode = 0x03
	FuncCodeReadInputRegisters     FunctionCode = 0x04
	FuncCodeWriteSingleCoil        FunctionCode = 0x05
	FuncCodeWriteSingleRegister    FunctionCode = 0x06
	FuncCodeWriteMultipleCoils     FunctionCode = 0x0F
	FuncCodeWriteMultipleRegisters FunctionCode = 0x10
	FuncCodeMaskWriteRegister      FunctionCode = 0x16
)

// ExceptionFlag is the bit set in the function code of an exception response.
const ExceptionFlag FunctionCode = 0x80

// IsException reports whether this function code carries the exception bit.
func (fc FunctionCode) IsException() bool {
	return fc&ExceptionFlag != 0
}

// WithException returns the function code with the exception bit set.
func (fc FunctionCode) WithException() FunctionCode {
	return fc | ExceptionFlag
}

// WithoutException returns the function code with the exception bit cleared.
func (fc FunctionCode) WithoutException() FunctionCode {
	return fc &^ ExceptionFlag
}

func (fc FunctionCode) String() string {
	base := fc.WithoutException()
	name, ok := functionNames[base]
	if !ok {
		name = "unknown function"
	}
	if fc.IsException() {
		return fmt.Sprintf("%s exception (0x%02X)", name, uint8(fc))
	}
	return fmt.Sprintf("%s (0x%02X)", name, uint8(fc))
}

var functionNames = map[FunctionCode]string{
	FuncCodeReadCoils:              "read coils",
	FuncCodeReadDiscreteInputs:     "read discrete inputs",
	FuncCodeReadHoldingRegisters:   "read holding registers",
	FuncCodeReadInputRegisters:     "read input registers",
	FuncCodeWriteSingleCoil:        "write single coil",
	FuncCodeWriteSingleRegister:    "write single register",
	FuncCodeWriteMultipleCoils:     "write multiple coils",
	FuncCodeWriteMultipleRegisters: "write multiple registers",
	FuncCodeMaskWriteRegister:      "mask write register",
}

// ExceptionCode is the reason code carried by a Modbus exception response.
// It implements the error interface so server handlers can return it directly.
type ExceptionCode uint8

// Exception code constants.
const (
	ExceptionIllegalFunction    ExceptionCode = 0x01
	ExceptionIllegalDataAddress ExceptionCode = 0x02
	ExceptionIllegalDataValue   ExceptionCode = 0x03
	ExceptionServerFailure      ExceptionCode = 0x04
	ExceptionAcknowledge        ExceptionCode = 0x05
	ExceptionServerBusy         ExceptionCode = 0x06
	ExceptionMemoryParityError  ExceptionCode = 0x08
	ExceptionGatewayUnavailable ExceptionCode = 0x0A
	ExceptionGatewayNoResponse  ExceptionCode = 0x0B
)

var exceptionMessages = map[ExceptionCode]string{
	ExceptionIllegalFunction:    "illegal function",
	ExceptionIllegalDataAddress: "illegal data address",
	ExceptionIllegalDataValue:   "illegal data value",
	ExceptionServerFailure:      "server device failure",
	ExceptionAcknowledge:        "acknowledge",
	ExceptionServerBusy:         "server device busy",
	ExceptionMemoryParityError:  "memory parity error",
	ExceptionGatewayUnavailable: "gateway path unavailable",
	ExceptionGatewayNoResponse:  "gateway target device failed to respond",
}

// Error implements the error interface.
func (ec ExceptionCode) Error() string {
	msg, ok := exceptionMessages[ec]
	if !ok {
		msg = fmt.Sprintf("unknown exception code 0x%02X", uint8(ec))
	}
	return "modbus: " + msg
}

// Protocol-wide size limits.
const (
	// MaxPDULength is the maximum PDU length (function code + payload)
	// according to the Modbus specification.
	MaxPDULength = 253

	// MaxReadBits is the maximum quantity for coil/discrete-input reads.
	MaxReadBits = 2000
	// MaxReadRegisters is the maximum quantity for register reads.
	MaxReadRegisters = 125
	// MaxWriteBits is the maximum quantity for multi-coil writes.
	MaxWriteBits = 1968
	// MaxWriteRegisters is the maximum quantity for multi-register writes.
	MaxWriteRegisters = 123
)

// PDU is a transport-independent protocol data unit: a function code plus its
// payload. It exists only as the intermediate form between a typed message and
// the framed bytes on the wire.
type PDU struct {
	Function FunctionCode
	Data     []byte
}

// Bytes serializes the PDU as function code followed by payload.
func (p PDU) Bytes() []byte {
	b := make([]byte, 1+len(p.Data))
	b[0] = uint8(p.Function)
	copy(b[1:], p.Data)
	return b
}

// pduFromBytes splits a raw PDU into function code and payload. The payload
// slice aliases b.
func pduFromBytes(b []byte) (PDU, error) {
	if len(b) == 0 {
		return PDU{}, fmt.Errorf("modbus: empty PDU")
	}
	if len(b) > MaxPDULength {
		return PDU{}, fmt.Errorf("modbus: PDU too long: %d bytes (max %d)", len(b), MaxPDULength)
	}
	return PDU{Function: FunctionCode(b[0]), Data: b[1:]}, nil
}
