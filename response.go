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

// Response is a typed Modbus response.
type Response interface {
	FunctionCode() FunctionCode
	// Encode returns the PDU payload following the function code byte.
	Encode() []byte
}

// EncodeResponse builds the PDU for a typed response. Exception responses
// encode with the exception bit already set in their function code.
func EncodeResponse(resp Response) PDU {
	return PDU{Function: resp.FunctionCode(), Data: resp.Encode()}
}

// ExceptionResponse is the protocol-level negative acknowledgment. It
// implements both Response and error.
type ExceptionResponse struct {
	// Function is the original function code, without the exception bit.
	Function FunctionCode
	Code     ExceptionCode
}

func (r *ExceptionResponse) FunctionCode() FunctionCode { return r.Function.WithException() }

func (r *ExceptionResponse) Encode() []byte { return []byte{uint8(r.Code)} }

func (r *ExceptionResponse) Error() string {
	return fmt.Sprintf("modbus: exception for %v: %v", r.Function, r.Code.Error())
}

func (r *ExceptionResponse) Unwrap() error { return r.Code }

// ReadCoilsResponse carries coil states. Decoding recovers every bit of the
// packed payload; trailing pad bits up to the next byte boundary read false.
type ReadCoilsResponse struct {
	Values []bool
}

func (r *ReadCoilsResponse) FunctionCode() FunctionCode { return FuncCodeReadCoils }

func (r *ReadCoilsResponse) Encode() []byte { return encodeBitValues(r.Values) }

// ReadDiscreteInputsResponse carries discrete input states.
type ReadDiscreteInputsResponse struct {
	Values []bool
}

func (r *ReadDiscreteInputsResponse) FunctionCode() FunctionCode { return FuncCodeReadDiscreteInputs }

func (r *ReadDiscreteInputsResponse) Encode() []byte { return encodeBitValues(r.Values) }

// ReadHoldingRegistersResponse carries holding register values.
type ReadHoldingRegistersResponse struct {
	Values []uint16
}

func (r *ReadHoldingRegistersResponse) FunctionCode() FunctionCode {
	return FuncCodeReadHoldingRegisters
}

func (r *ReadHoldingRegistersResponse) Encode() []byte { return encodeRegisterValues(r.Values) }

// ReadInputRegistersResponse carries input register values.
type ReadInputRegistersResponse struct {
	Values []uint16
}

func (r *ReadInputRegistersResponse) FunctionCode() FunctionCode { return FuncCodeReadInputRegisters }

func (r *ReadInputRegistersResponse) Encode() []byte { return encodeRegisterValues(r.Values) }

// WriteSingleCoilResponse echoes the written coil.
type WriteSingleCoilResponse struct {
	Address uint16
	Value   bool
}

func (r *WriteSingleCoilResponse) FunctionCode() FunctionCode { return FuncCodeWriteSingleCoil }

func (r *WriteSingleCoilResponse) Encode() []byte {
	return encodeAddressQuantity(r.Address, coilValue(r.Value))
}

// WriteSingleRegisterResponse echoes the written register.
type WriteSingleRegisterResponse struct {
	Address uint16
	Value   uint16
}

func (r *WriteSingleRegisterResponse) FunctionCode() FunctionCode {
	return FuncCodeWriteSingleRegister
}

func (r *WriteSingleRegisterResponse) Encode() []byte {
	return encodeAddressQuantity(r.Address, r.Value)
}

// WriteMultipleCoilsResponse confirms a multi-coil write.
type WriteMultipleCoilsResponse struct {
	StartAddress uint16
	Quantity     uint16
}

func (r *WriteMultipleCoilsResponse) FunctionCode() FunctionCode { return FuncCodeWriteMultipleCoils }

func (r *WriteMultipleCoilsResponse) Encode() []byte {
	return encodeAddressQuantity(r.StartAddress, r.Quantity)
}

// WriteMultipleRegistersResponse confirms a multi-register write.
type WriteMultipleRegistersResponse struct {
	StartAddress uint16
	Quantity     uint16
}

func (r *WriteMultipleRegistersResponse) FunctionCode() FunctionCode {
	return FuncCodeWriteMultipleRegisters
}

func (r *WriteMultipleRegistersResponse) Encode() []byte {
	return encodeAddressQuantity(r.StartAddress, r.Quantity)
}

// MaskWriteRegisterResponse echoes the mask-write parameters.
type MaskWriteRegisterResponse struct {
	Address uint16
	AndMask uint16
	OrMask  uint16
}

func (r *MaskWriteRegisterResponse) FunctionCode() FunctionCode { return FuncCodeMaskWriteRegister }

func (r *MaskWriteRegisterResponse) Encode() []byte {
	data := make([]byte, 6)
	binary.BigEndian.PutUint16(data[0:2], r.Address)
	binary.BigEndian.PutUint16(data[2:4], r.AndMask)
	binary.BigEndian.PutUint16(data[4:6], r.OrMask)
	return data
}

func encodeBitValues(values []bool) []byte {
	packed := packBits(values)
	data := make([]byte, 1+len(packed))
	data[0] = uint8(len(packed))
	copy(data[1:], packed)
	return data
}

func encodeRegisterValues(values []uint16) []byte {
	data := make([]byte, 1+2*len(values))
	data[0] = uint8(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[1+2*i:], v)
	}
	return data
}

// Response decoders, one per registered function code.

func decodeReadCoilsResponse(data []byte) (Response, error) {
	bits, err := decodeBitValues(FuncCodeReadCoils, data)
	if err != nil {
		return nil, err
	}
	return &ReadCoilsResponse{Values: bits}, nil
}

func decodeReadDiscreteInputsResponse(data []byte) (Response, error) {
	bits, err := decodeBitValues(FuncCodeReadDiscreteInputs, data)
	if err != nil {
		return nil, err
	}
	return &ReadDiscreteInputsResponse{Values: bits}, nil
}

func decodeReadHoldingRegistersResponse(data []byte) (Response, error) {
	values, err := decodeRegisterValues(FuncCodeReadHoldingRegisters, data)
	if err != nil {
		return nil, err
	}
	return &ReadHoldingRegistersResponse{Values: values}, nil
}

func decodeReadInputRegistersResponse(data []byte) (Response, error) {
	values, err := decodeRegisterValues(FuncCodeReadInputRegisters, data)
	if err != nil {
		return nil, err
	}
	return &ReadInputRegistersResponse{Values: values}, nil
}

func decodeWriteSingleCoilResponse(data []byte) (Response, error) {
	addr, value, err := decodeAddressQuantity(FuncCodeWriteSingleCoil, data)
	if err != nil {
		return nil, err
	}
	if value != 0xFF00 && value != 0x0000 {
		return nil, &DecodeError{Function: FuncCodeWriteSingleCoil,
			Reason: fmt.Sprintf("coil value must be 0xFF00 or 0x0000, got 0x%04X", value)}
	}
	return &WriteSingleCoilResponse{Address: addr, Value: value == 0xFF00}, nil
}

func decodeWriteSingleRegisterResponse(data []byte) (Response, error) {
	addr, value, err := decodeAddressQuantity(FuncCodeWriteSingleRegister, data)
	if err != nil {
		return nil, err
	}
	return &WriteSingleRegisterResponse{Address: addr, Value: value}, nil
}

func decodeWriteMultipleCoilsResponse(data []byte) (Response, error) {
	addr, qty, err := decodeAddressQuantity(FuncCodeWriteMultipleCoils, data)
	if err != nil {
		return nil, err
	}
	return &WriteMultipleCoilsResponse{StartAddress: addr, Quantity: qty}, nil
}

func decodeWriteMultipleRegistersResponse(data []byte) (Response, error) {
	addr, qty, err := decodeAddressQuantity(FuncCodeWriteMultipleRegisters, data)
	if err != nil {
		return nil, err
	}
	return &WriteMultipleRegistersResponse{StartAddress: addr, Quantity: qty}, nil
}

func decodeMaskWriteRegisterResponse(data []byte) (Response, error) {
	if len(data) != 6 {
		return nil, &DecodeError{Function: FuncCodeMaskWriteRegister,
			Reason: fmt.Sprintf("payload must be 6 bytes, got %d", len(data))}
	}
	return &MaskWriteRegisterResponse{
		Address: binary.BigEndian.Uint16(data[0:2]),
		AndMask: binary.BigEndian.Uint16(data[2:4]),
		OrMask:  binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

func decodeBitValues(fc FunctionCode, data []byte) ([]bool, error) {
	if len(data) < 2 {
		return nil, &DecodeError{Function: fc,
			Reason: fmt.Sprintf("payload too short: %d bytes", len(data))}
	}
	byteCount := int(data[0])
	if len(data) != 1+byteCount {
		return nil, &DecodeError{Function: fc,
			Reason: fmt.Sprintf("byte count %d does not match payload length %d", byteCount, len(data)-1)}
	}
	return unpackBits(data[1:], 8*byteCount), nil
}

func decodeRegisterValues(fc FunctionCode, data []byte) ([]uint16, error) {
	if len(data) < 3 {
		return nil, &DecodeError{Function: fc,
			Reason: fmt.Sprintf("payload too short: %d bytes", len(data))}
	}
	byteCount := int(data[0])
	if byteCount%2 != 0 || len(data) != 1+byteCount {
		return nil, &DecodeError{Function: fc,
			Reason: fmt.Sprintf("byte count %d does not match payload length %d", byteCount, len(data)-1)}
	}
	values := make([]uint16, byteCount/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[1+2*i:])
	}
	return values, nil
}
