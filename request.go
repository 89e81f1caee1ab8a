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

// Request is a typed Modbus request. Field validation happens in the New*
// constructors, so Encode is total for any value a constructor returned.
type Request interface {
	FunctionCode() FunctionCode
	// Encode returns the PDU payload following the function code byte.
	Encode() []byte
}

// EncodeRequest builds the PDU for a typed request.
func EncodeRequest(req Request) PDU {
	return PDU{Function: req.FunctionCode(), Data: req.Encode()}
}

// packBits packs booleans LSB-first into bytes, the layout used by the
// coil/discrete-input payloads.
func packBits(bits []bool) []byte {
	packed := make([]byte, (len(bits)+7)/8)
	for i, bit := range bits {
		if bit {
			packed[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return packed
}

// unpackBits expands quantity booleans from the LSB-first packed layout.
func unpackBits(data []byte, quantity int) []bool {
	bits := make([]bool, quantity)
	for i := range bits {
		if data[i/8]&(1<<(uint(i)%8)) != 0 {
			bits[i] = true
		}
	}
	return bits
}

// bitPayloadLen is the byte count needed to carry quantity bits.
func bitPayloadLen(quantity uint16) int {
	return (int(quantity) + 7) / 8
}

// ReadCoilsRequest reads Quantity coils starting at StartAddress.
type ReadCoilsRequest struct {
	StartAddress uint16
	Quantity     uint16
}

// NewReadCoilsRequest validates the quantity range (1..2000).
func NewReadCoilsRequest(startAddress, quantity uint16) (*ReadCoilsRequest, error) {
	if quantity == 0 || quantity > MaxReadBits {
		return nil, fmt.Errorf("modbus: read coils quantity %d out of range [1, %d]", quantity, MaxReadBits)
	}
	return &ReadCoilsRequest{StartAddress: startAddress, Quantity: quantity}, nil
}

func (r *ReadCoilsRequest) FunctionCode() FunctionCode { return FuncCodeReadCoils }

func (r *ReadCoilsRequest) Encode() []byte {
	return encodeAddressQuantity(r.StartAddress, r.Quantity)
}

// ReadDiscreteInputsRequest reads Quantity discrete inputs starting at
// StartAddress.
type ReadDiscreteInputsRequest struct {
	StartAddress uint16
	Quantity     uint16
}

// NewReadDiscreteInputsRequest validates the quantity range (1..2000).
func NewReadDiscreteInputsRequest(startAddress, quantity uint16) (*ReadDiscreteInputsRequest, error) {
	if quantity == 0 || quantity > MaxReadBits {
		return nil, fmt.Errorf("modbus: read discrete inputs quantity %d out of range [1, %d]", quantity, MaxReadBits)
	}
	return &ReadDiscreteInputsRequest{StartAddress: startAddress, Quantity: quantity}, nil
}

func (r *ReadDiscreteInputsRequest) FunctionCode() FunctionCode { return FuncCodeReadDiscreteInputs }

func (r *ReadDiscreteInputsRequest) Encode() []byte {
	return encodeAddressQuantity(r.StartAddress, r.Quantity)
}

// ReadHoldingRegistersRequest reads Quantity holding registers starting at
// StartAddress.
type ReadHoldingRegistersRequest struct {
	StartAddress uint16
	Quantity     uint16
}

// NewReadHoldingRegistersRequest validates the quantity range (1..125).
func NewReadHoldingRegistersRequest(startAddress, quantity uint16) (*ReadHoldingRegistersRequest, error) {
	if quantity == 0 || quantity > MaxReadRegisters {
		return nil, fmt.Errorf("modbus: read holding registers quantity %d out of range [1, %d]", quantity, MaxReadRegisters)
	}
	return &ReadHoldingRegistersRequest{StartAddress: startAddress, Quantity: quantity}, nil
}

func (r *ReadHoldingRegistersRequest) FunctionCode() FunctionCode {
	return FuncCodeReadHoldingRegisters
}

func (r *ReadHoldingRegistersRequest) Encode() []byte {
	return encodeAddressQuantity(r.StartAddress, r.Quantity)
}

// ReadInputRegistersRequest reads Quantity input registers starting at
// StartAddress.
type ReadInputRegistersRequest struct {
	StartAddress uint16
	Quantity     uint16
}

// NewReadInputRegistersRequest validates the quantity range (1..125).
func NewReadInputRegistersRequest(startAddress, quantity uint16) (*ReadInputRegistersRequest, error) {
	if quantity == 0 || quantity > MaxReadRegisters {
		return nil, fmt.Errorf("modbus: read input registers quantity %d out of range [1, %d]", quantity, MaxReadRegisters)
	}
	return &ReadInputRegistersRequest{StartAddress: startAddress, Quantity: quantity}, nil
}

func (r *ReadInputRegistersRequest) FunctionCode() FunctionCode { return FuncCodeReadInputRegisters }

func (r *ReadInputRegistersRequest) Encode() []byte {
	return encodeAddressQuantity(r.StartAddress, r.Quantity)
}

// WriteSingleCoilRequest forces a single coil on or off.
type WriteSingleCoilRequest struct {
	Address uint16
	Value   bool
}

// NewWriteSingleCoilRequest builds a write-single-coil request. All field
// values are representable, so it never fails.
func NewWriteSingleCoilRequest(address uint16, value bool) *WriteSingleCoilRequest {
	return &WriteSingleCoilRequest{Address: address, Value: value}
}

func (r *WriteSingleCoilRequest) FunctionCode() FunctionCode { return FuncCodeWriteSingleCoil }

func (r *WriteSingleCoilRequest) Encode() []byte {
	return encodeAddressQuantity(r.Address, coilValue(r.Value))
}

// WriteSingleRegisterRequest writes one holding register.
type WriteSingleRegisterRequest struct {
	Address uint16
	Value   uint16
}

// NewWriteSingleRegisterRequest builds a write-single-register request.
func NewWriteSingleRegisterRequest(address, value uint16) *WriteSingleRegisterRequest {
	return &WriteSingleRegisterRequest{Address: address, Value: value}
}

func (r *WriteSingleRegisterRequest) FunctionCode() FunctionCode { return FuncCodeWriteSingleRegister }

func (r *WriteSingleRegisterRequest) Encode() []byte {
	return encodeAddressQuantity(r.Address, r.Value)
}

// WriteMultipleCoilsRequest forces a run of coils.
type WriteMultipleCoilsRequest struct {
	StartAddress uint16
	Values       []bool
}

// NewWriteMultipleCoilsRequest validates the coil count (1..1968).
func NewWriteMultipleCoilsRequest(startAddress uint16, values []bool) (*WriteMultipleCoilsRequest, error) {
	if len(values) == 0 || len(values) > MaxWriteBits {
		return nil, fmt.Errorf("modbus: write multiple coils count %d out of range [1, %d]", len(values), MaxWriteBits)
	}
	return &WriteMultipleCoilsRequest{StartAddress: startAddress, Values: values}, nil
}

func (r *WriteMultipleCoilsRequest) FunctionCode() FunctionCode { return FuncCodeWriteMultipleCoils }

func (r *WriteMultipleCoilsRequest) Encode() []byte {
	packed := packBits(r.Values)
	data := make([]byte, 5+len(packed))
	binary.BigEndian.PutUint16(data[0:2], r.StartAddress)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(r.Values)))
	data[4] = uint8(len(packed))
	copy(data[5:], packed)
	return data
}

// WriteMultipleRegistersRequest writes a run of holding registers.
type WriteMultipleRegistersRequest struct {
	StartAddress uint16
	Values       []uint16
}

// NewWriteMultipleRegistersRequest validates the register count (1..123).
func NewWriteMultipleRegistersRequest(startAddress uint16, values []uint16) (*WriteMultipleRegistersRequest, error) {
	if len(values) == 0 || len(values) > MaxWriteRegisters {
		return nil, fmt.Errorf("modbus: write multiple registers count %d out of range [1, %d]", len(values), MaxWriteRegisters)
	}
	return &WriteMultipleRegistersRequest{StartAddress: startAddress, Values: values}, nil
}

func (r *WriteMultipleRegistersRequest) FunctionCode() FunctionCode {
	return FuncCodeWriteMultipleRegisters
}

func (r *WriteMultipleRegistersRequest) Encode() []byte {
	data := make([]byte, 5+2*len(r.Values))
	binary.BigEndian.PutUint16(data[0:2], r.StartAddress)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(r.Values)))
	data[4] = uint8(2 * len(r.Values))
	for i, v := range r.Values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}
	return data
}

// MaskWriteRegisterRequest modifies a holding register in place:
// result = (current AND AndMask) OR (OrMask AND NOT AndMask).
type MaskWriteRegisterRequest struct {
	Address uint16
	AndMask uint16
	OrMask  uint16
}

// NewMaskWriteRegisterRequest builds a mask-write request.
func NewMaskWriteRegisterRequest(address, andMask, orMask uint16) *MaskWriteRegisterRequest {
	return &MaskWriteRegisterRequest{Address: address, AndMask: andMask, OrMask: orMask}
}

func (r *MaskWriteRegisterRequest) FunctionCode() FunctionCode { return FuncCodeMaskWriteRegister }

func (r *MaskWriteRegisterRequest) Encode() []byte {
	data := make([]byte, 6)
	binary.BigEndian.PutUint16(data[0:2], r.Address)
	binary.BigEndian.PutUint16(data[2:4], r.AndMask)
	binary.BigEndian.PutUint16(data[4:6], r.OrMask)
	return data
}

func encodeAddressQuantity(address, quantity uint16) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	return data
}

// coilValue maps a boolean to the 0xFF00/0x0000 encoding of FC 0x05.
func coilValue(on bool) uint16 {
	if on {
		return 0xFF00
	}
	return 0x0000
}

// Request decoders, one per registered function code.

func decodeReadCoilsRequest(data []byte) (Request, error) {
	addr, qty, err := decodeAddressQuantity(FuncCodeReadCoils, data)
	if err != nil {
		return nil, err
	}
	return NewReadCoilsRequest(addr, qty)
}

func decodeReadDiscreteInputsRequest(data []byte) (Request, error) {
	addr, qty, err := decodeAddressQuantity(FuncCodeReadDiscreteInputs, data)
	if err != nil {
		return nil, err
	}
	return NewReadDiscreteInputsRequest(addr, qty)
}

func decodeReadHoldingRegistersRequest(data []byte) (Request, error) {
	addr, qty, err := decodeAddressQuantity(FuncCodeReadHoldingRegisters, data)
	if err != nil {
		return nil, err
	}
	return NewReadHoldingRegistersRequest(addr, qty)
}

func decodeReadInputRegistersRequest(data []byte) (Request, error) {
	addr, qty, err := decodeAddressQuantity(FuncCodeReadInputRegisters, data)
	if err != nil {
		return nil, err
	}
	return NewReadInputRegistersRequest(addr, qty)
}

func decodeWriteSingleCoilRequest(data []byte) (Request, error) {
	addr, value, err := decodeAddressQuantity(FuncCodeWriteSingleCoil, data)
	if err != nil {
		return nil, err
	}
	if value != 0xFF00 && value != 0x0000 {
		return nil, &DecodeError{Function: FuncCodeWriteSingleCoil,
			Reason: fmt.Sprintf("coil value must be 0xFF00 or 0x0000, got 0x%04X", value)}
	}
	return NewWriteSingleCoilRequest(addr, value == 0xFF00), nil
}

func decodeWriteSingleRegisterRequest(data []byte) (Request, error) {
	addr, value, err := decodeAddressQuantity(FuncCodeWriteSingleRegister, data)
	if err != nil {
		return nil, err
	}
	return NewWriteSingleRegisterRequest(addr, value), nil
}

func decodeWriteMultipleCoilsRequest(data []byte) (Request, error) {
	if len(data) < 5 {
		return nil, &DecodeError{Function: FuncCodeWriteMultipleCoils,
			Reason: fmt.Sprintf("payload too short: %d bytes", len(data))}
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	qty := binary.BigEndian.Uint16(data[2:4])
	byteCount := int(data[4])
	if qty == 0 || int(qty) > MaxWriteBits {
		return nil, &DecodeError{Function: FuncCodeWriteMultipleCoils,
			Reason: fmt.Sprintf("quantity %d out of range", qty)}
	}
	if byteCount != bitPayloadLen(qty) || len(data) != 5+byteCount {
		return nil, &DecodeError{Function: FuncCodeWriteMultipleCoils,
			Reason: fmt.Sprintf("byte count %d inconsistent with quantity %d and payload length %d", byteCount, qty, len(data))}
	}
	return &WriteMultipleCoilsRequest{StartAddress: addr, Values: unpackBits(data[5:], int(qty))}, nil
}

func decodeWriteMultipleRegistersRequest(data []byte) (Request, error) {
	if len(data) < 5 {
		return nil, &DecodeError{Function: FuncCodeWriteMultipleRegisters,
			Reason: fmt.Sprintf("payload too short: %d bytes", len(data))}
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	qty := binary.BigEndian.Uint16(data[2:4])
	byteCount := int(data[4])
	if qty == 0 || int(qty) > MaxWriteRegisters {
		return nil, &DecodeError{Function: FuncCodeWriteMultipleRegisters,
			Reason: fmt.Sprintf("quantity %d out of range", qty)}
	}
	if byteCount != 2*int(qty) || len(data) != 5+byteCount {
		return nil, &DecodeError{Function: FuncCodeWriteMultipleRegisters,
			Reason: fmt.Sprintf("byte count %d inconsistent with quantity %d and payload length %d", byteCount, qty, len(data))}
	}
	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[5+2*i:])
	}
	return &WriteMultipleRegistersRequest{StartAddress: addr, Values: values}, nil
}

func decodeMaskWriteRegisterRequest(data []byte) (Request, error) {
	if len(data) != 6 {
		return nil, &DecodeError{Function: FuncCodeMaskWriteRegister,
			Reason: fmt.Sprintf("payload must be 6 bytes, got %d", len(data))}
	}
	return &MaskWriteRegisterRequest{
		Address: binary.BigEndian.Uint16(data[0:2]),
		AndMask: binary.BigEndian.Uint16(data[2:4]),
		OrMask:  binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

func decodeAddressQuantity(fc FunctionCode, data []byte) (uint16, uint16, error) {
	if len(data) != 4 {
		return 0, 0, &DecodeError{Function: fc,
			Reason: fmt.Sprintf("payload must be 4 bytes, got %d", len(data))}
	}
	return binary.BigEndian.Uint16(data[0:2]), binary.BigEndian.Uint16(data[2:4]), nil
}
