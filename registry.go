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

// RequestDecoder turns a PDU payload into a typed request.
type RequestDecoder func(data []byte) (Request, error)

// ResponseDecoder turns a PDU payload into a typed response.
type ResponseDecoder func(data []byte) (Response, error)

type codecEntry struct {
	request  RequestDecoder
	response ResponseDecoder
}

// functionRegistry maps function codes to their decoders. It is populated at
// init time and must not be mutated afterwards; decoding reads it without a
// lock.
var functionRegistry = map[FunctionCode]codecEntry{}

// RegisterFunction adds decoders for a function code. It must only be called
// during package initialization, before any decoding takes place. Registering
// a code twice or with the exception bit set panics: both are programming
// errors, not runtime conditions.
func RegisterFunction(fc FunctionCode, req RequestDecoder, resp ResponseDecoder) {
	if fc.IsException() {
		panic(fmt.Sprintf("modbus: cannot register exception function code 0x%02X", uint8(fc)))
	}
	if _, exists := functionRegistry[fc]; exists {
		panic(fmt.Sprintf("modbus: function code 0x%02X already registered", uint8(fc)))
	}
	functionRegistry[fc] = codecEntry{request: req, response: resp}
}

func init() {
	RegisterFunction(FuncCodeReadCoils, decodeReadCoilsRequest, decodeReadCoilsResponse)
	RegisterFunction(FuncCodeReadDiscreteInputs, decodeReadDiscreteInputsRequest, decodeReadDiscreteInputsResponse)
	RegisterFunction(FuncCodeReadHoldingRegisters, decodeReadHoldingRegistersRequest, decodeReadHoldingRegistersResponse)
	RegisterFunction(FuncCodeReadInputRegisters, decodeReadInputRegistersRequest, decodeReadInputRegistersResponse)
	RegisterFunction(FuncCodeWriteSingleCoil, decodeWriteSingleCoilRequest, decodeWriteSingleCoilResponse)
	RegisterFunction(FuncCodeWriteSingleRegister, decodeWriteSingleRegisterRequest, decodeWriteSingleRegisterResponse)
	RegisterFunction(FuncCodeWriteMultipleCoils, decodeWriteMultipleCoilsRequest, decodeWriteMultipleCoilsResponse)
	RegisterFunction(FuncCodeWriteMultipleRegisters, decodeWriteMultipleRegistersRequest, decodeWriteMultipleRegistersResponse)
	RegisterFunction(FuncCodeMaskWriteRegister, decodeMaskWriteRegisterRequest, decodeMaskWriteRegisterResponse)
}

// DecodeRequest decodes a PDU into a typed request. A PDU with the exception
// bit set is malformed as a request.
func DecodeRequest(p PDU) (Request, error) {
	if p.Function.IsException() {
		return nil, &DecodeError{Function: p.Function, Reason: "exception bit set in request"}
	}
	entry, ok := functionRegistry[p.Function]
	if !ok {
		return nil, &DecodeError{Function: p.Function, Reason: "unregistered function code"}
	}
	req, err := entry.request(p.Data)
	if err != nil {
		return nil, asDecodeError(p.Function, err)
	}
	return req, nil
}

// DecodeResponse decodes a PDU into a typed response. If the exception bit is
// set, the result is an *ExceptionResponse.
func DecodeResponse(p PDU) (Response, error) {
	if p.Function.IsException() {
		if len(p.Data) != 1 {
			return nil, &DecodeError{Function: p.Function,
				Reason: fmt.Sprintf("exception payload must be 1 byte, got %d", len(p.Data))}
		}
		return &ExceptionResponse{
			Function: p.Function.WithoutException(),
			Code:     ExceptionCode(p.Data[0]),
		}, nil
	}
	entry, ok := functionRegistry[p.Function]
	if !ok {
		return nil, &DecodeError{Function: p.Function, Reason: "unregistered function code"}
	}
	resp, err := entry.response(p.Data)
	if err != nil {
		return nil, asDecodeError(p.Function, err)
	}
	return resp, nil
}

func asDecodeError(fc FunctionCode, err error) error {
	if _, ok := err.(*DecodeError); ok {
		return err
	}
	return &DecodeError{Function: fc, Reason: err.Error()}
}
