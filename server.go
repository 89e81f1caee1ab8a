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
	"net"
	"os"
	"sync"
)

// Server is a slave unit: it owns a DataStore and answers requests
// addressed to its unit id. The same Server can serve any number of socket
// connections and serial sessions at once; all of them dispatch into the
// one store.
type Server struct {
	unitID uint8
	store  *DataStore
	logger *SimpleLogger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closing   bool
	wg        sync.WaitGroup
}

// NewServer builds a server answering as unitID against store.
func NewServer(unitID uint8, store *DataStore) *Server {
	return &Server{
		unitID:    unitID,
		store:     store,
		logger:    NewSimpleLogger(os.Stdout, LevelInfo, "[modbus-server]"),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// SetLogger replaces the server log destination.
func (s *Server) SetLogger(l *SimpleLogger) {
	if l != nil {
		s.logger = l
	}
}

// UnitID returns the unit id the server answers as.
func (s *Server) UnitID() uint8 { return s.unitID }

// Store returns the process data behind the server.
func (s *Server) Store() *DataStore { return s.store }

// HandleRequest runs one decoded request against the store. The returned
// error, when not nil, is always an ExceptionCode.
func (s *Server) HandleRequest(req Request) (Response, error) {
	switch r := req.(type) {
	case *ReadCoilsRequest:
		values, err := s.store.ReadBits(ClassCoil, r.StartAddress, r.Quantity)
		if err != nil {
			return nil, asException(err)
		}
		return &ReadCoilsResponse{Values: values}, nil
	case *ReadDiscreteInputsRequest:
		values, err := s.store.ReadBits(ClassDiscreteInput, r.StartAddress, r.Quantity)
		if err != nil {
			return nil, asException(err)
		}
		return &ReadDiscreteInputsResponse{Values: values}, nil
	case *ReadHoldingRegistersRequest:
		values, err := s.store.ReadWords(ClassHoldingRegister, r.StartAddress, r.Quantity)
		if err != nil {
			return nil, asException(err)
		}
		return &ReadHoldingRegistersResponse{Values: values}, nil
	case *ReadInputRegistersRequest:
		values, err := s.store.ReadWords(ClassInputRegister, r.StartAddress, r.Quantity)
		if err != nil {
			return nil, asException(err)
		}
		return &ReadInputRegistersResponse{Values: values}, nil
	case *WriteSingleCoilRequest:
		if err := s.store.WriteBits(ClassCoil, r.Address, []bool{r.Value}); err != nil {
			return nil, asException(err)
		}
		return &WriteSingleCoilResponse{Address: r.Address, Value: r.Value}, nil
	case *WriteSingleRegisterRequest:
		if err := s.store.WriteWords(ClassHoldingRegister, r.Address, []uint16{r.Value}); err != nil {
			return nil, asException(err)
		}
		return &WriteSingleRegisterResponse{Address: r.Address, Value: r.Value}, nil
	case *WriteMultipleCoilsRequest:
		if err := s.store.WriteBits(ClassCoil, r.StartAddress, r.Values); err != nil {
			return nil, asException(err)
		}
		return &WriteMultipleCoilsResponse{StartAddress: r.StartAddress, Quantity: uint16(len(r.Values))}, nil
	case *WriteMultipleRegistersRequest:
		if err := s.store.WriteWords(ClassHoldingRegister, r.StartAddress, r.Values); err != nil {
			return nil, asException(err)
		}
		return &WriteMultipleRegistersResponse{StartAddress: r.StartAddress, Quantity: uint16(len(r.Values))}, nil
	case *MaskWriteRegisterRequest:
		if err := s.store.MaskWrite(r.Address, r.AndMask, r.OrMask); err != nil {
			return nil, asException(err)
		}
		return &MaskWriteRegisterResponse{Address: r.Address, AndMask: r.AndMask, OrMask: r.OrMask}, nil
	default:
		return nil, ExceptionIllegalFunction
	}
}

// HandlePDU decodes and runs one request PDU and encodes the answer. A
// failure at any stage becomes an exception response with the request's
// function code; a well-framed PDU always gets an answer.
func (s *Server) HandlePDU(p PDU) PDU {
	req, err := DecodeRequest(p)
	if err != nil {
		code := ExceptionIllegalDataValue
		if !registered(p.Function) {
			code = ExceptionIllegalFunction
		}
		return exceptionPDU(p.Function, code)
	}
	resp, err := s.HandleRequest(req)
	if err != nil {
		return exceptionPDU(p.Function, asException(err))
	}
	return EncodeResponse(resp)
}

// HandleADU applies unit-id filtering around HandlePDU. The second result
// reports whether a response should be sent: requests for other units are
// ignored, and broadcast writes are executed but never answered.
func (s *Server) HandleADU(adu ADU) (ADU, bool) {
	switch adu.UnitID {
	case s.unitID:
		return ADU{
			TransactionID: adu.TransactionID,
			UnitID:        s.unitID,
			PDU:           s.HandlePDU(adu.PDU),
		}, true
	case BroadcastUnitID:
		if !isReadFunction(adu.PDU.Function) {
			s.HandlePDU(adu.PDU)
		}
		return ADU{}, false
	default:
		return ADU{}, false
	}
}

func registered(fc FunctionCode) bool {
	_, ok := functionRegistry[fc.WithoutException()]
	return ok
}

func exceptionPDU(fc FunctionCode, code ExceptionCode) PDU {
	return EncodeResponse(&ExceptionResponse{Function: fc.WithoutException(), Code: code})
}

// asException maps a store or handler error to a wire exception code.
func asException(err error) ExceptionCode {
	var code ExceptionCode
	if errors.As(err, &code) {
		return code
	}
	return ExceptionServerFailure
}

// ListenAndServe accepts socket connections on addr and serves them until
// Close. It blocks; run it on its own goroutine when the caller has other
// work.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &TransportError{Op: "listen", Err: err}
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln until Close. Per-connection failures
// are logged and never stop the accept loop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return ErrSessionClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return &TransportError{Op: "accept", Err: err}
		}
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func(conn net.Conn) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			sess := NewConnSession(conn)
			if err := s.ServeSession(sess, FramingSocket); err != nil && !errors.Is(err, ErrSessionClosed) {
				fmt.Fprintf(s.logger, "INFO: connection %s closed: %v\n", conn.RemoteAddr(), err)
			}
		}(conn)
	}
}

// ServeSession reads requests from one session and writes the answers back
// until the session dies. It is the entry point for serial service: open a
// SerialSession and hand it here with FramingRTU or FramingASCII.
func (s *Server) ServeSession(sess Session, mode FramingMode) error {
	framer := NewFramer(mode, RoleServer)
	for {
		p, err := sess.ReadAvailable()
		if err != nil {
			return err
		}
		framer.Feed(p)
		for {
			adu, res := framer.Next()
			if res == FrameIncomplete {
				break
			}
			if res == FrameDiscarded {
				fmt.Fprintf(s.logger, "DEBUG: discarded noise on %v session\n", mode)
				continue
			}
			resp, reply := s.HandleADU(adu)
			if !reply {
				continue
			}
			frame, err := framer.Encode(resp)
			if err != nil {
				fmt.Fprintf(s.logger, "ERROR: cannot encode response: %v\n", err)
				continue
			}
			if err := sess.Write(frame); err != nil {
				return err
			}
		}
	}
}

// Close stops all accept loops, drops every live connection and waits for
// the connection handlers to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	for ln := range s.listeners {
		ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
