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
	"fmt"
	"io"
	"sync"
	"time"
)

// BroadcastUnitID addresses every unit on the line. Broadcast requests are
// fire-and-forget: the client writes the frame and returns without waiting,
// and servers execute the write without responding.
const BroadcastUnitID uint8 = 0

// ClientConfig is the client's configuration surface.
type ClientConfig struct {
	// Timeout is the per-transaction deadline. Default 3s.
	Timeout time.Duration
	// Retries is the number of resend attempts after the first deadline
	// expiry. Default 3.
	Retries int
	// UnitID is the unit addressed by the convenience methods. Default 1.
	UnitID uint8
	// Framing selects the transport envelope. Default socket.
	Framing FramingMode
}

// DefaultClientConfig returns the documented defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout: DefaultTimeout,
		Retries: DefaultRetries,
		UnitID:  1,
		Framing: FramingSocket,
	}
}

// Client drives requests over one transport session. Many transactions may
// be in flight at once on socket framing; serial framings keep one.
//
// All methods are safe for concurrent use.
type Client struct {
	cfg     ClientConfig
	session Session
	manager *TransactionManager

	// encodeMu serializes framer encodes; the decode half of the framer is
	// touched only by the receive goroutine.
	encodeMu sync.Mutex
	framer   Framer

	logMu  sync.Mutex
	logger io.Writer

	closeOnce sync.Once
	closing   chan struct{}
	donec     chan struct{}
}

// NewClient starts a client on an established session. The client owns the
// session from here on and closes it with Close.
func NewClient(session Session, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.UnitID == BroadcastUnitID {
		cfg.UnitID = 1
	}
	if cfg.Framing == "" {
		cfg.Framing = FramingSocket
	}
	serial := cfg.Framing == FramingRTU || cfg.Framing == FramingASCII
	c := &Client{
		cfg:     cfg,
		session: session,
		framer:  NewFramer(cfg.Framing, RoleClient),
		manager: NewTransactionManager(cfg.Timeout, cfg.Retries, serial),
		closing: make(chan struct{}),
		donec:   make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// SetLogger directs client diagnostics to w. Pass nil to silence.
func (c *Client) SetLogger(w io.Writer) {
	c.logMu.Lock()
	c.logger = w
	c.logMu.Unlock()
	c.manager.SetLogger(w)
}

func (c *Client) logf(format string, v ...interface{}) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if c.logger != nil {
		fmt.Fprintf(c.logger, format+"\n", v...)
	}
}

// receiveLoop pumps session bytes through the framer and routes complete
// frames to the transaction manager. Discarded frames are logged and the
// loop keeps listening; only a dead session stops it.
func (c *Client) receiveLoop() {
	defer close(c.donec)
	for {
		select {
		case <-c.closing:
			c.manager.Fail(ErrSessionClosed)
			return
		default:
		}
		data, err := c.session.ReadAvailable()
		if err != nil {
			c.logf("ERROR: receive: %v", err)
			c.manager.Fail(err)
			return
		}
		if len(data) == 0 {
			continue
		}
		c.framer.Feed(data)
		for {
			adu, result := c.framer.Next()
			if result == FrameIncomplete {
				break
			}
			if result == FrameDiscarded {
				c.logf("WARNING: corrupt frame discarded, resynchronizing")
				continue
			}
			c.manager.Deliver(adu)
		}
	}
}

// Submit sends a request to the given unit and returns the pending
// transaction without waiting. Broadcast requests are rejected here: with no
// response to wait for there is no transaction; use Broadcast instead.
func (c *Client) Submit(unitID uint8, req Request) (*Transaction, error) {
	if unitID == BroadcastUnitID {
		return nil, fmt.Errorf("modbus: Submit does not accept the broadcast unit, use Broadcast")
	}
	return c.manager.Submit(unitID, req, c.sender(unitID, req))
}

// Do sends a request to the given unit and blocks for its response.
func (c *Client) Do(unitID uint8, req Request) (Response, error) {
	if unitID == BroadcastUnitID {
		return nil, c.Broadcast(req)
	}
	return c.manager.Execute(unitID, req, c.sender(unitID, req))
}

// Broadcast writes a request addressed to every unit and returns as soon as
// the bytes are out. Read-class requests cannot be broadcast.
func (c *Client) Broadcast(req Request) error {
	if isReadFunction(req.FunctionCode()) {
		return ErrBroadcastRead
	}
	return c.sender(BroadcastUnitID, req)(0)
}

// Cancel aborts a pending transaction returned by Submit.
func (c *Client) Cancel(tx *Transaction) {
	c.manager.Cancel(tx)
}

// sender encodes the request for unitID once per call, so retries rebuild
// the identical frame.
func (c *Client) sender(unitID uint8, req Request) SendFunc {
	return func(transactionID uint16) error {
		c.encodeMu.Lock()
		frame, err := c.framer.Encode(ADU{
			TransactionID: transactionID,
			UnitID:        unitID,
			PDU:           EncodeRequest(req),
		})
		c.encodeMu.Unlock()
		if err != nil {
			return err
		}
		return c.session.Write(frame)
	}
}

// Close stops the receive loop, fails outstanding transactions and closes
// the session.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.session.Close()
		<-c.donec
	})
	return err
}

func isReadFunction(fc FunctionCode) bool {
	switch fc.WithoutException() {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		return true
	}
	return false
}

// Convenience methods mirroring the standard function codes. Each validates
// the echoed fields of the response the way the protocol requires.

// ReadCoils reads quantity coils starting at startAddress.
func (c *Client) ReadCoils(unitID uint8, startAddress, quantity uint16) ([]bool, error) {
	req, err := NewReadCoilsRequest(startAddress, quantity)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(unitID, req)
	if err != nil {
		return nil, err
	}
	typed, ok := resp.(*ReadCoilsResponse)
	if !ok {
		return nil, unexpectedResponse(req, resp)
	}
	return trimBits(typed.Values, quantity)
}

// ReadDiscreteInputs reads quantity discrete inputs starting at startAddress.
func (c *Client) ReadDiscreteInputs(unitID uint8, startAddress, quantity uint16) ([]bool, error) {
	req, err := NewReadDiscreteInputsRequest(startAddress, quantity)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(unitID, req)
	if err != nil {
		return nil, err
	}
	typed, ok := resp.(*ReadDiscreteInputsResponse)
	if !ok {
		return nil, unexpectedResponse(req, resp)
	}
	return trimBits(typed.Values, quantity)
}

// ReadHoldingRegisters reads quantity holding registers starting at
// startAddress.
func (c *Client) ReadHoldingRegisters(unitID uint8, startAddress, quantity uint16) ([]uint16, error) {
	req, err := NewReadHoldingRegistersRequest(startAddress, quantity)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(unitID, req)
	if err != nil {
		return nil, err
	}
	typed, ok := resp.(*ReadHoldingRegistersResponse)
	if !ok {
		return nil, unexpectedResponse(req, resp)
	}
	return trimRegisters(typed.Values, quantity)
}

// ReadInputRegisters reads quantity input registers starting at startAddress.
func (c *Client) ReadInputRegisters(unitID uint8, startAddress, quantity uint16) ([]uint16, error) {
	req, err := NewReadInputRegistersRequest(startAddress, quantity)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(unitID, req)
	if err != nil {
		return nil, err
	}
	typed, ok := resp.(*ReadInputRegistersResponse)
	if !ok {
		return nil, unexpectedResponse(req, resp)
	}
	return trimRegisters(typed.Values, quantity)
}

// WriteSingleCoil forces one coil and verifies the echo.
func (c *Client) WriteSingleCoil(unitID uint8, address uint16, value bool) error {
	req := NewWriteSingleCoilRequest(address, value)
	resp, err := c.Do(unitID, req)
	if err != nil {
		return err
	}
	typed, ok := resp.(*WriteSingleCoilResponse)
	if !ok {
		return unexpectedResponse(req, resp)
	}
	if typed.Address != address || typed.Value != value {
		return fmt.Errorf("modbus: write single coil echo mismatch: wrote (%d, %v), echoed (%d, %v)",
			address, value, typed.Address, typed.Value)
	}
	return nil
}

// WriteSingleRegister writes one holding register and verifies the echo.
func (c *Client) WriteSingleRegister(unitID uint8, address, value uint16) error {
	req := NewWriteSingleRegisterRequest(address, value)
	resp, err := c.Do(unitID, req)
	if err != nil {
		return err
	}
	typed, ok := resp.(*WriteSingleRegisterResponse)
	if !ok {
		return unexpectedResponse(req, resp)
	}
	if typed.Address != address || typed.Value != value {
		return fmt.Errorf("modbus: write single register echo mismatch: wrote (%d, %d), echoed (%d, %d)",
			address, value, typed.Address, typed.Value)
	}
	return nil
}

// WriteMultipleCoils forces a run of coils and verifies the confirmation.
func (c *Client) WriteMultipleCoils(unitID uint8, startAddress uint16, values []bool) error {
	req, err := NewWriteMultipleCoilsRequest(startAddress, values)
	if err != nil {
		return err
	}
	resp, err := c.Do(unitID, req)
	if err != nil {
		return err
	}
	typed, ok := resp.(*WriteMultipleCoilsResponse)
	if !ok {
		return unexpectedResponse(req, resp)
	}
	if typed.StartAddress != startAddress || int(typed.Quantity) != len(values) {
		return fmt.Errorf("modbus: write multiple coils confirmation mismatch: wrote (%d, %d), confirmed (%d, %d)",
			startAddress, len(values), typed.StartAddress, typed.Quantity)
	}
	return nil
}

// WriteMultipleRegisters writes a run of holding registers and verifies the
// confirmation.
func (c *Client) WriteMultipleRegisters(unitID uint8, startAddress uint16, values []uint16) error {
	req, err := NewWriteMultipleRegistersRequest(startAddress, values)
	if err != nil {
		return err
	}
	resp, err := c.Do(unitID, req)
	if err != nil {
		return err
	}
	typed, ok := resp.(*WriteMultipleRegistersResponse)
	if !ok {
		return unexpectedResponse(req, resp)
	}
	if typed.StartAddress != startAddress || int(typed.Quantity) != len(values) {
		return fmt.Errorf("modbus: write multiple registers confirmation mismatch: wrote (%d, %d), confirmed (%d, %d)",
			startAddress, len(values), typed.StartAddress, typed.Quantity)
	}
	return nil
}

// MaskWriteRegister read-modify-writes one holding register and verifies the
// echo.
func (c *Client) MaskWriteRegister(unitID uint8, address, andMask, orMask uint16) error {
	req := NewMaskWriteRegisterRequest(address, andMask, orMask)
	resp, err := c.Do(unitID, req)
	if err != nil {
		return err
	}
	typed, ok := resp.(*MaskWriteRegisterResponse)
	if !ok {
		return unexpectedResponse(req, resp)
	}
	if typed.Address != address || typed.AndMask != andMask || typed.OrMask != orMask {
		return fmt.Errorf("modbus: mask write register echo mismatch")
	}
	return nil
}

func unexpectedResponse(req Request, resp Response) error {
	return fmt.Errorf("modbus: unexpected response type %T for request %v", resp, req.FunctionCode())
}

// trimBits cuts the pad bits a packed response carries beyond the requested
// quantity.
func trimBits(values []bool, quantity uint16) ([]bool, error) {
	if len(values) < int(quantity) {
		return nil, fmt.Errorf("modbus: response carries %d bits, requested %d", len(values), quantity)
	}
	return values[:quantity], nil
}

func trimRegisters(values []uint16, quantity uint16) ([]uint16, error) {
	if len(values) != int(quantity) {
		return nil, fmt.Errorf("modbus: response carries %d registers, requested %d", len(values), quantity)
	}
	return values, nil
}
