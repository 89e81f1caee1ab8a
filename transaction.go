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

// Default transaction policy.
const (
	DefaultTimeout = 3 * time.Second
	DefaultRetries = 3
)

// transactionState tracks the lifecycle of one in-flight request.
type transactionState int

const (
	statePending transactionState = iota
	stateRetrying
	stateMatched
	stateExhausted
	stateCancelled
)

// SendFunc transmits the encoded request for a transaction. The transaction
// manager calls it once on submit and once per retry, always with the same
// transaction id.
type SendFunc func(transactionID uint16) error

type txResult struct {
	resp Response
	err  error
}

// Transaction is one outstanding request. It is owned by the manager from
// Submit until it is matched, exhausted or cancelled.
type Transaction struct {
	id          uint16
	unitID      uint8
	request     Request
	send        SendFunc
	state       transactionState
	retriesLeft int
	timer       *time.Timer
	done        chan txResult
}

// ID returns the transaction identifier. Serial transactions report 0.
func (t *Transaction) ID() uint16 { return t.id }

// Request returns the originating typed request.
func (t *Transaction) Request() Request { return t.request }

// Wait blocks until the transaction reaches a terminal state and returns the
// matched response, an *ExceptionResponse error, ErrTimeout, ErrCancelled or
// a transport error.
func (t *Transaction) Wait() (Response, error) {
	r := <-t.done
	return r.resp, r.err
}

// TransactionManager owns the set of in-flight transactions for one client.
// Socket transports may keep many transactions pending at once; serial
// transports are half-duplex and allow exactly one.
type TransactionManager struct {
	mu      sync.Mutex
	timeout time.Duration
	retries int
	serial  bool
	logger  io.Writer

	nextID  uint16
	pending map[uint16]*Transaction

	// serialTx is the single outstanding transaction in serial mode; the
	// next well-formed frame from the line is its match.
	serialTx *Transaction
}

// NewTransactionManager creates a manager. Serial mode switches from
// id-based matching to single-outstanding ordering. Non-positive timeout or
// retries fall back to the defaults.
func NewTransactionManager(timeout time.Duration, retries int, serial bool) *TransactionManager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retries < 0 {
		retries = DefaultRetries
	}
	return &TransactionManager{
		timeout: timeout,
		retries: retries,
		serial:  serial,
		pending: make(map[uint16]*Transaction),
	}
}

// SetLogger directs discard/retry diagnostics to w. Pass nil to silence.
func (m *TransactionManager) SetLogger(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = w
}

func (m *TransactionManager) logf(format string, v ...interface{}) {
	if m.logger != nil {
		fmt.Fprintf(m.logger, format+"\n", v...)
	}
}

// InFlight returns the number of pending transactions.
func (m *TransactionManager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.serial {
		if m.serialTx != nil {
			return 1
		}
		return 0
	}
	return len(m.pending)
}

// allocateID picks the next free transaction id. The 16-bit counter wraps and
// skips ids still in use. Caller holds m.mu.
func (m *TransactionManager) allocateID() uint16 {
	for {
		m.nextID++
		if _, inUse := m.pending[m.nextID]; !inUse {
			return m.nextID
		}
	}
}

// Submit registers a new transaction, transmits it via send, and starts the
// deadline timer. It returns immediately; use Transaction.Wait for the
// result. In serial mode ErrBusy is returned while another transaction is
// outstanding.
func (m *TransactionManager) Submit(unitID uint8, req Request, send SendFunc) (*Transaction, error) {
	tx := &Transaction{
		unitID:      unitID,
		request:     req,
		send:        send,
		state:       statePending,
		retriesLeft: m.retries,
		done:        make(chan txResult, 1),
	}

	m.mu.Lock()
	if m.serial {
		if m.serialTx != nil {
			m.mu.Unlock()
			return nil, ErrBusy
		}
		m.serialTx = tx
	} else {
		tx.id = m.allocateID()
		m.pending[tx.id] = tx
	}
	m.mu.Unlock()

	if err := send(tx.id); err != nil {
		m.retire(tx, nil, &TransportError{Op: "write", Err: err})
		return nil, err
	}

	m.mu.Lock()
	if tx.state == statePending {
		tx.timer = time.AfterFunc(m.timeout, func() { m.onDeadline(tx) })
	}
	m.mu.Unlock()
	return tx, nil
}

// Execute is the blocking form of Submit.
func (m *TransactionManager) Execute(unitID uint8, req Request, send SendFunc) (Response, error) {
	tx, err := m.Submit(unitID, req, send)
	if err != nil {
		return nil, err
	}
	return tx.Wait()
}

// Cancel removes a pending transaction. The caller waiting on it unblocks
// with ErrCancelled; a late response for its id will be discarded as
// unmatched. Cancelling a finished transaction is a no-op.
func (m *TransactionManager) Cancel(tx *Transaction) {
	m.retireWith(tx, stateCancelled, nil, ErrCancelled)
}

// Deliver routes a decoded incoming ADU to its pending transaction and
// reports whether one was matched. Unmatched frames (stale or unexpected
// transaction ids, foreign unit ids) are discarded.
func (m *TransactionManager) Deliver(adu ADU) bool {
	m.mu.Lock()
	var tx *Transaction
	if m.serial {
		tx = m.serialTx
		if tx != nil && adu.UnitID != tx.unitID {
			tx = nil
		}
	} else {
		tx = m.pending[adu.TransactionID]
	}
	if tx == nil || (tx.state != statePending && tx.state != stateRetrying) {
		m.mu.Unlock()
		m.logf("modbus: discarding unmatched response (transaction %d, unit %d)", adu.TransactionID, adu.UnitID)
		return false
	}
	m.mu.Unlock()

	resp, err := DecodeResponse(adu.PDU)
	if err == nil {
		if exc, ok := resp.(*ExceptionResponse); ok {
			// A negative acknowledgment still matches its transaction;
			// it is reported as a distinguished failure.
			resp, err = nil, error(exc)
		} else if got, want := resp.FunctionCode(), tx.request.FunctionCode(); got != want {
			resp, err = nil, &DecodeError{Function: got,
				Reason: fmt.Sprintf("response function code does not match request %v", want)}
		}
	}
	m.retireWith(tx, stateMatched, resp, err)
	return true
}

// Fail terminates every pending transaction with err. Used when the
// underlying session dies.
func (m *TransactionManager) Fail(err error) {
	m.mu.Lock()
	var all []*Transaction
	if m.serial {
		if m.serialTx != nil {
			all = append(all, m.serialTx)
		}
	} else {
		for _, tx := range m.pending {
			all = append(all, tx)
		}
	}
	m.mu.Unlock()
	for _, tx := range all {
		m.retire(tx, nil, err)
	}
}

// onDeadline drives the timeout/retry machine: with retries remaining the
// request is resent and the deadline restarted, otherwise the transaction is
// exhausted.
func (m *TransactionManager) onDeadline(tx *Transaction) {
	m.mu.Lock()
	if tx.state != statePending {
		m.mu.Unlock()
		return
	}
	if tx.retriesLeft == 0 {
		m.unregister(tx, stateExhausted)
		m.mu.Unlock()
		tx.done <- txResult{err: ErrTimeout}
		return
	}
	tx.retriesLeft--
	tx.state = stateRetrying
	m.mu.Unlock()

	m.logf("modbus: transaction %d deadline expired, resending (%d retries left)", tx.id, tx.retriesLeft)

	// The send happens outside the lock: it is I/O.
	if err := tx.send(tx.id); err != nil {
		m.retire(tx, nil, &TransportError{Op: "write", Err: err})
		return
	}

	m.mu.Lock()
	if tx.state == stateRetrying {
		tx.state = statePending
		tx.timer = time.AfterFunc(m.timeout, func() { m.onDeadline(tx) })
	}
	m.mu.Unlock()
}

// retire moves tx to a terminal state and delivers the result exactly once.
func (m *TransactionManager) retire(tx *Transaction, resp Response, err error) {
	state := stateMatched
	if err != nil {
		state = stateExhausted
	}
	m.retireWith(tx, state, resp, err)
}

func (m *TransactionManager) retireWith(tx *Transaction, state transactionState, resp Response, err error) {
	m.mu.Lock()
	if tx.state == stateMatched || tx.state == stateExhausted || tx.state == stateCancelled {
		m.mu.Unlock()
		return
	}
	m.unregister(tx, state)
	m.mu.Unlock()
	tx.done <- txResult{resp: resp, err: err}
}

// unregister removes tx from the table and stops its timer. Caller holds m.mu.
func (m *TransactionManager) unregister(tx *Transaction, state transactionState) {
	tx.state = state
	if tx.timer != nil {
		tx.timer.Stop()
		tx.timer = nil
	}
	if m.serial {
		if m.serialTx == tx {
			m.serialTx = nil
		}
	} else {
		delete(m.pending, tx.id)
	}
}
