package modbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func registersResponsePDU(values ...uint16) PDU {
	return EncodeResponse(&ReadHoldingRegistersResponse{Values: values})
}

// Responses delivered in any order must reach the transaction that asked,
// keyed by transaction id.
func TestTransactionOutOfOrderMatching(t *testing.T) {
	m := NewTransactionManager(time.Second, 0, false)
	req, err := NewReadHoldingRegistersRequest(0, 1)
	if err != nil {
		t.Fatal(err)
	}

	const n = 8
	txs := make([]*Transaction, n)
	for i := 0; i < n; i++ {
		tx, err := m.Submit(1, req, func(uint16) error { return nil })
		if err != nil {
			t.Fatal(err)
		}
		txs[i] = tx
	}
	if got := m.InFlight(); got != n {
		t.Fatalf("in flight %d, want %d", got, n)
	}

	// Answer in reverse submission order, encoding each transaction's id
	// into its response value.
	for i := n - 1; i >= 0; i-- {
		matched := m.Deliver(ADU{
			TransactionID: txs[i].ID(),
			UnitID:        1,
			PDU:           registersResponsePDU(txs[i].ID()),
		})
		if !matched {
			t.Fatalf("response for transaction %d not matched", txs[i].ID())
		}
	}

	for i, tx := range txs {
		resp, err := tx.Wait()
		if err != nil {
			t.Fatalf("transaction %d: %v", i, err)
		}
		values := resp.(*ReadHoldingRegistersResponse).Values
		if len(values) != 1 || values[0] != tx.ID() {
			t.Errorf("transaction %d got values %v, want [%d]", i, values, tx.ID())
		}
	}
	if got := m.InFlight(); got != 0 {
		t.Fatalf("in flight after completion: %d", got)
	}
}

func TestTransactionConcurrentSubmitters(t *testing.T) {
	m := NewTransactionManager(time.Second, 0, false)
	req, err := NewReadHoldingRegistersRequest(0, 1)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var sent []uint16
	send := func(id uint16) error {
		mu.Lock()
		sent = append(sent, id)
		mu.Unlock()
		return nil
	}

	// Echo every sent request back on a second goroutine while submitters
	// run, so matching happens concurrently with submission.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			mu.Lock()
			var id uint16
			ok := len(sent) > 0
			if ok {
				id, sent = sent[0], sent[1:]
			}
			mu.Unlock()
			if ok {
				m.Deliver(ADU{TransactionID: id, UnitID: 1, PDU: registersResponsePDU(id)})
			}
		}
	}()
	defer close(stop)

	var wg sync.WaitGroup
	errc := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := m.Execute(1, req, send)
			if err != nil {
				errc <- err
				return
			}
			if len(resp.(*ReadHoldingRegistersResponse).Values) != 1 {
				errc <- errors.New("wrong value count")
			}
		}()
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		t.Error(err)
	}
}

// A transaction with retries n sends the request n+1 times and fails with
// ErrTimeout only after the last deadline expires.
func TestTransactionRetriesThenTimeout(t *testing.T) {
	const timeout = 20 * time.Millisecond
	m := NewTransactionManager(timeout, 2, false)
	req, err := NewReadCoilsRequest(0, 8)
	if err != nil {
		t.Fatal(err)
	}

	var sends int32
	start := time.Now()
	_, err = m.Execute(1, req, func(uint16) error {
		atomic.AddInt32(&sends, 1)
		return nil
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error %v, want ErrTimeout", err)
	}
	if got := atomic.LoadInt32(&sends); got != 3 {
		t.Errorf("request sent %d times, want 3", got)
	}
	if elapsed < 3*timeout {
		t.Errorf("timed out after %v, before the third deadline", elapsed)
	}
	if elapsed > 20*timeout {
		t.Errorf("timed out after %v, far past the third deadline", elapsed)
	}
	if got := m.InFlight(); got != 0 {
		t.Errorf("in flight after timeout: %d", got)
	}
}

func TestTransactionRetriesSameID(t *testing.T) {
	const timeout = 10 * time.Millisecond
	m := NewTransactionManager(timeout, 1, false)
	req, err := NewReadCoilsRequest(0, 8)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var ids []uint16
	_, err = m.Execute(1, req, func(id uint16) error {
		mu.Lock()
		ids = append(ids, id)
		mu.Unlock()
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error %v, want ErrTimeout", err)
	}
	if len(ids) != 2 || ids[0] != ids[1] {
		t.Errorf("retry ids %v, want two identical ids", ids)
	}
}

func TestTransactionCancel(t *testing.T) {
	m := NewTransactionManager(time.Minute, 0, false)
	req, err := NewReadCoilsRequest(0, 8)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := m.Submit(1, req, func(uint16) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	m.Cancel(tx)
	if _, err := tx.Wait(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("error %v, want ErrCancelled", err)
	}
	// A late response for the cancelled id is unmatched.
	if m.Deliver(ADU{TransactionID: tx.ID(), UnitID: 1, PDU: registersResponsePDU(1)}) {
		t.Error("late response matched a cancelled transaction")
	}
	// Cancelling again is a no-op.
	m.Cancel(tx)
}

func TestTransactionSendFailure(t *testing.T) {
	m := NewTransactionManager(time.Second, 0, false)
	req, err := NewReadCoilsRequest(0, 8)
	if err != nil {
		t.Fatal(err)
	}
	sendErr := errors.New("broken pipe")
	if _, err := m.Submit(1, req, func(uint16) error { return sendErr }); !errors.Is(err, sendErr) {
		t.Fatalf("error %v, want the send error", err)
	}
	if got := m.InFlight(); got != 0 {
		t.Errorf("in flight after failed send: %d", got)
	}
}

func TestTransactionExceptionResponse(t *testing.T) {
	m := NewTransactionManager(time.Second, 0, false)
	req, err := NewReadHoldingRegistersRequest(0x1000, 1)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := m.Submit(1, req, func(uint16) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	m.Deliver(ADU{
		TransactionID: tx.ID(),
		UnitID:        1,
		PDU:           PDU{Function: FuncCodeReadHoldingRegisters.WithException(), Data: []byte{0x02}},
	})
	_, err = tx.Wait()
	if !errors.Is(err, ExceptionIllegalDataAddress) {
		t.Fatalf("error %v, want illegal data address exception", err)
	}
}

func TestTransactionFunctionMismatch(t *testing.T) {
	m := NewTransactionManager(time.Second, 0, false)
	req, err := NewReadCoilsRequest(0, 8)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := m.Submit(1, req, func(uint16) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	m.Deliver(ADU{TransactionID: tx.ID(), UnitID: 1, PDU: registersResponsePDU(1)})
	var decErr *DecodeError
	if _, err := tx.Wait(); !errors.As(err, &decErr) {
		t.Fatalf("error %v, want *DecodeError for mismatched function code", err)
	}
}

func TestTransactionFailAll(t *testing.T) {
	m := NewTransactionManager(time.Minute, 0, false)
	req, err := NewReadCoilsRequest(0, 8)
	if err != nil {
		t.Fatal(err)
	}
	var txs []*Transaction
	for i := 0; i < 4; i++ {
		tx, err := m.Submit(1, req, func(uint16) error { return nil })
		if err != nil {
			t.Fatal(err)
		}
		txs = append(txs, tx)
	}
	m.Fail(ErrSessionClosed)
	for _, tx := range txs {
		if _, err := tx.Wait(); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("error %v, want ErrSessionClosed", err)
		}
	}
}

func TestSerialSingleOutstanding(t *testing.T) {
	m := NewTransactionManager(time.Second, 0, true)
	req, err := NewReadHoldingRegistersRequest(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := m.Submit(9, req, func(uint16) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Submit(9, req, func(uint16) error { return nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("second submit error %v, want ErrBusy", err)
	}

	// A frame from a different unit must not match.
	if m.Deliver(ADU{UnitID: 3, PDU: registersResponsePDU(7)}) {
		t.Fatal("response from foreign unit matched")
	}
	if !m.Deliver(ADU{UnitID: 9, PDU: registersResponsePDU(7)}) {
		t.Fatal("response from own unit not matched")
	}
	if _, err := tx.Wait(); err != nil {
		t.Fatal(err)
	}

	// The line is free again.
	tx2, err := m.Submit(9, req, func(uint16) error { return nil })
	if err != nil {
		t.Fatalf("submit after completion: %v", err)
	}
	m.Cancel(tx2)
}
