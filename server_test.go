package modbus

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

// startTestServer brings up a socket server on a loopback listener and a
// connected client.
func startTestServer(t *testing.T, cfg ClientConfig) (*Server, *Client) {
	t.Helper()
	store := NewFlatDataStore(256)
	srv := NewServer(1, store)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)

	sess, err := DialSocket(ln.Addr().String(), time.Second)
	if err != nil {
		srv.Close()
		t.Fatal(err)
	}
	sess.SetPollInterval(time.Millisecond)
	client := NewClient(sess, cfg)
	t.Cleanup(func() {
		client.Close()
		srv.Close()
	})
	return srv, client
}

func TestServerEndToEnd(t *testing.T) {
	_, client := startTestServer(t, ClientConfig{Timeout: 2 * time.Second, Retries: 0})

	if err := client.WriteSingleRegister(1, 40, 0xBEEF); err != nil {
		t.Fatal(err)
	}
	values, err := client.ReadHoldingRegisters(1, 40, 1)
	if err != nil {
		t.Fatal(err)
	}
	if values[0] != 0xBEEF {
		t.Errorf("read back %#04x", values[0])
	}

	want := []uint16{1, 2, 3, 4, 5}
	if err := client.WriteMultipleRegisters(1, 100, want); err != nil {
		t.Fatal(err)
	}
	got, err := client.ReadHoldingRegisters(1, 100, uint16(len(want)))
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("register %d: got %d, want %d", 100+i, got[i], want[i])
		}
	}

	coils := []bool{true, false, true, true, false, true, false, false, true}
	if err := client.WriteMultipleCoils(1, 8, coils); err != nil {
		t.Fatal(err)
	}
	gotCoils, err := client.ReadCoils(1, 8, uint16(len(coils)))
	if err != nil {
		t.Fatal(err)
	}
	for i := range coils {
		if gotCoils[i] != coils[i] {
			t.Fatalf("coil %d: got %v, want %v", 8+i, gotCoils[i], coils[i])
		}
	}

	if err := client.WriteSingleCoil(1, 3, true); err != nil {
		t.Fatal(err)
	}
	single, err := client.ReadCoils(1, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !single[0] {
		t.Error("coil 3 not set")
	}

	if err := client.WriteSingleRegister(1, 7, 0x0012); err != nil {
		t.Fatal(err)
	}
	if err := client.MaskWriteRegister(1, 7, 0x00F2, 0x0025); err != nil {
		t.Fatal(err)
	}
	masked, err := client.ReadHoldingRegisters(1, 7, 1)
	if err != nil {
		t.Fatal(err)
	}
	if masked[0] != 0x0017 {
		t.Errorf("masked register %#04x, want 0x0017", masked[0])
	}
}

func TestServerInputClasses(t *testing.T) {
	srv, client := startTestServer(t, ClientConfig{Timeout: 2 * time.Second, Retries: 0})

	if err := srv.Store().SetInputRegisters(0, []uint16{0x000A, 0x000B}); err != nil {
		t.Fatal(err)
	}
	if err := srv.Store().SetInputs(5, []bool{true, false, true}); err != nil {
		t.Fatal(err)
	}

	words, err := client.ReadInputRegisters(1, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if words[0] != 0x000A || words[1] != 0x000B {
		t.Errorf("input registers %v", words)
	}
	bits, err := client.ReadDiscreteInputs(1, 5, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !bits[0] || bits[1] || !bits[2] {
		t.Errorf("discrete inputs %v", bits)
	}
}

// An out-of-range access comes back as an exception response carrying the
// request's function code with the high bit set, and surfaces to the
// caller as the exception code.
func TestServerIllegalAddress(t *testing.T) {
	_, client := startTestServer(t, ClientConfig{Timeout: 2 * time.Second, Retries: 0})

	_, err := client.ReadHoldingRegisters(1, 1000, 10)
	if !errors.Is(err, ExceptionIllegalDataAddress) {
		t.Fatalf("error %v, want illegal data address", err)
	}
	var exc *ExceptionResponse
	if !errors.As(err, &exc) {
		t.Fatalf("error %v is not an *ExceptionResponse", err)
	}
	if exc.Function != FuncCodeReadHoldingRegisters {
		t.Errorf("exception function %v", exc.Function)
	}
}

// unregisteredRequest is a raw request with a function code the server does
// not implement.
type unregisteredRequest struct{}

func (unregisteredRequest) FunctionCode() FunctionCode { return 0x2B }
func (unregisteredRequest) Encode() []byte             { return []byte{0x0E, 0x01} }

func TestServerIllegalFunction(t *testing.T) {
	_, client := startTestServer(t, ClientConfig{Timeout: 2 * time.Second, Retries: 0})

	_, err := client.Do(1, unregisteredRequest{})
	if !errors.Is(err, ExceptionIllegalFunction) {
		t.Fatalf("error %v, want illegal function", err)
	}
}

// Requests addressed to a different unit must be ignored entirely, which
// the client sees as a timeout.
func TestServerIgnoresForeignUnit(t *testing.T) {
	_, client := startTestServer(t, ClientConfig{Timeout: 50 * time.Millisecond, Retries: 0})

	_, err := client.ReadHoldingRegisters(9, 0, 1)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error %v, want ErrTimeout", err)
	}
}

func TestServerBroadcastWrite(t *testing.T) {
	srv, client := startTestServer(t, ClientConfig{Timeout: 2 * time.Second, Retries: 0})

	if err := client.Broadcast(NewWriteSingleCoilRequest(12, true)); err != nil {
		t.Fatal(err)
	}
	// Fire and forget: give the server a moment to execute the write.
	deadline := time.Now().Add(2 * time.Second)
	for {
		bits, err := srv.Store().ReadBits(ClassCoil, 12, 1)
		if err != nil {
			t.Fatal(err)
		}
		if bits[0] {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("broadcast write never reached the store")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBroadcastReadRejected(t *testing.T) {
	_, client := startTestServer(t, ClientConfig{Timeout: 2 * time.Second, Retries: 0})

	req, err := NewReadCoilsRequest(0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Broadcast(req); !errors.Is(err, ErrBroadcastRead) {
		t.Fatalf("error %v, want ErrBroadcastRead", err)
	}
}

// Completed writes must be visible to every later read, across clients.
func TestServerWriteThenReadOrdering(t *testing.T) {
	_, writer := startTestServer(t, ClientConfig{Timeout: 2 * time.Second, Retries: 0})

	for i := 0; i < 50; i++ {
		want := uint16(i * 31)
		if err := writer.WriteSingleRegister(1, 3, want); err != nil {
			t.Fatal(err)
		}
		got, err := writer.ReadHoldingRegisters(1, 3, 1)
		if err != nil {
			t.Fatal(err)
		}
		if got[0] != want {
			t.Fatalf("iteration %d: read %d after writing %d", i, got[0], want)
		}
	}
}

func TestHandleADUDirect(t *testing.T) {
	srv := NewServer(4, NewFlatDataStore(16))

	// Own unit: answered.
	req, err := NewReadCoilsRequest(0, 8)
	if err != nil {
		t.Fatal(err)
	}
	resp, reply := srv.HandleADU(ADU{TransactionID: 77, UnitID: 4, PDU: EncodeRequest(req)})
	if !reply {
		t.Fatal("request for own unit not answered")
	}
	if resp.TransactionID != 77 || resp.UnitID != 4 {
		t.Errorf("response envelope txid %d unit %d", resp.TransactionID, resp.UnitID)
	}

	// Foreign unit: silence.
	if _, reply := srv.HandleADU(ADU{UnitID: 5, PDU: EncodeRequest(req)}); reply {
		t.Error("request for foreign unit answered")
	}

	// Broadcast write: executed, not answered.
	write := NewWriteSingleCoilRequest(2, true)
	if _, reply := srv.HandleADU(ADU{UnitID: BroadcastUnitID, PDU: EncodeRequest(write)}); reply {
		t.Error("broadcast got an answer")
	}
	bits, err := srv.Store().ReadBits(ClassCoil, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bits[0] {
		t.Error("broadcast write not executed")
	}

	// Broadcast read: neither executed nor answered.
	if _, reply := srv.HandleADU(ADU{UnitID: BroadcastUnitID, PDU: EncodeRequest(req)}); reply {
		t.Error("broadcast read answered")
	}
}

func TestHandlePDUMalformedPayload(t *testing.T) {
	srv := NewServer(1, NewFlatDataStore(16))

	p := srv.HandlePDU(PDU{Function: FuncCodeReadCoils, Data: []byte{0x00}})
	if !p.Function.IsException() {
		t.Fatalf("function %v, want exception", p.Function)
	}
	if !bytes.Equal(p.Data, []byte{byte(ExceptionIllegalDataValue)}) {
		t.Errorf("exception payload % X", p.Data)
	}
}
