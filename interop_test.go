package modbus

import (
	"os"
	"testing"
	"time"

	mbserver "github.com/hootrhino/mbserver"
	"github.com/hootrhino/mbserver/store"
)

const interopListenAddr = "127.0.0.1:15502"

// TestInteropAgainstMbserver checks the client against an independent
// Modbus TCP server implementation.
func TestInteropAgainstMbserver(t *testing.T) {
	server := mbserver.NewServer(store.NewInMemoryStore(), 1)
	server.SetLogger(os.Stdout)
	server.SetErrorHandler(func(err error) {
		t.Logf("mbserver error: %v", err)
	})

	seed := make([]uint16, 10)
	for i := range seed {
		seed[i] = 0xABCD
	}
	if err := server.SetHoldingRegisters(seed); err != nil {
		t.Fatalf("seeding holding registers: %v", err)
	}

	if err := server.Start(interopListenAddr); err != nil {
		t.Skipf("cannot listen on %s: %v", interopListenAddr, err)
	}
	defer server.Stop()

	sess, err := DialSocket(interopListenAddr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	sess.SetPollInterval(time.Millisecond)
	client := NewClient(sess, ClientConfig{Timeout: 2 * time.Second, Retries: 1})
	defer client.Close()

	values, err := client.ReadHoldingRegisters(1, 0, uint16(len(seed)))
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range values {
		if v != 0xABCD {
			t.Errorf("register %d: got %#04x, want 0xABCD", i, v)
		}
	}
}
