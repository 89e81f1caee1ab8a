package modbus

import (
	"bytes"
	"testing"
)

func TestASCIIFramerEncode(t *testing.T) {
	f := NewASCIIFramer()
	frame, err := f.Encode(ADU{
		UnitID: 0x01,
		PDU:    PDU{Function: FuncCodeReadHoldingRegisters, Data: []byte{0x01, 0x0A}},
	})
	if err != nil {
		t.Fatal(err)
	}
	// LRC of 01 03 01 0A is F1.
	want := []byte(":0103010AF1\r\n")
	if !bytes.Equal(frame, want) {
		t.Fatalf("encoded %q, want %q", frame, want)
	}
}

func TestASCIIFramerRoundTrip(t *testing.T) {
	f := NewASCIIFramer()
	in := ADU{
		UnitID: 0x11,
		PDU:    PDU{Function: FuncCodeWriteSingleRegister, Data: []byte{0x00, 0x01, 0x00, 0x03}},
	}
	frame, err := f.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	f.Feed(frame)
	adu, res := f.Next()
	if res != FrameComplete {
		t.Fatalf("result %v, want FrameComplete", res)
	}
	if adu.UnitID != in.UnitID || adu.PDU.Function != in.PDU.Function {
		t.Errorf("unit %#02x function %v", adu.UnitID, adu.PDU.Function)
	}
	if !bytes.Equal(adu.PDU.Data, in.PDU.Data) {
		t.Errorf("payload % X", adu.PDU.Data)
	}
}

func TestASCIIFramerFragmentedInput(t *testing.T) {
	f := NewASCIIFramer()
	frame := []byte(":0103010AF1\r\n")
	for _, b := range frame[:len(frame)-1] {
		f.Feed([]byte{b})
		if _, res := f.Next(); res != FrameIncomplete {
			t.Fatalf("result %v before terminator", res)
		}
	}
	f.Feed(frame[len(frame)-1:])
	if _, res := f.Next(); res != FrameComplete {
		t.Fatal("frame not extracted after final byte")
	}
}

func TestASCIIFramerDropsLeadingNoise(t *testing.T) {
	f := NewASCIIFramer()
	f.Feed([]byte("garbage:0103010AF1\r\n"))
	if _, res := f.Next(); res != FrameDiscarded {
		t.Fatal("leading noise not discarded")
	}
	adu, res := f.Next()
	if res != FrameComplete {
		t.Fatalf("result %v after noise drop", res)
	}
	if adu.UnitID != 0x01 {
		t.Errorf("unit %#02x", adu.UnitID)
	}
}

func TestASCIIFramerBadLRC(t *testing.T) {
	f := NewASCIIFramer()
	f.Feed([]byte(":0103010AF2\r\n"))
	if _, res := f.Next(); res != FrameDiscarded {
		t.Fatal("frame with wrong LRC accepted")
	}
}

func TestASCIIFramerBadHex(t *testing.T) {
	f := NewASCIIFramer()
	f.Feed([]byte(":01G3010AF1\r\n"))
	if _, res := f.Next(); res != FrameDiscarded {
		t.Fatal("frame with non-hex body accepted")
	}
}

// A ':' arriving before the terminator means the previous frame was cut
// short; the framer restarts at the new start character.
func TestASCIIFramerRestartOnNewStart(t *testing.T) {
	f := NewASCIIFramer()
	f.Feed([]byte(":0103:0103010AF1\r\n"))
	if _, res := f.Next(); res != FrameDiscarded {
		t.Fatal("truncated frame not discarded")
	}
	adu, res := f.Next()
	if res != FrameComplete {
		t.Fatalf("result %v after restart", res)
	}
	if !bytes.Equal(adu.PDU.Data, []byte{0x01, 0x0A}) {
		t.Errorf("payload % X", adu.PDU.Data)
	}
}

func TestASCIIFramerOddBodyLength(t *testing.T) {
	f := NewASCIIFramer()
	f.Feed([]byte(":0103010AF\r\n"))
	if _, res := f.Next(); res != FrameDiscarded {
		t.Fatal("odd-length body accepted")
	}
}
