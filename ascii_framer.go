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
	"bytes"
	"encoding/hex"
	"fmt"
)

// ASCII framing constants.
const (
	asciiStart = ':'

	// MaxASCIIFrameLength is ':' + 2 hex chars per byte of
	// (unit + PDU + LRC) + CRLF.
	MaxASCIIFrameLength = 1 + 2*(1+MaxPDULength+1) + 2
)

var asciiEnd = []byte{'\r', '\n'}

// ASCIIFramer implements serial ASCII framing: a ':' start character, the
// hex-encoded unit id, PDU and LRC, and a CRLF terminator. Frames are
// self-delimiting, so unlike RTU no role is needed to size them.
type ASCIIFramer struct {
	buf []byte
}

// NewASCIIFramer creates an ASCII framer with an empty reassembly buffer.
func NewASCIIFramer() *ASCIIFramer {
	return &ASCIIFramer{}
}

// Encode renders the ADU as ':' + uppercase hex + LRC + CRLF.
func (f *ASCIIFramer) Encode(adu ADU) ([]byte, error) {
	pdu := adu.PDU.Bytes()
	if len(pdu) > MaxPDULength {
		return nil, fmt.Errorf("modbus: PDU length %d exceeds maximum %d bytes", len(pdu), MaxPDULength)
	}
	raw := make([]byte, 0, 1+len(pdu)+1)
	raw = append(raw, adu.UnitID)
	raw = append(raw, pdu...)
	raw = append(raw, LRC(raw))

	frame := make([]byte, 0, 1+2*len(raw)+2)
	frame = append(frame, asciiStart)
	frame = appendUpperHex(frame, raw)
	frame = append(frame, asciiEnd...)
	return frame, nil
}

// Feed appends bytes to the reassembly buffer.
func (f *ASCIIFramer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next extracts the next complete frame. Anything before the first ':' is
// noise and is dropped; a malformed body discards up to the next ':'.
func (f *ASCIIFramer) Next() (ADU, FeedResult) {
	start := bytes.IndexByte(f.buf, asciiStart)
	if start < 0 {
		// No frame start in sight; line noise only.
		if len(f.buf) > 0 {
			f.buf = nil
			return ADU{}, FrameDiscarded
		}
		return ADU{}, FrameIncomplete
	}
	if start > 0 {
		f.buf = f.buf[start:]
		return ADU{}, FrameDiscarded
	}

	// A new ':' before the terminator restarts the frame.
	if restart := bytes.IndexByte(f.buf[1:], asciiStart); restart >= 0 {
		if end := bytes.Index(f.buf[:restart+1], asciiEnd); end < 0 {
			f.buf = f.buf[restart+1:]
			return ADU{}, FrameDiscarded
		}
	}

	end := bytes.Index(f.buf, asciiEnd)
	if end < 0 {
		if len(f.buf) > MaxASCIIFrameLength {
			f.buf = f.buf[1:]
			return ADU{}, FrameDiscarded
		}
		return ADU{}, FrameIncomplete
	}

	body := f.buf[1:end]
	f.buf = f.buf[end+len(asciiEnd):]

	adu, ok := decodeASCIIBody(body)
	if !ok {
		return ADU{}, FrameDiscarded
	}
	return adu, FrameComplete
}

// decodeASCIIBody hex-decodes the frame body and verifies its LRC.
func decodeASCIIBody(body []byte) (ADU, bool) {
	// Minimum content: unit id, function code, LRC.
	if len(body) < 6 || len(body)%2 != 0 {
		return ADU{}, false
	}
	raw := make([]byte, len(body)/2)
	if _, err := hex.Decode(raw, body); err != nil {
		return ADU{}, false
	}
	payload, sum := raw[:len(raw)-1], raw[len(raw)-1]
	if LRC(payload) != sum {
		return ADU{}, false
	}
	if len(payload)-1 > MaxPDULength {
		return ADU{}, false
	}
	return ADU{
		UnitID: payload[0],
		PDU: PDU{
			Function: FunctionCode(payload[1]),
			Data:     append([]byte(nil), payload[2:]...),
		},
	}, true
}

const upperHexDigits = "0123456789ABCDEF"

func appendUpperHex(dst, src []byte) []byte {
	for _, b := range src {
		dst = append(dst, upperHexDigits[b>>4], upperHexDigits[b&0x0F])
	}
	return dst
}
