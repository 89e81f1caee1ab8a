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

	"github.com/fatih/color"
)

// Tracer dumps raw TX/RX bytes of a session as annotated hex, with direction
// coloring when the output supports it. A nil *Tracer is valid and silent,
// so sessions can call it unconditionally.
type Tracer struct {
	mu  sync.Mutex
	out io.Writer
	tx  *color.Color
	rx  *color.Color
}

// NewTracer writes frame dumps to out.
func NewTracer(out io.Writer) *Tracer {
	return &Tracer{
		out: out,
		tx:  color.New(color.FgYellow),
		rx:  color.New(color.FgCyan),
	}
}

// TX records bytes written to the transport.
func (t *Tracer) TX(p []byte) {
	if t == nil {
		return
	}
	t.dump(t.tx, "TX", p)
}

// RX records bytes read from the transport.
func (t *Tracer) RX(p []byte) {
	if t == nil {
		return
	}
	t.dump(t.rx, "RX", p)
}

func (t *Tracer) dump(c *color.Color, dir string, p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c.Fprintf(t.out, "%s (%3d) % X\n", dir, len(p), p)
}

// DumpFrame renders a single frame as plain annotated hex, without color.
// Useful in error messages and logs.
func DumpFrame(frame []byte) string {
	if len(frame) == 0 {
		return "empty frame"
	}
	return fmt.Sprintf("%d bytes: % X", len(frame), frame)
}
