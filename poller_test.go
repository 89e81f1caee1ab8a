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
	"sync"
	"testing"
	"time"
)

func TestGroupPollPoints(t *testing.T) {
	points := []PollPoint{
		{Tag: "c", UnitID: 1, Class: ClassHoldingRegister, Address: 12, Quantity: 2},
		{Tag: "a", UnitID: 1, Class: ClassHoldingRegister, Address: 10, Quantity: 1},
		{Tag: "b", UnitID: 1, Class: ClassHoldingRegister, Address: 11, Quantity: 1},
		{Tag: "gap", UnitID: 1, Class: ClassHoldingRegister, Address: 20, Quantity: 1},
		{Tag: "other-unit", UnitID: 2, Class: ClassHoldingRegister, Address: 10, Quantity: 1},
		{Tag: "coil", UnitID: 1, Class: ClassCoil, Address: 10, Quantity: 1},
	}
	groups := groupPollPoints(points)
	if len(groups) != 4 {
		t.Fatalf("got %d groups, want 4", len(groups))
	}
	// The contiguous holding run 10..13 collapses into one read.
	g := groups[1]
	if g.class != ClassHoldingRegister || g.start != 10 || g.quantity != 4 || len(g.points) != 3 {
		t.Errorf("merged group: start %d quantity %d points %d", g.start, g.quantity, len(g.points))
	}
}

func TestGroupPollPointsCeiling(t *testing.T) {
	// Two adjacent points whose merged span would exceed the register read
	// ceiling must stay separate.
	points := []PollPoint{
		{Tag: "lo", UnitID: 1, Class: ClassHoldingRegister, Address: 0, Quantity: MaxReadRegisters},
		{Tag: "hi", UnitID: 1, Class: ClassHoldingRegister, Address: MaxReadRegisters, Quantity: 1},
	}
	if groups := groupPollPoints(points); len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
}

func TestPollSchedulerRejectsDuplicateTags(t *testing.T) {
	ps := NewPollScheduler(nil)
	err := ps.Load([]PollPoint{
		{Tag: "x", Class: ClassCoil, Address: 0, Quantity: 1},
		{Tag: "x", Class: ClassCoil, Address: 1, Quantity: 1},
	})
	if err == nil {
		t.Fatal("duplicate tags accepted")
	}
}

func TestDevicePollerEndToEnd(t *testing.T) {
	srv, client := pipeClient(t, FramingSocket, ClientConfig{Timeout: 2 * time.Second, Retries: 0})
	if err := srv.Store().WriteWords(ClassHoldingRegister, 10, []uint16{0x0101, 0x0202}); err != nil {
		t.Fatal(err)
	}
	if err := srv.Store().SetInputs(0, []bool{true}); err != nil {
		t.Fatal(err)
	}

	mgr := NewPollManager(client, 4)
	err := mgr.LoadPoints([]PollPoint{
		{Tag: "flow", UnitID: 1, Class: ClassHoldingRegister, Address: 10, Quantity: 1},
		{Tag: "level", UnitID: 1, Class: ClassHoldingRegister, Address: 11, Quantity: 1},
		{Tag: "alarm", UnitID: 1, Class: ClassDiscreteInput, Address: 0, Quantity: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	got := make(map[string]PollSample)
	done := make(chan struct{})
	mgr.SetOnData(func(samples []PollSample) {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range samples {
			got[s.Point.Tag] = s
		}
		if len(got) == 3 {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})

	poller := NewDevicePoller(10 * time.Millisecond)
	poller.AddManager(mgr)
	poller.Start()
	defer poller.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller produced no complete sample set")
	}

	mu.Lock()
	defer mu.Unlock()
	if s := got["flow"]; s.Err != nil || len(s.Words) != 1 || s.Words[0] != 0x0101 {
		t.Errorf("flow sample %+v", s)
	}
	if s := got["level"]; s.Err != nil || len(s.Words) != 1 || s.Words[0] != 0x0202 {
		t.Errorf("level sample %+v", s)
	}
	if s := got["alarm"]; s.Err != nil || len(s.Bits) != 1 || !s.Bits[0] {
		t.Errorf("alarm sample %+v", s)
	}
}

func TestPollStreamErrorCallback(t *testing.T) {
	stream := NewPollStream(1)
	defer stream.Stop()

	errc := make(chan error, 1)
	stream.SetOnError(func(err error) {
		select {
		case errc <- err:
		default:
		}
	})
	stream.Push([]PollSample{{Point: PollPoint{Tag: "bad"}, Err: ErrTimeout}})

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("nil error delivered")
		}
	default:
		t.Fatal("error callback not invoked")
	}
}
