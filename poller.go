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
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// PollPoint names one value to poll from a unit. Register points have
// Quantity 1 unless the value spans several registers.
type PollPoint struct {
	Tag      string
	UnitID   uint8
	Class    RegisterClass
	Address  uint16
	Quantity uint16
}

// PollSample is the read result for one point.
type PollSample struct {
	Point PollPoint
	Bits  []bool
	Words []uint16
	Err   error
}

// OnDataFunc is a callback type for pushing polled samples.
type OnDataFunc func([]PollSample)

// OnErrorFunc is a callback type for error reporting.
type OnErrorFunc func(error)

// pollGroup is a run of points answerable by a single read request.
type pollGroup struct {
	unitID   uint8
	class    RegisterClass
	start    uint16
	quantity uint16
	points   []PollPoint
}

// PollScheduler groups points into batched reads and executes them against
// one client.
type PollScheduler struct {
	client *Client
	mu     sync.Mutex
	groups []pollGroup
}

// NewPollScheduler creates a scheduler bound to a client.
func NewPollScheduler(client *Client) *PollScheduler {
	return &PollScheduler{client: client}
}

// Load validates and groups points for efficient polling. Points that are
// adjacent in the same class of the same unit merge into one request, up
// to the protocol read ceilings.
func (ps *PollScheduler) Load(points []PollPoint) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	tags := make(map[string]bool)
	for _, p := range points {
		if p.Tag == "" {
			return fmt.Errorf("modbus: poll point at %v/%d has no tag", p.Class, p.Address)
		}
		if tags[p.Tag] {
			return fmt.Errorf("modbus: duplicate poll tag %q", p.Tag)
		}
		tags[p.Tag] = true
		if p.Quantity == 0 {
			return fmt.Errorf("modbus: poll point %q has zero quantity", p.Tag)
		}
	}
	ps.groups = groupPollPoints(points)
	return nil
}

// groupPollPoints sorts points by unit, class and address and merges runs
// with no gap between them.
func groupPollPoints(points []PollPoint) []pollGroup {
	sorted := make([]PollPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.UnitID != b.UnitID {
			return a.UnitID < b.UnitID
		}
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		return a.Address < b.Address
	})
	var groups []pollGroup
	for _, p := range sorted {
		ceiling := uint16(MaxReadRegisters)
		if p.Class.IsBit() {
			ceiling = MaxReadBits
		}
		if n := len(groups); n > 0 {
			g := &groups[n-1]
			if g.unitID == p.UnitID && g.class == p.Class &&
				uint32(g.start)+uint32(g.quantity) == uint32(p.Address) &&
				g.quantity+p.Quantity <= ceiling {
				g.quantity += p.Quantity
				g.points = append(g.points, p)
				continue
			}
		}
		groups = append(groups, pollGroup{
			unitID:   p.UnitID,
			class:    p.Class,
			start:    p.Address,
			quantity: p.Quantity,
			points:   []PollPoint{p},
		})
	}
	return groups
}

// ReadGrouped performs one pass over all groups and returns a sample per
// point. Groups run sequentially: a scheduler shares one client, and on
// serial transports only one transaction can be outstanding anyway.
func (ps *PollScheduler) ReadGrouped() []PollSample {
	ps.mu.Lock()
	groups := ps.groups
	ps.mu.Unlock()
	var samples []PollSample
	for _, g := range groups {
		samples = append(samples, ps.readGroup(g)...)
	}
	return samples
}

func (ps *PollScheduler) readGroup(g pollGroup) []PollSample {
	var bits []bool
	var words []uint16
	var err error
	switch g.class {
	case ClassCoil:
		bits, err = ps.client.ReadCoils(g.unitID, g.start, g.quantity)
	case ClassDiscreteInput:
		bits, err = ps.client.ReadDiscreteInputs(g.unitID, g.start, g.quantity)
	case ClassInputRegister:
		words, err = ps.client.ReadInputRegisters(g.unitID, g.start, g.quantity)
	default:
		words, err = ps.client.ReadHoldingRegisters(g.unitID, g.start, g.quantity)
	}
	samples := make([]PollSample, 0, len(g.points))
	for _, p := range g.points {
		s := PollSample{Point: p, Err: err}
		if err == nil {
			off := int(p.Address - g.start)
			if bits != nil {
				s.Bits = bits[off : off+int(p.Quantity)]
			} else {
				s.Words = words[off : off+int(p.Quantity)]
			}
		}
		samples = append(samples, s)
	}
	return samples
}

// PollStream handles asynchronous sample delivery and callback dispatch.
type PollStream struct {
	dataCh   chan []PollSample
	stopCh   chan struct{}
	stopOnce sync.Once
	onData   atomic.Value
	onError  atomic.Value
}

// NewPollStream creates a PollStream with a given buffer size.
func NewPollStream(bufferSize int) *PollStream {
	return &PollStream{
		dataCh: make(chan []PollSample, bufferSize),
		stopCh: make(chan struct{}),
	}
}

// SetOnData sets the callback for sample batches.
func (ps *PollStream) SetOnData(fn OnDataFunc) {
	ps.onData.Store(fn)
}

// SetOnError sets the callback for poll errors.
func (ps *PollStream) SetOnError(fn OnErrorFunc) {
	ps.onError.Store(fn)
}

// Start launches the goroutine that dispatches samples to the OnData
// callback.
func (ps *PollStream) Start() {
	go func() {
		for {
			select {
			case <-ps.stopCh:
				return
			case data, ok := <-ps.dataCh:
				if !ok {
					return
				}
				if cb := ps.onData.Load(); cb != nil {
					cb.(OnDataFunc)(data)
				}
			}
		}
	}()
}

// Push sends samples to the stream, unless stopped. Samples carrying an
// error are also reported through the OnError callback.
func (ps *PollStream) Push(data []PollSample) {
	for _, s := range data {
		if s.Err == nil {
			continue
		}
		if cb := ps.onError.Load(); cb != nil {
			cb.(OnErrorFunc)(fmt.Errorf("poll %q: %w", s.Point.Tag, s.Err))
		}
	}
	select {
	case ps.dataCh <- data:
	case <-ps.stopCh:
	}
}

// Stop signals the stream to stop processing.
func (ps *PollStream) Stop() {
	ps.stopOnce.Do(func() { close(ps.stopCh) })
}

// PollManager couples a scheduler with a stream for one client.
type PollManager struct {
	Scheduler *PollScheduler
	Stream    *PollStream
}

// NewPollManager creates a manager for one client.
func NewPollManager(client *Client, bufferSize int) *PollManager {
	return &PollManager{
		Scheduler: NewPollScheduler(client),
		Stream:    NewPollStream(bufferSize),
	}
}

// LoadPoints loads and groups points for polling.
func (m *PollManager) LoadPoints(points []PollPoint) error {
	return m.Scheduler.Load(points)
}

// ReadAndStream performs one poll pass and pushes the samples to the
// stream.
func (m *PollManager) ReadAndStream() {
	m.Stream.Push(m.Scheduler.ReadGrouped())
}

// SetOnData sets the data callback for the stream.
func (m *PollManager) SetOnData(fn OnDataFunc) {
	m.Stream.SetOnData(fn)
}

// SetOnError sets the error callback for the stream.
func (m *PollManager) SetOnError(fn OnErrorFunc) {
	m.Stream.SetOnError(fn)
}

// Start launches the stream's goroutine.
func (m *PollManager) Start() {
	m.Stream.Start()
}

// Stop signals the stream to stop.
func (m *PollManager) Stop() {
	m.Stream.Stop()
}

// DevicePoller polls any number of managers at a fixed interval. Managers
// poll concurrently with each other; within a manager, reads stay
// sequential on its client.
type DevicePoller struct {
	managers []*PollManager
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDevicePoller creates a poller with the given interval.
func NewDevicePoller(interval time.Duration) *DevicePoller {
	return &DevicePoller{
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// AddManager adds a manager to the poller. Call before Start.
func (dp *DevicePoller) AddManager(mgr *PollManager) {
	dp.managers = append(dp.managers, mgr)
}

// Start initiates the polling loop.
func (dp *DevicePoller) Start() {
	for _, mgr := range dp.managers {
		mgr.Start()
	}
	dp.wg.Add(1)
	go dp.poll()
}

func (dp *DevicePoller) poll() {
	defer dp.wg.Done()
	ticker := time.NewTicker(dp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-dp.stopCh:
			return
		case <-ticker.C:
			dp.pollManagers()
		}
	}
}

func (dp *DevicePoller) pollManagers() {
	var wg sync.WaitGroup
	for _, mgr := range dp.managers {
		wg.Add(1)
		go func(m *PollManager) {
			defer wg.Done()
			m.ReadAndStream()
		}(mgr)
	}
	wg.Wait()
}

// Stop stops the polling loop and the managers' streams.
func (dp *DevicePoller) Stop() {
	dp.stopOnce.Do(func() {
		close(dp.stopCh)
		dp.wg.Wait()
		for _, mgr := range dp.managers {
			mgr.Stop()
		}
	})
}
