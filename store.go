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

	"github.com/TheCount/go-multilocker/multilocker"
)

// RegisterClass enumerates the four independent address spaces of the Modbus
// data model.
type RegisterClass uint8

const (
	ClassDiscreteInput RegisterClass = iota
	ClassCoil
	ClassInputRegister
	ClassHoldingRegister
	numRegisterClasses = 4
)

var registerClassNames = [numRegisterClasses]string{
	"discrete inputs",
	"coils",
	"input registers",
	"holding registers",
}

func (c RegisterClass) String() string {
	if int(c) < len(registerClassNames) {
		return registerClassNames[c]
	}
	return fmt.Sprintf("unknown register class %d", uint8(c))
}

// IsBit reports whether the class stores single bits rather than 16-bit
// words.
func (c RegisterClass) IsBit() bool {
	return c == ClassDiscreteInput || c == ClassCoil
}

// IsWritable reports whether the class accepts protocol writes.
func (c RegisterClass) IsWritable() bool {
	return c == ClassCoil || c == ClassHoldingRegister
}

// StoreRange declares a stretch of addressable memory in one register class.
type StoreRange struct {
	Class  RegisterClass
	Start  uint16
	Length uint16
}

// Validate checks the range declaration.
func (r StoreRange) Validate() error {
	if r.Class >= numRegisterClasses {
		return fmt.Errorf("modbus: unknown register class %d", uint8(r.Class))
	}
	if r.Length == 0 {
		return fmt.Errorf("modbus: zero-length range for %v", r.Class)
	}
	if int(r.Start)+int(r.Length) > 0x10000 {
		return fmt.Errorf("modbus: range for %v exceeds the 16-bit address space", r.Class)
	}
	return nil
}

// storeBlock is the memory behind one configured range. Each block moves
// atomically: its mutex guards every read and write of its values.
type storeBlock struct {
	mx    sync.RWMutex
	start uint16
	bits  []bool
	words []uint16
}

func (b *storeBlock) length() int {
	if b.bits != nil {
		return len(b.bits)
	}
	return len(b.words)
}

func (b *storeBlock) end() int { return int(b.start) + b.length() }

// DataStore is the in-memory process data backing a server unit. Addresses
// are 0-based; the storage is sparse in the sense that only configured
// ranges exist, and touching anything outside them is an
// illegal-data-address exception, never silent growth.
//
// A request spanning several adjacent ranges locks them all at once, so a
// concurrent read never observes a partially applied write.
type DataStore struct {
	blocks [numRegisterClasses][]*storeBlock
}

// NewDataStore builds a store from range declarations. Ranges of the same
// class must not overlap.
func NewDataStore(ranges ...StoreRange) (*DataStore, error) {
	s := &DataStore{}
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		b := &storeBlock{start: r.Start}
		if r.Class.IsBit() {
			b.bits = make([]bool, r.Length)
		} else {
			b.words = make([]uint16, r.Length)
		}
		s.blocks[r.Class] = append(s.blocks[r.Class], b)
	}
	for class, blocks := range s.blocks {
		sort.Slice(blocks, func(i, j int) bool { return blocks[i].start < blocks[j].start })
		for i := 0; i < len(blocks)-1; i++ {
			if blocks[i].end() > int(blocks[i+1].start) {
				return nil, fmt.Errorf("modbus: overlapping ranges in %v at address %d",
					RegisterClass(class), blocks[i+1].start)
			}
		}
	}
	return s, nil
}

// NewFlatDataStore is the common case: every class addressable from 0 to
// size-1.
func NewFlatDataStore(size uint16) *DataStore {
	s, err := NewDataStore(
		StoreRange{Class: ClassDiscreteInput, Length: size},
		StoreRange{Class: ClassCoil, Length: size},
		StoreRange{Class: ClassInputRegister, Length: size},
		StoreRange{Class: ClassHoldingRegister, Length: size},
	)
	if err != nil {
		// Only reachable with size 0.
		panic(err)
	}
	return s
}

// coveringBlocks returns the blocks covering [addr, addr+quantity), in
// order. Any gap or overhang is an illegal-data-address exception.
func (s *DataStore) coveringBlocks(class RegisterClass, addr uint16, quantity int) ([]*storeBlock, error) {
	if quantity <= 0 {
		return nil, ExceptionIllegalDataValue
	}
	var covering []*storeBlock
	next := int(addr)
	end := int(addr) + quantity
	for _, b := range s.blocks[class] {
		if b.end() <= next {
			continue
		}
		if int(b.start) > next {
			return nil, ExceptionIllegalDataAddress
		}
		covering = append(covering, b)
		next = b.end()
		if next >= end {
			return covering, nil
		}
	}
	return nil, ExceptionIllegalDataAddress
}

func lockAll(blocks []*storeBlock, write bool) sync.Locker {
	lockers := make([]sync.Locker, len(blocks))
	for i, b := range blocks {
		if write {
			lockers[i] = &b.mx
		} else {
			lockers[i] = b.mx.RLocker()
		}
	}
	return multilocker.New(lockers...)
}

// ReadBits reads quantity bits of a bit class starting at addr.
func (s *DataStore) ReadBits(class RegisterClass, addr uint16, quantity uint16) ([]bool, error) {
	if !class.IsBit() {
		return nil, fmt.Errorf("modbus: %v is not a bit class", class)
	}
	blocks, err := s.coveringBlocks(class, addr, int(quantity))
	if err != nil {
		return nil, err
	}
	l := lockAll(blocks, false)
	l.Lock()
	defer l.Unlock()
	out := make([]bool, 0, quantity)
	next := int(addr)
	for _, b := range blocks {
		from := next - int(b.start)
		take := min(b.length()-from, int(quantity)-len(out))
		out = append(out, b.bits[from:from+take]...)
		next += take
	}
	return out, nil
}

// WriteBits writes coil values starting at addr.
func (s *DataStore) WriteBits(class RegisterClass, addr uint16, values []bool) error {
	if !class.IsWritable() || !class.IsBit() {
		return ExceptionIllegalDataAddress
	}
	blocks, err := s.coveringBlocks(class, addr, len(values))
	if err != nil {
		return err
	}
	l := lockAll(blocks, true)
	l.Lock()
	defer l.Unlock()
	next := int(addr)
	for _, b := range blocks {
		from := next - int(b.start)
		take := min(b.length()-from, len(values))
		copy(b.bits[from:from+take], values[:take])
		values = values[take:]
		next += take
	}
	return nil
}

// ReadWords reads quantity registers of a word class starting at addr.
func (s *DataStore) ReadWords(class RegisterClass, addr uint16, quantity uint16) ([]uint16, error) {
	if class.IsBit() {
		return nil, fmt.Errorf("modbus: %v is not a register class", class)
	}
	blocks, err := s.coveringBlocks(class, addr, int(quantity))
	if err != nil {
		return nil, err
	}
	l := lockAll(blocks, false)
	l.Lock()
	defer l.Unlock()
	out := make([]uint16, 0, quantity)
	next := int(addr)
	for _, b := range blocks {
		from := next - int(b.start)
		take := min(b.length()-from, int(quantity)-len(out))
		out = append(out, b.words[from:from+take]...)
		next += take
	}
	return out, nil
}

// WriteWords writes holding register values starting at addr.
func (s *DataStore) WriteWords(class RegisterClass, addr uint16, values []uint16) error {
	if !class.IsWritable() || class.IsBit() {
		return ExceptionIllegalDataAddress
	}
	blocks, err := s.coveringBlocks(class, addr, len(values))
	if err != nil {
		return err
	}
	l := lockAll(blocks, true)
	l.Lock()
	defer l.Unlock()
	next := int(addr)
	for _, b := range blocks {
		from := next - int(b.start)
		take := min(b.length()-from, len(values))
		copy(b.words[from:from+take], values[:take])
		values = values[take:]
		next += take
	}
	return nil
}

// MaskWrite applies result = (current AND andMask) OR (orMask AND NOT
// andMask) to one holding register, atomically.
func (s *DataStore) MaskWrite(addr, andMask, orMask uint16) error {
	blocks, err := s.coveringBlocks(ClassHoldingRegister, addr, 1)
	if err != nil {
		return err
	}
	b := blocks[0]
	b.mx.Lock()
	defer b.mx.Unlock()
	i := int(addr) - int(b.start)
	b.words[i] = (b.words[i] & andMask) | (orMask &^ andMask)
	return nil
}

// SetInputs loads discrete input states; the process side of the store.
func (s *DataStore) SetInputs(addr uint16, values []bool) error {
	blocks, err := s.coveringBlocks(ClassDiscreteInput, addr, len(values))
	if err != nil {
		return err
	}
	l := lockAll(blocks, true)
	l.Lock()
	defer l.Unlock()
	next := int(addr)
	for _, b := range blocks {
		from := next - int(b.start)
		take := min(b.length()-from, len(values))
		copy(b.bits[from:from+take], values[:take])
		values = values[take:]
		next += take
	}
	return nil
}

// SetInputRegisters loads input register values; the process side of the
// store.
func (s *DataStore) SetInputRegisters(addr uint16, values []uint16) error {
	blocks, err := s.coveringBlocks(ClassInputRegister, addr, len(values))
	if err != nil {
		return err
	}
	l := lockAll(blocks, true)
	l.Lock()
	defer l.Unlock()
	next := int(addr)
	for _, b := range blocks {
		from := next - int(b.start)
		take := min(b.length()-from, len(values))
		copy(b.words[from:from+take], values[:take])
		values = values[take:]
		next += take
	}
	return nil
}

// Ranges lists the configured ranges of one class, in address order.
func (s *DataStore) Ranges(class RegisterClass) []StoreRange {
	if class >= numRegisterClasses {
		return nil
	}
	out := make([]StoreRange, 0, len(s.blocks[class]))
	for _, b := range s.blocks[class] {
		out = append(out, StoreRange{Class: class, Start: b.start, Length: uint16(b.length())})
	}
	return out
}
