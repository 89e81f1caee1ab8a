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
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS store_ranges (
	class   INTEGER NOT NULL,
	start   INTEGER NOT NULL,
	length  INTEGER NOT NULL,
	PRIMARY KEY (class, start)
);
CREATE TABLE IF NOT EXISTS store_values (
	class   INTEGER NOT NULL,
	address INTEGER NOT NULL,
	value   INTEGER NOT NULL,
	PRIMARY KEY (class, address)
);
`

// SaveSnapshot persists the store layout and contents to a SQLite file at
// path, replacing any snapshot already there. Each block is copied under
// its own read lock, so a snapshot taken while the server runs holds no
// torn writes.
func (s *DataStore) SaveSnapshot(path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("modbus: open snapshot %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.Exec(snapshotSchema); err != nil {
		return fmt.Errorf("modbus: create snapshot schema: %w", err)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("modbus: begin snapshot: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"store_ranges", "store_values"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("modbus: clear %s: %w", table, err)
		}
	}
	insRange, err := tx.Prepare("INSERT INTO store_ranges (class, start, length) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer insRange.Close()
	insValue, err := tx.Prepare("INSERT INTO store_values (class, address, value) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer insValue.Close()

	for class := RegisterClass(0); class < numRegisterClasses; class++ {
		for _, b := range s.blocks[class] {
			if _, err := insRange.Exec(int(class), int(b.start), b.length()); err != nil {
				return fmt.Errorf("modbus: snapshot range: %w", err)
			}
			b.mx.RLock()
			values := make([]int, b.length())
			if b.bits != nil {
				for i, on := range b.bits {
					if on {
						values[i] = 1
					}
				}
			} else {
				for i, w := range b.words {
					values[i] = int(w)
				}
			}
			b.mx.RUnlock()
			for i, v := range values {
				if _, err := insValue.Exec(int(class), int(b.start)+i, v); err != nil {
					return fmt.Errorf("modbus: snapshot value: %w", err)
				}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("modbus: commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot rebuilds a store from a SQLite snapshot written by
// SaveSnapshot.
func LoadSnapshot(path string) (*DataStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("modbus: open snapshot %s: %w", path, err)
	}
	defer db.Close()

	rows, err := db.Query("SELECT class, start, length FROM store_ranges ORDER BY class, start")
	if err != nil {
		return nil, fmt.Errorf("modbus: read snapshot ranges: %w", err)
	}
	var ranges []StoreRange
	for rows.Next() {
		var class, start, length int
		if err := rows.Scan(&class, &start, &length); err != nil {
			rows.Close()
			return nil, err
		}
		ranges = append(ranges, StoreRange{
			Class:  RegisterClass(class),
			Start:  uint16(start),
			Length: uint16(length),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("modbus: snapshot %s holds no ranges", path)
	}
	store, err := NewDataStore(ranges...)
	if err != nil {
		return nil, err
	}

	rows, err = db.Query("SELECT class, address, value FROM store_values")
	if err != nil {
		return nil, fmt.Errorf("modbus: read snapshot values: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var class, address, value int
		if err := rows.Scan(&class, &address, &value); err != nil {
			return nil, err
		}
		if err := store.poke(RegisterClass(class), uint16(address), uint16(value)); err != nil {
			return nil, fmt.Errorf("modbus: snapshot value outside its ranges: %w", err)
		}
	}
	return store, rows.Err()
}

// poke writes one cell regardless of protocol writability. Only used while
// rebuilding from a snapshot, before the store is shared.
func (s *DataStore) poke(class RegisterClass, addr uint16, value uint16) error {
	if class >= numRegisterClasses {
		return fmt.Errorf("unknown register class %d", uint8(class))
	}
	blocks, err := s.coveringBlocks(class, addr, 1)
	if err != nil {
		return err
	}
	b := blocks[0]
	i := int(addr) - int(b.start)
	if b.bits != nil {
		b.bits[i] = value != 0
	} else {
		b.words[i] = value
	}
	return nil
}
