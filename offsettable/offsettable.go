// Package offsettable persists the four-slot time-offset table between
// sessions, backed by a pure-Go sqlite driver.
package offsettable

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// NumSlots is the fixed number of independently configurable offset
// slots (§3 Time-offset table).
const NumSlots = 4

// Slot is one mutable offset entry: a picosecond offset and the time it
// was last updated. Unset is represented by Valid=false.
type Slot struct {
	OffsetPs  int64
	UpdatedAt time.Time
	Valid     bool
}

// Table is the in-memory, sqlite-backed offset table.
type Table struct {
	mu   sync.RWMutex
	db   *sql.DB
	slot [NumSlots]Slot
}

// Open opens (creating if necessary) the sqlite database at path,
// ensures its schema, and loads any persisted slots.
func Open(path string) (*Table, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("offsettable: open %s: %w", path, err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("offsettable: set WAL mode: %w", err)
	}

	t := &Table{db: db}
	if err := t.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := t.load(); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Table) ensureSchema() error {
	_, err := t.db.Exec(`
CREATE TABLE IF NOT EXISTS offsets (
	offset_index INTEGER PRIMARY KEY,
	offset_ps    INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("offsettable: ensure schema: %w", err)
	}
	return nil
}

func (t *Table) load() error {
	rows, err := t.db.Query(`SELECT offset_index, offset_ps, updated_at FROM offsets;`)
	if err != nil {
		return fmt.Errorf("offsettable: load: %w", err)
	}
	defer rows.Close()

	t.mu.Lock()
	defer t.mu.Unlock()

	for rows.Next() {
		var idx int
		var offsetPs int64
		var updatedAtUnix int64
		if err := rows.Scan(&idx, &offsetPs, &updatedAtUnix); err != nil {
			return fmt.Errorf("offsettable: scan: %w", err)
		}
		if idx < 0 || idx >= NumSlots {
			continue
		}
		t.slot[idx] = Slot{
			OffsetPs:  offsetPs,
			UpdatedAt: time.Unix(updatedAtUnix, 0),
			Valid:     true,
		}
	}
	return rows.Err()
}

// Get returns the current value of slot index (0..3).
func (t *Table) Get(index int) (Slot, error) {
	if index < 0 || index >= NumSlots {
		return Slot{}, fmt.Errorf("offsettable: index %d out of range", index)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slot[index], nil
}

// All returns a copy of every slot, ordered by index.
func (t *Table) All() [NumSlots]Slot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slot
}

// Offsets returns the raw picosecond offsets, zero for unset slots — the
// shape the coincidence counter consumes directly.
func (t *Table) Offsets() [NumSlots]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out [NumSlots]int64
	for i, s := range t.slot {
		out[i] = s.OffsetPs
	}
	return out
}

// Set updates slot index and persists it.
func (t *Table) Set(index int, offsetPs int64) error {
	if index < 0 || index >= NumSlots {
		return fmt.Errorf("offsettable: index %d out of range", index)
	}

	now := time.Now()
	t.mu.Lock()
	t.slot[index] = Slot{OffsetPs: offsetPs, UpdatedAt: now, Valid: true}
	t.mu.Unlock()

	_, err := t.db.Exec(`
INSERT INTO offsets (offset_index, offset_ps, updated_at) VALUES (?, ?, ?)
ON CONFLICT(offset_index) DO UPDATE SET offset_ps=excluded.offset_ps, updated_at=excluded.updated_at;`,
		index, offsetPs, now.Unix())
	if err != nil {
		return fmt.Errorf("offsettable: persist slot %d: %w", index, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (t *Table) Close() error {
	return t.db.Close()
}
