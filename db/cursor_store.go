package db

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// CursorStore keeps named uint64 cursors under one key prefix, cached in
// memory and persisted synchronously. Sources use it for byte offsets into
// their input files, publisher sinks for the last delivered transaction id.
type CursorStore struct {
	db     *pebble.DB
	prefix string

	cursors   map[string]uint64
	cursorsMu sync.RWMutex
}

// NewCursorStore loads all cursors under prefix into memory.
func NewCursorStore(db *pebble.DB, prefix string) (*CursorStore, error) {
	cs := &CursorStore{
		db:      db,
		prefix:  prefix,
		cursors: make(map[string]uint64),
	}
	if err := cs.loadCursors(); err != nil {
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}
	return cs, nil
}

// loadCursors loads all cursors from Pebble into the in-memory map
func (cs *CursorStore) loadCursors() error {
	prefix := []byte(cs.prefix)
	iter, err := cs.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	count := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefix):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor data for %s: invalid length %d", name, len(val))
		}

		cs.cursors[name] = binary.LittleEndian.Uint64(val)
		count++
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if count > 0 {
		log.Debug().Int("cursors", count).Str("prefix", cs.prefix).Msg("Loaded cursors")
	}

	return nil
}

// Get returns the cursor for name, 0 if it was never advanced.
func (cs *CursorStore) Get(name string) uint64 {
	cs.cursorsMu.RLock()
	defer cs.cursorsMu.RUnlock()
	return cs.cursors[name]
}

// Set persists the cursor for name. The in-memory value only changes after
// the write is synced.
func (cs *CursorStore) Set(name string, value uint64) error {
	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, value)

	if err := cs.db.Set([]byte(cs.prefix+name), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor %s: %w", name, err)
	}

	cs.cursorsMu.Lock()
	cs.cursors[name] = value
	cs.cursorsMu.Unlock()
	return nil
}

// All returns a snapshot of every cursor.
func (cs *CursorStore) All() map[string]uint64 {
	cs.cursorsMu.RLock()
	defer cs.cursorsMu.RUnlock()
	out := make(map[string]uint64, len(cs.cursors))
	for k, v := range cs.cursors {
		out[k] = v
	}
	return out
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
